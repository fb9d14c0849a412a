package types

// Entity table names. Every table stores uniform Record rows; PeopleGroups
// holds the person/group join rows, each row independently created and
// removed.
const (
	TablePeople       = "people"
	TableGroups       = "groups"
	TableNotes        = "notes"
	TableActionItems  = "action_items"
	TablePeopleGroups = "people_groups"
	TableDevices      = "devices"
)

// AllTables lists every entity table in sync order. Devices sync last so that
// trust changes never race ahead of the content they re-wrapped.
var AllTables = []string{
	TablePeople,
	TableGroups,
	TableNotes,
	TableActionItems,
	TablePeopleGroups,
	TableDevices,
}

// IsKnownTable reports whether name is one of the standard entity tables.
func IsKnownTable(name string) bool {
	for _, t := range AllTables {
		if t == name {
			return true
		}
	}
	return false
}

// ProtectedTables marks the tables whose records carry encrypted content.
// Records in other tables are plain-field only.
var ProtectedTables = map[string]bool{
	TableNotes:       true,
	TableActionItems: true,
}
