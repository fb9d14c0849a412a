package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// dbFileName is the SQLite file created inside the data directory.
const dbFileName = "rolodex.db"

// Backend implements types.Store over a single SQLite database file.
// A sync.RWMutex serializes mutations so that every single-record operation
// is atomic with respect to concurrent readers.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	config   types.Config
	db       *sql.DB
}

// NewBackend creates a new SQLite backend instance.
// The backend is not attached; call Attach with a Config to initialize.
func NewBackend() *Backend {
	return &Backend{}
}

// Attach initializes the backend with the given configuration. Creates the
// data directory if it does not exist and ensures the schema is present.
// Existing data is kept; the schema statements are idempotent.
// Returns ErrAlreadyAttached if already attached.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}

	dataDir := config.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, dbFileName))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	for _, table := range types.AllTables {
		for _, stmt := range createTableSQL(table) {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return fmt.Errorf("creating table %s: %w", table, err)
			}
		}
	}
	if _, err := db.Exec(syncStateDDL); err != nil {
		db.Close()
		return fmt.Errorf("creating sync_state: %w", err)
	}

	b.db = db
	b.config = config
	b.attached = true
	return nil
}

// Detach releases the database connection. Idempotent: multiple calls
// succeed. After Detach, operations return ErrStoreDetached.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			return fmt.Errorf("closing database: %w", err)
		}
		b.db = nil
	}
	b.attached = false
	return nil
}

// checkTable validates the attach state and table name. Callers must hold
// b.mu (read or write).
func (b *Backend) checkTable(table string) error {
	if !b.attached {
		return types.ErrStoreDetached
	}
	if !types.IsKnownTable(table) {
		return types.ErrTableNotFound
	}
	return nil
}

// newUUID generates a UUID v7 string, falling back to v4 if v7 generation
// fails.
func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
