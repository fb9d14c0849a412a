// Package store provides the public factory for the SQLite-backed Local
// Store while keeping implementation details internal.
package store

import (
	"github.com/mesh-intelligence/rolodex/internal/sqlite"
	"github.com/mesh-intelligence/rolodex/pkg/types"
)

// NewSQLite creates a new SQLite-backed Store instance.
// The store is not attached; call Attach with a Config to initialize.
//
// Example:
//
//	st := store.NewSQLite()
//	err := st.Attach(types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: ".rolodex",
//	})
//	defer st.Detach()
func NewSQLite() types.Store {
	return sqlite.NewBackend()
}
