package novasql

import (
	"github.com/tuannm99/novasql/internal/catalog"
	"github.com/tuannm99/novasql/internal/engine"
)

// Package novasql is the top-level facade for the NovaSQL engine: a single
// concrete Database type backed by internal/engine, plus the catalog shapes
// the SQL layer reads off it.
type Database = engine.Database

type TableMeta = catalog.TableMeta
type IndexMeta = catalog.IndexMeta
type IndexKind = catalog.IndexKind

const IndexKindBTree = catalog.IndexKindBTree

var (
	ErrDatabaseClosed = engine.ErrDatabaseClosed
	ErrInvalidPageID  = engine.ErrInvalidPageID
)

func NewDatabase(dataDir string) *Database {
	return engine.NewDatabase(dataDir)
}
