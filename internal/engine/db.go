// Package engine wires together the storage manager, buffer pool, catalog,
// write-ahead log, lock manager, and transaction manager behind a single
// Database façade: the seam the SQL layer (internal/sql/executor) drives
// and the one place CREATE/DROP/USE DATABASE switch which on-disk
// directory is active. Grounded on the teacher's original single-database
// Database (table lifecycle via a per-table JSON sidecar), generalized to
// many databases backed by internal/catalog's single db.meta file and
// extended with the write-ahead log / lock / transaction / recovery
// wiring the original never had.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"github.com/tuannm99/novasql/internal/bufferpool"
	"github.com/tuannm99/novasql/internal/btree"
	"github.com/tuannm99/novasql/internal/catalog"
	"github.com/tuannm99/novasql/internal/heap"
	"github.com/tuannm99/novasql/internal/lock"
	"github.com/tuannm99/novasql/internal/record"
	"github.com/tuannm99/novasql/internal/recovery"
	"github.com/tuannm99/novasql/internal/storage"
	"github.com/tuannm99/novasql/internal/txn"
	"github.com/tuannm99/novasql/internal/wal"
)

var (
	ErrDatabaseClosed     = errors.New("novasql: database is closed")
	ErrInvalidPageID      = errors.New("novasql: invalid page ID")
	ErrNoDatabaseSelected = errors.New("novasql: no database selected")
	ErrDatabaseExists     = errors.New("novasql: database already exists")
	ErrDatabaseNotFound   = errors.New("novasql: database not found")
)

// overflowSuffix matches the naming convention the original single-database
// engine used for a table's large-value overflow file.
const overflowSuffix = "_ovf"

// defaultBufferPoolFrames matches internal/config.go's storage.buffer_pool_frames
// default, used when a database is selected without going through that config.
const defaultBufferPoolFrames = bufferpool.DefaultCapacity

// session bundles every live handle for whichever database is currently
// selected. A session (Database) holds at most one of these at a time,
// matching spec's "USE <db>" being session-scoped rather than global.
type session struct {
	name string
	dir  string

	sm    *storage.StorageManager
	bp    *bufferpool.GlobalPool
	cat   *catalog.Catalog
	log   *wal.Manager
	locks *lock.Manager
	txns  *txn.Manager

	mu     sync.Mutex
	tables map[string]*heap.Table
}

// Database is the session-scoped façade the SQL layer drives. SM is kept
// as an exported field, not just reachable via StorageManager(), because
// callers outside this package (internal/sql/executor's realDB adapter)
// read it directly.
type Database struct {
	mu      sync.RWMutex
	baseDir string
	closed  bool

	SM *storage.StorageManager

	cur *session
}

// NewDatabase creates a handle rooted at baseDir (one subdirectory per
// database) without selecting any database yet.
func NewDatabase(baseDir string) *Database {
	return &Database{baseDir: baseDir}
}

func (db *Database) dbDir(name string) string {
	return filepath.Join(db.baseDir, name)
}

// CreateDatabase makes a new, empty database directory. It does not select
// it: a subsequent SelectDatabase (or USE in SQL) is still required.
func (db *Database) CreateDatabase(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	dir := db.dbDir(name)
	if _, err := os.Stat(filepath.Join(dir, "db.meta")); err == nil {
		return fmt.Errorf("%w: %s", ErrDatabaseExists, name)
	}
	return os.MkdirAll(dir, storage.FileMode0755)
}

// DropDatabase removes a database directory wholesale. Closing the active
// session first if it is the one being dropped.
func (db *Database) DropDatabase(name string) (any, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrDatabaseClosed
	}
	if db.cur != nil && db.cur.name == name {
		if err := closeSession(db.cur); err != nil {
			return nil, err
		}
		db.cur = nil
		db.SM = nil
	}
	dir := db.dbDir(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, name)
	}
	return nil, os.RemoveAll(dir)
}

// SelectDatabase opens name's catalog/log/locks/transaction manager,
// replays any crash recovery the log requires, and makes it the active
// session. This is what SQL's "USE <db>" compiles down to.
func (db *Database) SelectDatabase(name string) (any, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrDatabaseClosed
	}

	dir := db.dbDir(name)
	if err := os.MkdirAll(dir, storage.FileMode0755); err != nil {
		return nil, err
	}

	if db.cur != nil {
		if err := closeSession(db.cur); err != nil {
			return nil, err
		}
		db.cur = nil
	}

	sess, err := openSession(name, dir)
	if err != nil {
		return nil, err
	}
	db.cur = sess
	db.SM = sess.sm
	return nil, nil
}

func openSession(name, dir string) (*session, error) {
	sm := storage.NewStorageManager()
	bp := bufferpool.NewGlobalPool(sm, defaultBufferPoolFrames)

	cat, err := catalog.Open(dir)
	if err != nil {
		return nil, err
	}
	logMgr, err := wal.Open(dir)
	if err != nil {
		return nil, err
	}
	bp.AttachLog(logMgr)

	sess := &session{
		name:   name,
		dir:    dir,
		sm:     sm,
		bp:     bp,
		cat:    cat,
		log:    logMgr,
		locks:  lock.NewManager(),
		tables: make(map[string]*heap.Table),
	}
	sess.txns = txn.NewManager(logMgr, sess.locks, sess)

	result, err := recovery.Run(recovery.Deps{
		WAL:       logMgr,
		Cat:       cat,
		SM:        sm,
		BP:        bp,
		TableDir:  dir,
		OpenTable: sess.Table,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: recovery for database %s: %w", name, err)
	}
	sess.txns.SeedNextID(result.MaxTxnID + 1)
	if result.RedoCount > 0 || result.UndoCount > 0 {
		if err := bp.FlushAll(); err != nil {
			return nil, err
		}
	}

	return sess, nil
}

// closeSession flushes, releases, and closes every handle the session holds.
// Each is independent of the others, so one failing (a flush I/O error, say)
// must not suppress the rest: aggregate with multierr rather than returning
// on the first error, per the ambient fan-out-error-aggregation convention.
func closeSession(s *session) error {
	var err error
	err = multierr.Append(err, s.bp.FlushAll())
	s.locks.Close()
	err = multierr.Append(err, s.log.Close())
	return err
}

// Table implements txn.TableResolver and also backs recovery's OpenTable
// callback: both just need the session's live, cached heap.Table handle.
func (s *session) Table(name string) (*heap.Table, error) {
	return s.openTable(name)
}

func (s *session) tableFileSet(name string) storage.FileSet {
	return storage.LocalFileSet{Dir: s.dir, Base: name}
}

func (s *session) overflowFileSet(name string) storage.FileSet {
	return storage.LocalFileSet{Dir: s.dir, Base: name + overflowSuffix}
}

func (s *session) openTable(name string) (*heap.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tbl, ok := s.tables[name]; ok {
		return tbl, nil
	}

	tm, err := s.cat.Table(name)
	if err != nil {
		return nil, err
	}

	fs := s.tableFileSet(name)
	bpView := s.bp.View(fs)

	header, err := bpView.GetPage(0)
	if err != nil {
		return nil, err
	}
	pageCount := header.HeaderNumPages()
	if err := bpView.Unpin(header, false); err != nil {
		return nil, err
	}

	ovf := storage.NewOverflowManager(s.sm, s.overflowFileSet(name))
	tbl := heap.NewTable(name, tm.Schema(), s.sm, fs, bpView, ovf, pageCount)
	tbl.SetStatsHooks(
		func(values []any) { s.cat.RecordInsert(name, values) },
		func(values []any) { s.cat.RecordDelete(name, values) },
	)
	s.tables[name] = tbl
	return tbl, nil
}

// CreateTable registers the table in the catalog; its heap file is created
// lazily on first write, matching the record manager's own lazy
// page-0-header formatting.
func (db *Database) CreateTable(table string, schema record.Schema) (any, error) {
	sess, err := db.active()
	if err != nil {
		return nil, err
	}
	return sess.cat.CreateTable(table, schema.Cols)
}

// DropTable removes the catalog entry and every file backing the table:
// its heap file, its overflow file, and every BTree index file.
func (db *Database) DropTable(table string) error {
	sess, err := db.active()
	if err != nil {
		return err
	}

	tm, err := sess.cat.Table(table)
	if err != nil {
		return err
	}
	indexes := append([]catalog.IndexMeta(nil), tm.Indexes...)

	sess.mu.Lock()
	if tbl, ok := sess.tables[table]; ok {
		_ = sess.bp.RemoveAllPages(tbl.FS)
		delete(sess.tables, table)
	}
	sess.mu.Unlock()

	if err := sess.cat.DropTable(table); err != nil {
		return err
	}

	for _, im := range indexes {
		if im.Kind != catalog.IndexKindBTree {
			continue
		}
		if err := btree.DropIndex(storage.LocalFileSet{Dir: sess.dir, Base: im.FileBase}); err != nil {
			return err
		}
	}

	heapFile := sess.tableFileSet(table).(storage.LocalFileSet)
	if err := storage.RemoveAllSegments(heapFile); err != nil {
		return err
	}
	ovfFile := sess.overflowFileSet(table).(storage.LocalFileSet)
	return storage.RemoveAllSegments(ovfFile)
}

func (db *Database) OpenTable(table string) (*heap.Table, error) {
	sess, err := db.active()
	if err != nil {
		return nil, err
	}
	return sess.openTable(table)
}

func (db *Database) ListTables() ([]*catalog.TableMeta, error) {
	sess, err := db.active()
	if err != nil {
		return nil, err
	}
	return sess.cat.ListTables(), nil
}

func (db *Database) TableDir() string {
	sess, err := db.active()
	if err != nil {
		return ""
	}
	return sess.dir
}

func (db *Database) BufferView(fs storage.FileSet) bufferpool.Manager {
	sess, err := db.active()
	if err != nil {
		return nil
	}
	return sess.bp.View(fs)
}

func (db *Database) StorageManager() *storage.StorageManager {
	return db.SM
}

// Txns exposes the active session's transaction manager. The executor
// drives one Begin/Record*/Commit per DML statement through it
// (auto-commit per statement); a future multi-statement BEGIN/COMMIT
// surface would Begin once and hand the same *txn.Transaction across
// several ExecSQL calls instead.
func (db *Database) Txns() (*txn.Manager, error) {
	sess, err := db.active()
	if err != nil {
		return nil, err
	}
	return sess.txns, nil
}

func (db *Database) active() (*session, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrDatabaseClosed
	}
	if db.cur == nil {
		return nil, ErrNoDatabaseSelected
	}
	return db.cur, nil
}

// Close flushes and releases whichever database is currently selected.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	if db.cur == nil {
		return nil
	}
	err := closeSession(db.cur)
	db.cur = nil
	return err
}
