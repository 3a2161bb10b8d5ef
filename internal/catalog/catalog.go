package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tuannm99/novasql/internal/record"
)

var (
	ErrTableNotFound  = errors.New("catalog: table not found")
	ErrTableExists    = errors.New("catalog: table already exists")
	ErrIndexNotFound  = errors.New("catalog: index not found")
	ErrIndexExists    = errors.New("catalog: index already exists")
)

// Catalog owns db.meta, the single line-oriented text file describing
// every table and index in a database directory, plus the in-memory
// per-table statistics layered on top of it. Grounded on
// internal/engine/db.go's JSON-per-table metadata pattern, re-expressed as
// spec's single-file catalog so the whole schema is one atomically
// rewritten artifact instead of one file per table.
type Catalog struct {
	mu     sync.RWMutex
	dir    string
	tables map[string]*TableMeta
}

// Open loads db.meta from dir if it exists, or starts an empty catalog.
func Open(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir, tables: make(map[string]*TableMeta)}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) path() string {
	return filepath.Join(c.dir, "db.meta")
}

// CreateTable registers a new table with no indexes and fresh statistics.
func (c *Catalog) CreateTable(name string, cols []record.Column) (*TableMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tables[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	meta := &TableMeta{Name: name, Columns: cols, Stats: newTableStats(cols)}
	c.tables[name] = meta
	if err := c.persistLocked(); err != nil {
		delete(c.tables, name)
		return nil, err
	}
	return meta, nil
}

func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[name]; !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	delete(c.tables, name)
	return c.persistLocked()
}

func (c *Catalog) Table(name string) (*TableMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return m, nil
}

func (c *Catalog) ListTables() []*TableMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*TableMeta, 0, len(c.tables))
	for _, m := range c.tables {
		out = append(out, m)
	}
	return out
}

// CreateIndex registers an index against table and persists it.
func (c *Catalog) CreateIndex(table string, im IndexMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	for _, existing := range m.Indexes {
		if existing.Name == im.Name {
			return fmt.Errorf("%w: %s", ErrIndexExists, im.Name)
		}
	}
	m.Indexes = append(m.Indexes, im)
	return c.persistLocked()
}

func (c *Catalog) DropIndex(table, indexName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	kept := m.Indexes[:0]
	found := false
	for _, im := range m.Indexes {
		if im.Name == indexName {
			found = true
			continue
		}
		kept = append(kept, im)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, indexName)
	}
	m.Indexes = kept
	return c.persistLocked()
}

// ReplaceIndexes atomically swaps a table's index list and persists it.
func (c *Catalog) ReplaceIndexes(table string, indexes []IndexMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	m.Indexes = indexes
	return c.persistLocked()
}

// RecordInsert/RecordDelete update a table's in-memory statistics; callers
// are the stats hooks that the engine's session.openTable installs on each
// heap.Table it opens.
func (c *Catalog) RecordInsert(table string, values []any) {
	c.mu.RLock()
	m, ok := c.tables[table]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if m.Stats == nil {
		m.Stats = newTableStats(m.Columns)
	}
	m.Stats.observeInsert(m.Columns, values)
}

func (c *Catalog) RecordDelete(table string, values []any) {
	c.mu.RLock()
	m, ok := c.tables[table]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if m.Stats == nil {
		m.Stats = newTableStats(m.Columns)
	}
	m.Stats.observeDelete(m.Columns, values)
}

// persistLocked atomically rewrites db.meta. Callers must hold c.mu.
func (c *Catalog) persistLocked() error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	var sb strings.Builder
	for _, m := range c.tables {
		fmt.Fprintf(&sb, "TABLE %s %d %d\n", m.Name, len(m.Columns), len(m.Indexes))
		for _, col := range m.Columns {
			fmt.Fprintf(&sb, "COLUMN %s %d %d %d\n", col.Name, col.Type, boolInt(col.Nullable), col.Len)
		}
		for _, im := range m.Indexes {
			fmt.Fprintf(&sb, "INDEX %s %s %s %s\n", im.Name, im.Kind, im.KeyColumn, im.FileBase)
		}
	}

	tmp := c.path() + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// load parses db.meta, tolerating its absence (a brand-new database).
func (c *Catalog) load() error {
	f, err := os.Open(c.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	var cur *TableMeta
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "TABLE":
			if len(fields) < 2 {
				return fmt.Errorf("catalog: malformed TABLE line: %q", line)
			}
			cur = &TableMeta{Name: fields[1]}
			c.tables[cur.Name] = cur
		case "COLUMN":
			if cur == nil || len(fields) < 5 {
				return fmt.Errorf("catalog: malformed COLUMN line: %q", line)
			}
			typ, err := strconv.Atoi(fields[2])
			if err != nil {
				return err
			}
			nullable, err := strconv.Atoi(fields[3])
			if err != nil {
				return err
			}
			length, err := strconv.Atoi(fields[4])
			if err != nil {
				return err
			}
			cur.Columns = append(cur.Columns, record.Column{
				Name:     fields[1],
				Type:     record.ColumnType(typ),
				Nullable: nullable != 0,
				Len:      length,
			})
		case "INDEX":
			if cur == nil || len(fields) < 5 {
				return fmt.Errorf("catalog: malformed INDEX line: %q", line)
			}
			cur.Indexes = append(cur.Indexes, IndexMeta{
				Name:      fields[1],
				Kind:      IndexKind(fields[2]),
				KeyColumn: fields[3],
				FileBase:  fields[4],
			})
		default:
			return fmt.Errorf("catalog: unknown db.meta line kind: %q", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, m := range c.tables {
		m.Stats = newTableStats(m.Columns)
	}
	return nil
}
