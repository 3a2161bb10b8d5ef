package catalog

import "github.com/tuannm99/novasql/internal/record"

// IndexKind names the index implementation backing an IndexMeta. Only
// BTree is actually buildable today; other kinds can appear in db.meta
// (e.g. a future hash index) and are simply skipped by consumers that only
// know how to drive a B+-tree.
type IndexKind string

const IndexKindBTree IndexKind = "BTREE"

// IndexMeta describes one secondary index: its storage kind, the single
// column it indexes, and the file-set base name its pages live under.
type IndexMeta struct {
	Name      string
	Kind      IndexKind
	KeyColumn string
	FileBase  string
}

// TableMeta is a table's persistent definition (columns, indexes) plus a
// pointer to its in-memory, never-persisted statistics.
type TableMeta struct {
	Name    string
	Columns []record.Column
	Indexes []IndexMeta

	Stats *TableStats
}

func (m *TableMeta) Schema() record.Schema {
	return record.Schema{Cols: m.Columns}
}

// ColumnStats tracks the running aggregates an optimizer would consult:
// min/max/sum over numeric columns (HasSum false for non-numeric ones) and
// a distinct count (exact, via a running seen-set — acceptable at this
// engine's scale; a real cardinality sketch is future work).
type ColumnStats struct {
	Min, Max float64
	HasMin   bool
	Sum      float64
	HasSum   bool
	Distinct uint64

	seen map[any]struct{}
}

// TableStats is maintained in memory only and refreshed as rows are
// inserted/deleted. It starts empty whenever db.meta is loaded; nothing
// rebuilds it from the rows already in the table.
type TableStats struct {
	RowCount uint64
	Columns  map[string]*ColumnStats
}

func newTableStats(cols []record.Column) *TableStats {
	st := &TableStats{Columns: make(map[string]*ColumnStats, len(cols))}
	for _, c := range cols {
		st.Columns[c.Name] = &ColumnStats{seen: make(map[any]struct{})}
	}
	return st
}

func (st *TableStats) observeInsert(cols []record.Column, values []any) {
	st.RowCount++
	for i, c := range cols {
		if i >= len(values) || values[i] == nil {
			continue
		}
		cs := st.columnStats(c.Name)
		cs.noteDistinct(values[i])
		if f, ok := asFloat(values[i]); ok {
			cs.Sum += f
			cs.HasSum = true
			if !cs.HasMin || f < cs.Min {
				cs.Min = f
				cs.HasMin = true
			}
			if f > cs.Max {
				cs.Max = f
			}
		}
	}
}

func (st *TableStats) observeDelete(cols []record.Column, values []any) {
	if st.RowCount > 0 {
		st.RowCount--
	}
	for i, c := range cols {
		if i >= len(values) || values[i] == nil {
			continue
		}
		cs := st.columnStats(c.Name)
		if f, ok := asFloat(values[i]); ok {
			cs.Sum -= f
			// Min/Max/Distinct are not retracted on delete: recomputing them
			// would need a full rescan, which observeDelete intentionally
			// avoids on the hot path. They keep counting deleted values
			// until the stats are reset by the next load of db.meta.
		}
	}
}

func (st *TableStats) columnStats(name string) *ColumnStats {
	cs, ok := st.Columns[name]
	if !ok {
		cs = &ColumnStats{seen: make(map[any]struct{})}
		st.Columns[name] = cs
	}
	return cs
}

func (cs *ColumnStats) noteDistinct(v any) {
	switch v.(type) {
	case []byte:
		return // not comparable; skip rather than panic on the map key
	}
	if cs.seen == nil {
		cs.seen = make(map[any]struct{})
	}
	if _, ok := cs.seen[v]; !ok {
		cs.seen[v] = struct{}{}
		cs.Distinct++
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
