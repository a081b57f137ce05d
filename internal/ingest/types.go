// Package ingest implements the write path from decoded bus records to
// batched, sticky-routed database upserts: query construction, writer
// pooling, the router and attribute caches, subscription tracking,
// notification fan-out, and the consumer engine and supervisor that tie
// them together.
package ingest

// QueryTriple is the unit of work a Builder hands to a Writer: a statement
// prefix (the INSERT ... VALUES head), a suffix (the ON CONFLICT clause),
// and the named values for a single logical row. Two triples with the same
// (Prefix, Suffix) and key may be merged by the writer into one row, last
// value wins per column.
type QueryTriple struct {
	Prefix  string
	Suffix  string
	Columns []string
	Values  map[string]any
}

// Args returns the triple's values in Columns order, suitable as positional
// arguments for Prefix's $1..$N placeholders.
func (q QueryTriple) Args() []any {
	args := make([]any, len(q.Columns))
	for i, c := range q.Columns {
		args[i] = q.Values[c]
	}
	return args
}

// WriterType partitions the writer pool. Every writer in a pool handles the
// same type; routing is sticky within a type by key.
type WriterType int

const (
	// WriterDefault handles every table, base_attrs included; the
	// supervisor creates no WriterBaseAttr pool.
	WriterDefault WriterType = iota
	// WriterBaseAttr is reserved for a future split of the base_attrs table
	// onto its own pool once attribute volume on a single pool bottlenecks.
	WriterBaseAttr
)

func (t WriterType) String() string {
	switch t {
	case WriterDefault:
		return "default"
	case WriterBaseAttr:
		return "base_attr"
	default:
		return "unknown"
	}
}

// IntakeItem is one row of work routed to a writer pool: a sticky routing
// key, the query triple to execute, and which pool (by type) should handle
// it.
type IntakeItem struct {
	Key   string
	Msg   QueryTriple
	Type  WriterType
	Table string
}
