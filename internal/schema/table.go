package schema

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the timestamp format used in every table.
const TimeLayout = "2006-01-02 15:04:05"

// KST is the zone all timestamps are recorded in. Korea has no DST so a fixed
// zone avoids depending on tzdata being installed.
var KST = time.FixedZone("KST", 9*60*60)

// Table names a synchronized table.
type Table string

const (
	// Users holds community members. Read-only locally, refreshed by pull.
	Users Table = "users"
	// Contents holds submissions and passes.
	Contents Table = "contents"
	// Bookmarks holds per-user bookmarks of contents.
	Bookmarks Table = "bookmarks"
	// Logs is the ancillary event log.
	Logs Table = "logs"
)

// Definition describes the layout of a table.
type Definition struct {
	Table   Table
	Version int
	Columns []string
	// Key lists the columns that identify a record for remote updates.
	Key []string
}

var definitions = map[Table]Definition{
	Users: {
		Table:   Users,
		Version: 1,
		Columns: []string{"user_id", "name", "channel_name", "channel_id", "intro", "deposit", "cohort"},
		Key:     []string{"user_id"},
	},
	Contents: {
		Table:   Contents,
		Version: 1,
		Columns: []string{"user_id", "username", "title", "content_url", "dt", "category", "description", "type", "tags"},
		Key:     []string{"user_id", "dt"},
	},
	Bookmarks: {
		Table:   Bookmarks,
		Version: 1,
		Columns: []string{"user_id", "content_id", "note", "is_deleted", "created_at", "updated_at"},
		Key:     []string{"user_id", "content_id"},
	},
	Logs: {
		Table:   Logs,
		Version: 1,
		Columns: []string{"event_id", "dt", "actor", "event", "type", "description", "body"},
		Key:     []string{"event_id"},
	},
}

// Tables returns every known table in a stable order.
func Tables() []Table {
	return []Table{Users, Contents, Bookmarks, Logs}
}

// ParseTable converts a name into a Table.
func ParseTable(name string) (Table, error) {
	t := Table(strings.TrimSpace(strings.ToLower(name)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

// Valid reports whether t is a known table.
func (t Table) Valid() bool {
	_, ok := definitions[t]
	return ok
}

// Definition returns the layout of t. It panics for unknown tables, which
// only happens on programmer error.
func (t Table) Definition() Definition {
	def, ok := definitions[t]
	if !ok {
		panic(fmt.Sprintf("schema: unknown table %q", string(t)))
	}
	return def
}

// Columns returns a copy of the column names of t.
func (t Table) Columns() []string {
	return append([]string(nil), t.Definition().Columns...)
}

// Version returns the schema version of t.
func (t Table) Version() int {
	return t.Definition().Version
}

func (t Table) String() string {
	return string(t)
}

// Index returns the position of column name, or -1.
func (d Definition) Index(name string) int {
	for i, c := range d.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// KeyOf extracts the key columns of row as a column -> value map.
func (d Definition) KeyOf(row []string) map[string]string {
	key := make(map[string]string, len(d.Key))
	for _, col := range d.Key {
		if i := d.Index(col); i >= 0 && i < len(row) {
			key[col] = row[i]
		}
	}
	return key
}

// CheckHeader verifies that header matches the table columns exactly.
func (d Definition) CheckHeader(header []string) error {
	if len(header) != len(d.Columns) {
		return &SchemaError{
			Table:  d.Table,
			Reason: fmt.Sprintf("header has %d columns, want %d", len(header), len(d.Columns)),
		}
	}
	for i, col := range d.Columns {
		if strings.TrimSpace(header[i]) != col {
			return &SchemaError{
				Table:  d.Table,
				Reason: fmt.Sprintf("header column %d is %q, want %q", i+1, header[i], col),
			}
		}
	}
	return nil
}

// Pad returns row extended with empty cells to the table width. Remote
// backends drop trailing empty cells, so rows read back may be short.
func (d Definition) Pad(row []string) []string {
	if len(row) >= len(d.Columns) {
		return row
	}
	out := make([]string, len(d.Columns))
	copy(out, row)
	return out
}

// FormatTime renders t in the table timestamp layout.
func FormatTime(t time.Time) string {
	return t.In(KST).Format(TimeLayout)
}

// ParseTime parses a table timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, strings.TrimSpace(s), KST)
}
