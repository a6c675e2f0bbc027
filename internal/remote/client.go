// Package remote talks to the remote tabular datastore.
//
// The datastore is modelled as named sheets of string rows addressed by
// 1-based row numbers, with the header in row 1. Backend implementations
// provide four primitives (row count, positional write, read all, clear);
// Client builds the synchronization protocol on top of them and turns every
// failure into a *SyncError.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/geultto/sheetsync/internal/schema"
)

// Backend is the minimal protocol a remote tabular datastore must offer.
type Backend interface {
	// RowCount returns the number of occupied rows in sheet, header included.
	RowCount(ctx context.Context, sheet string) (int, error)

	// WriteRows writes rows starting at the 1-based row startRow,
	// overwriting whatever is there.
	WriteRows(ctx context.Context, sheet string, startRow int, rows [][]string) error

	// ReadRows returns every row of sheet, header included. Trailing empty
	// cells may be omitted.
	ReadRows(ctx context.Context, sheet string) ([][]string, error)

	// Clear removes every row of sheet.
	Clear(ctx context.Context, sheet string) error
}

// RowRange is the inclusive 1-based range of rows written by an append.
type RowRange struct {
	Start int
	End   int
}

// Len returns the number of rows in the range.
func (r RowRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

func (r RowRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Config holds client configuration.
type Config struct {
	// Timeout bounds every remote call (default: 30s)
	Timeout time.Duration

	// Sheets maps tables to remote sheet names. Unmapped tables use the
	// table name.
	Sheets map[schema.Table]string

	// BackupSheet receives wholesale copies of local tables (default: "backup")
	BackupSheet string

	// Logger for client activity (default: slog.Default())
	Logger *slog.Logger
}

// DefaultSheets returns the production sheet names.
func DefaultSheets() map[schema.Table]string {
	return map[schema.Table]string{
		schema.Users:     "users",
		schema.Contents:  "raw_data",
		schema.Bookmarks: "bookmark",
		schema.Logs:      "log",
	}
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:     30 * time.Second,
		Sheets:      DefaultSheets(),
		BackupSheet: "backup",
		Logger:      slog.Default(),
	}
}

// Client implements the synchronization protocol over a Backend.
type Client struct {
	backend Backend
	config  *Config
	logger  *slog.Logger
}

// NewClient creates a client. A nil config uses DefaultConfig.
func NewClient(backend Backend, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Sheets == nil {
		config.Sheets = DefaultSheets()
	}
	if config.BackupSheet == "" {
		config.BackupSheet = "backup"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend: backend,
		config:  config,
		logger:  logger.With("component", "remote"),
	}
}

// SheetName returns the remote sheet backing table t.
func (c *Client) SheetName(t schema.Table) string {
	if name, ok := c.config.Sheets[t]; ok && name != "" {
		return name
	}
	return string(t)
}

// BackupSheet returns the name of the backup sheet.
func (c *Client) BackupSheet() string {
	return c.config.BackupSheet
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.Timeout)
}

// RowCount returns the number of occupied rows of table t, header included.
func (c *Client) RowCount(ctx context.Context, t schema.Table) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.backend.RowCount(ctx, c.SheetName(t))
	if err != nil {
		return 0, wrap(t, "row_count", err)
	}
	return n, nil
}

// AppendBatch writes rows after the last occupied row of table t. The
// position is read from the remote immediately before writing and never
// cached. An empty sheet gets the header first.
func (c *Client) AppendBatch(ctx context.Context, t schema.Table, rows [][]string) (RowRange, error) {
	if len(rows) == 0 {
		return RowRange{}, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	sheet := c.SheetName(t)
	count, err := c.backend.RowCount(ctx, sheet)
	if err != nil {
		return RowRange{}, wrap(t, "append", err)
	}

	payload := rows
	start := count + 1
	if count == 0 {
		payload = append([][]string{t.Columns()}, rows...)
	}
	if err := c.backend.WriteRows(ctx, sheet, start, payload); err != nil {
		return RowRange{}, wrap(t, "append", err)
	}

	r := RowRange{Start: start + len(payload) - len(rows), End: start + len(payload) - 1}
	c.logger.Debug("appended rows", "table", t, "sheet", sheet, "rows", r.String())
	return r, nil
}

// UpdateRow overwrites the first remote row of table t whose columns equal
// match with row, and returns its row number. ErrNotFound is reported when
// nothing matches.
func (c *Client) UpdateRow(ctx context.Context, t schema.Table, match map[string]string, row []string) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	def := t.Definition()
	sheet := c.SheetName(t)
	rows, err := c.backend.ReadRows(ctx, sheet)
	if err != nil {
		return 0, wrap(t, "update", err)
	}

	rowNumber := 0
	for i := 1; i < len(rows); i++ {
		if matches(def, def.Pad(rows[i]), match) {
			rowNumber = i + 1
			break
		}
	}
	if rowNumber == 0 {
		return 0, &SyncError{
			Kind:  KindNotFound,
			Table: t,
			Op:    "update",
			Err:   fmt.Errorf("no row matches %s", formatMatch(match)),
		}
	}

	if err := c.backend.WriteRows(ctx, sheet, rowNumber, [][]string{row}); err != nil {
		return 0, wrap(t, "update", err)
	}
	c.logger.Debug("updated row", "table", t, "sheet", sheet, "row", rowNumber)
	return rowNumber, nil
}

// FetchAll reads every data row of table t, padded to the table width.
// Blank rows are skipped. A header that does not match the table layout is
// reported as a *schema.SchemaError.
func (c *Client) FetchAll(ctx context.Context, t schema.Table) ([][]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	rows, err := c.backend.ReadRows(ctx, c.SheetName(t))
	if err != nil {
		return nil, wrap(t, "fetch", err)
	}
	if len(rows) == 0 {
		return [][]string{}, nil
	}

	def := t.Definition()
	if err := def.CheckHeader(rows[0]); err != nil {
		return nil, err
	}

	out := make([][]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		if len(row) > len(def.Columns) {
			row = row[:len(def.Columns)]
		}
		out = append(out, def.Pad(row))
	}
	return out, nil
}

// Backup overwrites the backup sheet with the header of table t and rows.
func (c *Client) Backup(ctx context.Context, t schema.Table, rows [][]string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	sheet := c.config.BackupSheet
	if err := c.backend.Clear(ctx, sheet); err != nil {
		return wrap(t, "backup", err)
	}
	payload := append([][]string{t.Columns()}, rows...)
	if err := c.backend.WriteRows(ctx, sheet, 1, payload); err != nil {
		return wrap(t, "backup", err)
	}
	c.logger.Info("backed up table", "table", t, "sheet", sheet, "rows", len(rows))
	return nil
}

func matches(def schema.Definition, row []string, match map[string]string) bool {
	if len(match) == 0 {
		return false
	}
	for col, want := range match {
		i := def.Index(col)
		if i < 0 || i >= len(row) || row[i] != want {
			return false
		}
	}
	return true
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func formatMatch(match map[string]string) string {
	parts := make([]string, 0, len(match))
	for k, v := range match {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
