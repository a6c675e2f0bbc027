// Package sqlitesheet implements remote.Backend on an embedded SQLite
// database, giving development and staging deployments a spreadsheet-shaped
// remote without Google credentials.
//
// Each sheet row is stored as a JSON array of cells keyed by (sheet, row):
//
//	CREATE TABLE sheet_rows (
//	    sheet   TEXT    NOT NULL,
//	    row_num INTEGER NOT NULL,
//	    cells   TEXT    NOT NULL,
//	    PRIMARY KEY (sheet, row_num)
//	);
package sqlitesheet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB is a spreadsheet stored in SQLite.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path and initializes its schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if err := db.InitSchemaContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchemaContext creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS sheet_rows (
		sheet   TEXT    NOT NULL,
		row_num INTEGER NOT NULL,
		cells   TEXT    NOT NULL,
		PRIMARY KEY (sheet, row_num)
	);
	`
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// RowCount returns the highest occupied row number of sheet.
func (db *DB) RowCount(ctx context.Context, sheet string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(row_num), 0) FROM sheet_rows WHERE sheet = ?`, sheet).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", sheet, err)
	}
	return n, nil
}

// WriteRows writes rows starting at startRow in a single transaction.
func (db *DB) WriteRows(ctx context.Context, sheet string, startRow int, rows [][]string) error {
	if startRow < 1 {
		return fmt.Errorf("invalid start row %d", startRow)
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO sheet_rows (sheet, row_num, cells) VALUES (?, ?, ?)
	ON CONFLICT(sheet, row_num) DO UPDATE SET cells = excluded.cells
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare write: %w", err)
	}
	defer stmt.Close()

	for i, row := range rows {
		cells, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, sheet, startRow+i, string(cells)); err != nil {
			return fmt.Errorf("failed to write row %d of %s: %w", startRow+i, sheet, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write: %w", err)
	}
	return nil
}

// ReadRows returns every row of sheet. Gaps between row numbers read as
// empty rows so positions match the spreadsheet.
func (db *DB) ReadRows(ctx context.Context, sheet string) ([][]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT row_num, cells FROM sheet_rows WHERE sheet = ? ORDER BY row_num`, sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sheet, err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var num int
		var raw string
		if err := rows.Scan(&num, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var cells []string
		if err := json.Unmarshal([]byte(raw), &cells); err != nil {
			return nil, fmt.Errorf("failed to decode row %d of %s: %w", num, sheet, err)
		}
		for len(out) < num-1 {
			out = append(out, []string{})
		}
		out = append(out, cells)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", sheet, err)
	}
	return out, nil
}

// Clear removes every row of sheet.
func (db *DB) Clear(ctx context.Context, sheet string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sheet_rows WHERE sheet = ?`, sheet); err != nil {
		return fmt.Errorf("failed to clear %s: %w", sheet, err)
	}
	return nil
}

// Sheets lists the sheets that have at least one row, with their row counts.
func (db *DB) Sheets(ctx context.Context) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT sheet, COUNT(*) FROM sheet_rows GROUP BY sheet ORDER BY sheet`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sheets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("failed to scan sheet: %w", err)
		}
		out[name] = n
	}
	return out, rows.Err()
}
