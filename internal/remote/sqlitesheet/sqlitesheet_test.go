package sqlitesheet

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/geultto/sheetsync/internal/remote"
	"github.com/geultto/sheetsync/internal/schema"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestWriteAndReadRows(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := db.WriteRows(ctx, "raw_data", 1, [][]string{{"h1", "h2"}, {"a", "b"}}); err != nil {
		t.Fatalf("Failed to write rows: %v", err)
	}
	// Leave a gap at row 3.
	if err := db.WriteRows(ctx, "raw_data", 4, [][]string{{"c", "d"}}); err != nil {
		t.Fatalf("Failed to write rows: %v", err)
	}

	n, err := db.RowCount(ctx, "raw_data")
	if err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if n != 4 {
		t.Errorf("Expected row count 4, got %d", n)
	}

	rows, err := db.ReadRows(ctx, "raw_data")
	if err != nil {
		t.Fatalf("Failed to read rows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("Expected 4 rows, got %d", len(rows))
	}
	if len(rows[2]) != 0 {
		t.Errorf("Expected gap row to be empty, got %v", rows[2])
	}
	if rows[3][0] != "c" {
		t.Errorf("Expected row 4 to start with c, got %v", rows[3])
	}
}

func TestOverwriteAndClear(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_ = db.WriteRows(ctx, "bookmark", 1, [][]string{{"h"}, {"old"}})
	if err := db.WriteRows(ctx, "bookmark", 2, [][]string{{"new"}}); err != nil {
		t.Fatalf("Failed to overwrite row: %v", err)
	}
	rows, _ := db.ReadRows(ctx, "bookmark")
	if rows[1][0] != "new" {
		t.Errorf("Expected overwritten row, got %v", rows[1])
	}

	sheets, err := db.Sheets(ctx)
	if err != nil {
		t.Fatalf("Failed to list sheets: %v", err)
	}
	if sheets["bookmark"] != 2 {
		t.Errorf("Expected 2 rows in bookmark, got %d", sheets["bookmark"])
	}

	if err := db.Clear(ctx, "bookmark"); err != nil {
		t.Fatalf("Failed to clear: %v", err)
	}
	n, _ := db.RowCount(ctx, "bookmark")
	if n != 0 {
		t.Errorf("Expected empty sheet after clear, got %d rows", n)
	}
}

func TestInvalidStartRow(t *testing.T) {
	db := setupTestDB(t)
	if err := db.WriteRows(context.Background(), "x", 0, [][]string{{"a"}}); err == nil {
		t.Error("Expected error for row 0")
	}
}

func TestClientOverSQLite(t *testing.T) {
	db := setupTestDB(t)
	client := remote.NewClient(db, nil)
	ctx := context.Background()

	row := []string{"U1", "c1", "", "false", "2024-03-01 10:00:00", "2024-03-01 10:00:00"}
	r, err := client.AppendBatch(ctx, schema.Bookmarks, [][]string{row})
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if r.Start != 2 {
		t.Errorf("Expected first data row at 2, got %d", r.Start)
	}

	updated := append([]string(nil), row...)
	updated[3] = "true"
	if _, err := client.UpdateRow(ctx, schema.Bookmarks, map[string]string{"user_id": "U1", "content_id": "c1"}, updated); err != nil {
		t.Fatalf("Failed to update: %v", err)
	}

	rows, err := client.FetchAll(ctx, schema.Bookmarks)
	if err != nil {
		t.Fatalf("Failed to fetch: %v", err)
	}
	if len(rows) != 1 || rows[0][3] != "true" {
		t.Errorf("Expected one deleted bookmark, got %v", rows)
	}
}
