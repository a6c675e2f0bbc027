// Package store implements the local record store: one append-only CSV file
// per table that serves every read and is the durable source of truth
// between flushes.
//
// File layout:
//
//	# contents v1
//	user_id,username,title,...
//	U1,kim,...
//
// Appends are serialized per table and synced to disk before returning.
// Whole-file replacements go through a temporary file and a rename so a
// crash never leaves a half-written table behind.
package store

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/geultto/sheetsync/internal/schema"
)

// Store is the local record store.
type Store struct {
	dir    string
	logger *slog.Logger
	tables map[schema.Table]*tableFile

	// openAppend is replaced in tests.
	openAppend func(path string) (appendFile, error)

	watchMu sync.Mutex
	watcher *Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// appendFile is the part of *os.File that Append uses.
type appendFile interface {
	io.Writer
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

func openAppendFile(path string) (appendFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type tableFile struct {
	mu   sync.Mutex
	def  schema.Definition
	path string

	// rows caches the parsed file. nil means not loaded.
	rows [][]string
}

// Options configures a Store.
type Options struct {
	// Logger for store activity (default: slog.Default())
	Logger *slog.Logger
}

// Open prepares a store rooted at dir, creating the directory if needed.
// Table files are created lazily on first write.
func Open(dir string, opts *Options) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		dir:    dir,
		logger: logger.With("component", "store"),
		tables: make(map[schema.Table]*tableFile),

		openAppend: openAppendFile,
	}
	for _, t := range schema.Tables() {
		s.tables[t] = &tableFile{
			def:  t.Definition(),
			path: filepath.Join(dir, string(t)+".csv"),
		}
	}
	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file backing table t.
func (s *Store) Path(t schema.Table) string {
	tf, err := s.table(t)
	if err != nil {
		return ""
	}
	return tf.path
}

func (s *Store) table(t schema.Table) (*tableFile, error) {
	tf, ok := s.tables[t]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", string(t))
	}
	return tf, nil
}

// Append writes one record to the end of table t. The row is on disk when
// Append returns nil.
func (s *Store) Append(t schema.Table, row []string) error {
	tf, err := s.table(t)
	if err != nil {
		return err
	}
	if len(row) != len(tf.def.Columns) {
		return &schema.SchemaError{
			Table:  t,
			Reason: fmt.Sprintf("row has %d fields, want %d", len(row), len(tf.def.Columns)),
		}
	}

	tf.mu.Lock()
	defer tf.mu.Unlock()

	f, err := s.openAppend(tf.path)
	if err != nil {
		return &IOError{Op: "open", Table: t, Path: tf.path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return &IOError{Op: "stat", Table: t, Path: tf.path, Err: err}
	}

	// A failed write must not leave a partial line behind, or every later
	// read of the table fails to parse.
	size := info.Size()
	fail := func(op string, err error) error {
		if terr := f.Truncate(size); terr != nil {
			s.logger.Error("failed to roll back partial append", "table", t, "path", tf.path, "error", terr)
		}
		_ = f.Close()
		return &IOError{Op: op, Table: t, Path: tf.path, Err: err}
	}

	w := bufio.NewWriter(f)
	if size == 0 {
		if err := writePreamble(w, tf.def); err != nil {
			return fail("write", err)
		}
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(row); err != nil {
		return fail("write", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fail("write", err)
	}
	if err := w.Flush(); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := f.Close(); err != nil {
		return &IOError{Op: "close", Table: t, Path: tf.path, Err: err}
	}

	if tf.rows != nil {
		tf.rows = append(tf.rows, append([]string(nil), row...))
	}
	return nil
}

// ReadAll returns every record of table t in file order. A missing file
// reads as an empty table. The returned rows must not be modified.
func (s *Store) ReadAll(t schema.Table) ([][]string, error) {
	tf, err := s.table(t)
	if err != nil {
		return nil, err
	}

	tf.mu.Lock()
	defer tf.mu.Unlock()

	if err := tf.load(); err != nil {
		return nil, err
	}
	out := make([][]string, len(tf.rows))
	copy(out, tf.rows)
	return out, nil
}

// Count returns the number of records in table t.
func (s *Store) Count(t schema.Table) (int, error) {
	tf, err := s.table(t)
	if err != nil {
		return 0, err
	}

	tf.mu.Lock()
	defer tf.mu.Unlock()

	if err := tf.load(); err != nil {
		return 0, err
	}
	return len(tf.rows), nil
}

// Rebuild atomically replaces the contents of table t with rows.
func (s *Store) Rebuild(t schema.Table, rows [][]string) error {
	tf, err := s.table(t)
	if err != nil {
		return err
	}

	tf.mu.Lock()
	defer tf.mu.Unlock()

	return tf.replace(rows)
}

// Truncate resets table t to an empty file with only its header.
func (s *Store) Truncate(t schema.Table) error {
	return s.Rebuild(t, nil)
}

// DropFirst atomically removes the first n records of table t, keeping any
// records appended after them. It returns the number of records removed.
func (s *Store) DropFirst(t schema.Table, n int) (int, error) {
	tf, err := s.table(t)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, nil
	}

	tf.mu.Lock()
	defer tf.mu.Unlock()

	if err := tf.load(); err != nil {
		return 0, err
	}
	if n > len(tf.rows) {
		n = len(tf.rows)
	}
	rest := make([][]string, len(tf.rows)-n)
	copy(rest, tf.rows[n:])
	if err := tf.replace(rest); err != nil {
		return 0, err
	}
	return n, nil
}

// Invalidate drops the cached copy of table t so the next read goes to disk.
func (s *Store) Invalidate(t schema.Table) {
	tf, err := s.table(t)
	if err != nil {
		return
	}
	tf.mu.Lock()
	tf.rows = nil
	tf.mu.Unlock()
}

// load reads the table file into the cache. Caller holds tf.mu.
func (tf *tableFile) load() error {
	if tf.rows != nil {
		return nil
	}
	f, err := os.Open(tf.path)
	if errors.Is(err, os.ErrNotExist) {
		tf.rows = [][]string{}
		return nil
	}
	if err != nil {
		return &IOError{Op: "open", Table: tf.def.Table, Path: tf.path, Err: err}
	}
	defer f.Close()

	rows, err := decode(f, tf.def)
	if err != nil {
		var se *schema.SchemaError
		if errors.As(err, &se) {
			return err
		}
		return &IOError{Op: "read", Table: tf.def.Table, Path: tf.path, Err: err}
	}
	tf.rows = rows
	return nil
}

// replace writes rows to a temporary file and renames it over the table
// file. Caller holds tf.mu.
func (tf *tableFile) replace(rows [][]string) error {
	t := tf.def.Table
	for i, row := range rows {
		if len(row) != len(tf.def.Columns) {
			return &schema.SchemaError{
				Table:  t,
				Line:   i + 1,
				Reason: fmt.Sprintf("row has %d fields, want %d", len(row), len(tf.def.Columns)),
			}
		}
	}

	tmp := tf.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &IOError{Op: "create", Table: t, Path: tmp, Err: err}
	}

	w := bufio.NewWriter(f)
	if err := encode(w, tf.def, rows); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &IOError{Op: "write", Table: t, Path: tmp, Err: err}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &IOError{Op: "write", Table: t, Path: tmp, Err: err}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &IOError{Op: "sync", Table: t, Path: tmp, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return &IOError{Op: "close", Table: t, Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, tf.path); err != nil {
		_ = os.Remove(tmp)
		return &IOError{Op: "rename", Table: t, Path: tf.path, Err: err}
	}

	cached := make([][]string, len(rows))
	for i, row := range rows {
		cached[i] = append([]string(nil), row...)
	}
	tf.rows = cached
	return nil
}

func versionLine(def schema.Definition) string {
	return fmt.Sprintf("# %s v%d", def.Table, def.Version)
}

func writePreamble(w io.Writer, def schema.Definition) error {
	if _, err := fmt.Fprintln(w, versionLine(def)); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(def.Columns); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func encode(w io.Writer, def schema.Definition, rows [][]string) error {
	if err := writePreamble(w, def); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

// decode parses a table file. Version or header mismatches and rows of the
// wrong width are schema errors.
func decode(r io.Reader, def schema.Definition) ([][]string, error) {
	br := bufio.NewReader(r)
	first, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	first = strings.TrimRight(first, "\r\n")
	if first == "" {
		return [][]string{}, nil
	}
	if err := checkVersion(first, def); err != nil {
		return nil, err
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return [][]string{}, nil
	}
	if err != nil {
		return nil, parseError(def.Table, err)
	}
	if err := def.CheckHeader(header); err != nil {
		return nil, err
	}

	rows := [][]string{}
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, parseError(def.Table, err)
		}
		if len(row) != len(def.Columns) {
			return nil, &schema.SchemaError{
				Table:  def.Table,
				Line:   line,
				Reason: fmt.Sprintf("row has %d fields, want %d", len(row), len(def.Columns)),
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func checkVersion(line string, def schema.Definition) error {
	var name string
	var version string
	if _, err := fmt.Sscanf(line, "# %s %s", &name, &version); err != nil || name != string(def.Table) {
		return &schema.SchemaError{Table: def.Table, Reason: fmt.Sprintf("bad version line %q", line)}
	}
	v, err := strconv.Atoi(strings.TrimPrefix(version, "v"))
	if err != nil {
		return &schema.SchemaError{Table: def.Table, Reason: fmt.Sprintf("bad version line %q", line)}
	}
	if v != def.Version {
		return &schema.SchemaError{Table: def.Table, Reason: fmt.Sprintf("file is version %d, want %d", v, def.Version)}
	}
	return nil
}

func parseError(t schema.Table, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &schema.SchemaError{Table: t, Line: pe.Line, Reason: pe.Err.Error()}
	}
	return err
}
