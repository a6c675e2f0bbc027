package schema

import (
	"errors"
	"fmt"
)

// ErrSchema is matched by every *SchemaError via errors.Is.
var ErrSchema = errors.New("schema error")

// SchemaError reports a row or file that does not match its table layout.
type SchemaError struct {
	Table Table
	// Line is the 1-based record number within the source, 0 for the
	// header or version line.
	Line   int
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("schema error in %s line %d: %s", e.Table, e.Line, e.Reason)
	}
	return fmt.Sprintf("schema error in %s: %s", e.Table, e.Reason)
}

// Is makes errors.Is(err, ErrSchema) true for any SchemaError.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

// AtLine returns a copy of err positioned at line when err is a SchemaError.
func AtLine(err error, line int) error {
	var se *SchemaError
	if errors.As(err, &se) {
		cp := *se
		cp.Line = line
		return &cp
	}
	return err
}

func invalid(t Table, format string, args ...any) error {
	return &SchemaError{Table: t, Reason: fmt.Sprintf(format, args...)}
}

func checkWidth(t Table, row []string) error {
	if want := len(t.Definition().Columns); len(row) != want {
		return invalid(t, "row has %d fields, want %d", len(row), want)
	}
	return nil
}
