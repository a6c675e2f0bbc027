// Package remotetest provides an in-memory remote.Backend with failure
// injection for tests.
package remotetest

import (
	"context"
	"sync"
)

// Op names a backend primitive for failure injection.
type Op string

const (
	OpRowCount  Op = "row_count"
	OpWriteRows Op = "write_rows"
	OpReadRows  Op = "read_rows"
	OpClear     Op = "clear"
)

// FailFunc decides whether a call fails. Returning nil lets it through.
type FailFunc func(op Op, sheet string) error

// Backend is an in-memory spreadsheet.
type Backend struct {
	mu     sync.Mutex
	sheets map[string][][]string
	fail   FailFunc
	hang   bool
	calls  map[Op]int
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		sheets: make(map[string][][]string),
		calls:  make(map[Op]int),
	}
}

// SetFail installs a failure hook, or removes it when f is nil.
func (b *Backend) SetFail(f FailFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = f
}

// FailAll makes every call return err until Heal is called.
func (b *Backend) FailAll(err error) {
	b.SetFail(func(Op, string) error { return err })
}

// FailOn makes calls of op return err until Heal is called.
func (b *Backend) FailOn(op Op, err error) {
	b.SetFail(func(got Op, _ string) error {
		if got == op {
			return err
		}
		return nil
	})
}

// Hang makes every call block until its context is done.
func (b *Backend) Hang(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hang = on
}

// Heal removes failure injection.
func (b *Backend) Heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = nil
	b.hang = false
}

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Seed replaces the contents of sheet.
func (b *Backend) Seed(sheet string, rows [][]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sheets[sheet] = clone(rows)
}

// Rows returns a copy of sheet.
func (b *Backend) Rows(sheet string) [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.sheets[sheet])
}

func (b *Backend) enter(ctx context.Context, op Op, sheet string) error {
	b.mu.Lock()
	b.calls[op]++
	hang := b.hang
	fail := b.fail
	b.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if fail != nil {
		return fail(op, sheet)
	}
	return nil
}

// RowCount implements remote.Backend.
func (b *Backend) RowCount(ctx context.Context, sheet string) (int, error) {
	if err := b.enter(ctx, OpRowCount, sheet); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sheets[sheet]), nil
}

// WriteRows implements remote.Backend.
func (b *Backend) WriteRows(ctx context.Context, sheet string, startRow int, rows [][]string) error {
	if err := b.enter(ctx, OpWriteRows, sheet); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	data := b.sheets[sheet]
	for i, row := range rows {
		idx := startRow - 1 + i
		for len(data) <= idx {
			data = append(data, nil)
		}
		data[idx] = append([]string(nil), row...)
	}
	b.sheets[sheet] = data
	return nil
}

// ReadRows implements remote.Backend.
func (b *Backend) ReadRows(ctx context.Context, sheet string) ([][]string, error) {
	if err := b.enter(ctx, OpReadRows, sheet); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.sheets[sheet]), nil
}

// Clear implements remote.Backend.
func (b *Backend) Clear(ctx context.Context, sheet string) error {
	if err := b.enter(ctx, OpClear, sheet); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sheets, sheet)
	return nil
}

func clone(rows [][]string) [][]string {
	if rows == nil {
		return nil
	}
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = append([]string(nil), row...)
	}
	return out
}
