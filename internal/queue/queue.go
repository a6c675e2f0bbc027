// Package queue holds the in-memory upload queues: one FIFO per remote
// write stream, fed by the repository and drained by the flush scheduler.
//
// Each entry carries a sequence number from a shared monotonic clock.
// Draining works on sequence ranges, never on value equality, so two
// identical rows enqueued around a flush are never confused with each other.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geultto/sheetsync/internal/schema"
)

var (
	// ErrUnknownQueue is returned for operations on a queue that was never registered.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrDuplicateQueue is returned when registering a name twice.
	ErrDuplicateQueue = errors.New("queue already registered")
)

// Op is the remote operation an entry turns into.
type Op int

const (
	// OpAppend appends the row after the last remote row.
	OpAppend Op = iota + 1
	// OpUpdate overwrites the remote row matching the entry key.
	OpUpdate
)

func (o Op) String() string {
	switch o {
	case OpAppend:
		return "append"
	case OpUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Entry is one pending remote write.
type Entry struct {
	Seq   uint64
	Table schema.Table
	Op    Op
	Row   []string
	// Key holds the match columns for OpUpdate entries.
	Key        map[string]string
	EnqueuedAt time.Time
}

// Batch is a snapshot taken from one queue.
type Batch struct {
	Queue    string
	Table    schema.Table
	Op       Op
	Entries  []Entry
	FirstSeq uint64
	LastSeq  uint64
}

// Len returns the number of entries in the batch.
func (b Batch) Len() int {
	return len(b.Entries)
}

// Empty reports whether the batch has no entries.
func (b Batch) Empty() bool {
	return len(b.Entries) == 0
}

// Rows returns the row of every entry in order.
func (b Batch) Rows() [][]string {
	rows := make([][]string, len(b.Entries))
	for i, e := range b.Entries {
		rows[i] = e.Row
	}
	return rows
}

// Clock hands out strictly increasing sequence numbers.
type Clock struct {
	seq atomic.Uint64
}

// Next returns the next sequence number.
func (c *Clock) Next() uint64 {
	return c.seq.Add(1)
}

// Current returns the last sequence number handed out.
func (c *Clock) Current() uint64 {
	return c.seq.Load()
}

type queue struct {
	name  string
	table schema.Table
	op    Op

	mu      sync.Mutex
	entries []Entry
	busy    atomic.Bool
}

// Set is the collection of upload queues owned by one engine.
type Set struct {
	clock Clock
	now   func() time.Time

	mu     sync.RWMutex
	queues map[string]*queue
	order  []string
}

// NewSet creates an empty queue set.
func NewSet() *Set {
	return &Set{
		now:    time.Now,
		queues: make(map[string]*queue),
	}
}

// Register adds a named queue feeding op writes into table.
func (s *Set) Register(name string, table schema.Table, op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateQueue, name)
	}
	s.queues[name] = &queue{name: name, table: table, op: op}
	s.order = append(s.order, name)
	return nil
}

// Names returns the registered queue names in registration order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *Set) get(name string) (*queue, error) {
	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// Info describes a registered queue.
type Info struct {
	Name  string
	Table schema.Table
	Op    Op
}

// Describe returns the table and operation of the named queue.
func (s *Set) Describe(name string) (Info, error) {
	q, err := s.get(name)
	if err != nil {
		return Info{}, err
	}
	return Info{Name: q.name, Table: q.table, Op: q.op}, nil
}

// Enqueue appends a row to the back of the named queue and returns its
// sequence number. It never performs I/O.
func (s *Set) Enqueue(name string, row []string, key map[string]string) (uint64, error) {
	q, err := s.get(name)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Taking the sequence number under the queue lock keeps each queue
	// sorted by Seq.
	e := Entry{
		Seq:        s.clock.Next(),
		Table:      q.table,
		Op:         q.op,
		Row:        append([]string(nil), row...),
		Key:        key,
		EnqueuedAt: s.now(),
	}
	q.entries = append(q.entries, e)
	return e.Seq, nil
}

// SnapshotAndClear removes up to limit entries from the front of the named
// queue and returns them. A limit <= 0 takes everything. Entries enqueued
// concurrently stay in the queue.
func (s *Set) SnapshotAndClear(name string, limit int) (Batch, error) {
	q, err := s.get(name)
	if err != nil {
		return Batch{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	b := Batch{Queue: q.name, Table: q.table, Op: q.op}
	n := len(q.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return b, nil
	}

	b.Entries = make([]Entry, n)
	copy(b.Entries, q.entries[:n])
	b.FirstSeq = b.Entries[0].Seq
	b.LastSeq = b.Entries[n-1].Seq

	// Drop exactly the snapshotted range.
	rest := make([]Entry, 0, len(q.entries)-n)
	for _, e := range q.entries {
		if e.Seq > b.LastSeq {
			rest = append(rest, e)
		}
	}
	q.entries = rest
	return b, nil
}

// Restore puts the entries of a failed batch back at the front of their
// queue so the next flush retries them before anything newer.
func (s *Set) Restore(b Batch) error {
	if b.Empty() {
		return nil
	}
	q, err := s.get(b.Queue)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]Entry, 0, len(b.Entries)+len(q.entries))
	merged = append(merged, b.Entries...)
	merged = append(merged, q.entries...)
	if !sort.SliceIsSorted(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq }) {
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })
	}
	q.entries = merged
	return nil
}

// Pending returns a copy of the entries waiting in the named queue.
func (s *Set) Pending(name string) ([]Entry, error) {
	q, err := s.get(name)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...), nil
}

// PendingFor returns the entries of every queue feeding table t, ordered by
// sequence number.
func (s *Set) PendingFor(t schema.Table) []Entry {
	var out []Entry
	for _, name := range s.Names() {
		q, err := s.get(name)
		if err != nil || q.table != t {
			continue
		}
		q.mu.Lock()
		out = append(out, q.entries...)
		q.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of entries in the named queue, 0 if unknown.
func (s *Set) Len(name string) int {
	q, err := s.get(name)
	if err != nil {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Total returns the number of entries across all queues.
func (s *Set) Total() int {
	total := 0
	for _, name := range s.Names() {
		total += s.Len(name)
	}
	return total
}

// TryAcquire marks the named queue busy. It returns false if a flush of the
// queue is already in flight.
func (s *Set) TryAcquire(name string) bool {
	q, err := s.get(name)
	if err != nil {
		return false
	}
	return q.busy.CompareAndSwap(false, true)
}

// Release clears the busy mark set by TryAcquire.
func (s *Set) Release(name string) {
	if q, err := s.get(name); err == nil {
		q.busy.Store(false)
	}
}

// Stat summarizes one queue.
type Stat struct {
	Name      string       `json:"name" yaml:"name"`
	Table     schema.Table `json:"table" yaml:"table"`
	Op        string       `json:"op" yaml:"op"`
	Len       int          `json:"len" yaml:"len"`
	Busy      bool         `json:"busy" yaml:"busy"`
	OldestSeq uint64       `json:"oldest_seq,omitempty" yaml:"oldest_seq,omitempty"`
	OldestAge string       `json:"oldest_age,omitempty" yaml:"oldest_age,omitempty"`
}

// Stats returns a summary of every queue in registration order.
func (s *Set) Stats() []Stat {
	names := s.Names()
	stats := make([]Stat, 0, len(names))
	now := s.now()
	for _, name := range names {
		q, err := s.get(name)
		if err != nil {
			continue
		}
		q.mu.Lock()
		st := Stat{
			Name:  q.name,
			Table: q.table,
			Op:    q.op.String(),
			Len:   len(q.entries),
			Busy:  q.busy.Load(),
		}
		if len(q.entries) > 0 {
			st.OldestSeq = q.entries[0].Seq
			st.OldestAge = now.Sub(q.entries[0].EnqueuedAt).Round(time.Second).String()
		}
		q.mu.Unlock()
		stats = append(stats, st)
	}
	return stats
}
