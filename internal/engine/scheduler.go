package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/geultto/sheetsync/internal/queue"
	"github.com/geultto/sheetsync/internal/remote"
	"github.com/geultto/sheetsync/internal/schema"
	"github.com/google/uuid"
)

// Upload queue names.
const (
	QueueContents        = "contents"
	QueueBookmarks       = "bookmarks"
	QueueBookmarkUpdates = "bookmark_updates"
)

// RegisterQueues registers the upload queues in flush order. Appends come
// first so a bookmark exists remotely before any update to it is applied.
func RegisterQueues(set *queue.Set) error {
	if err := set.Register(QueueContents, schema.Contents, queue.OpAppend); err != nil {
		return err
	}
	if err := set.Register(QueueBookmarks, schema.Bookmarks, queue.OpAppend); err != nil {
		return err
	}
	return set.Register(QueueBookmarkUpdates, schema.Bookmarks, queue.OpUpdate)
}

// Config holds configuration for the scheduler.
type Config struct {
	// FlushInterval is how often the upload queues are drained
	FlushInterval time.Duration

	// LogUploadInterval is how often the event log is bulk uploaded
	LogUploadInterval time.Duration

	// BatchLimit caps the rows sent per append call (0 = no limit)
	BatchLimit int

	// Logger for scheduler activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval:     10 * time.Second,
		LogUploadInterval: time.Hour,
		Logger:            slog.Default(),
	}
}

// QueueResult describes what a flush did with one queue.
type QueueResult struct {
	Queue    string          `json:"queue"`
	Table    schema.Table    `json:"table"`
	Flushed  int             `json:"flushed"`
	Restored int             `json:"restored,omitempty"`
	Dropped  int             `json:"dropped,omitempty"`
	Skipped  string          `json:"skipped,omitempty"`
	Rows     remote.RowRange `json:"rows,omitempty"`
	Error    string          `json:"error,omitempty"`

	err error
}

// FlushReport summarizes one flush cycle.
type FlushReport struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Queues   []QueueResult `json:"queues"`
}

// Flushed returns the number of entries accepted by the remote.
func (r *FlushReport) Flushed() int {
	n := 0
	for _, q := range r.Queues {
		n += q.Flushed
	}
	return n
}

// Err joins the errors of every queue that failed.
func (r *FlushReport) Err() error {
	var errs []error
	for _, q := range r.Queues {
		if q.err != nil {
			errs = append(errs, q.err)
		}
	}
	return errors.Join(errs...)
}

// Scheduler drains the upload queues on a timer.
type Scheduler struct {
	queues   *queue.Set
	client   *remote.Client
	notifier Notifier
	config   *Config
	logger   *slog.Logger

	// cycleMu serializes flush cycles and pulls.
	cycleMu sync.Mutex

	// logTask runs on the log upload ticker.
	logTask func(ctx context.Context) error

	lastMu sync.Mutex
	last   *FlushReport

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil config uses DefaultConfig and a
// nil notifier discards events.
func NewScheduler(queues *queue.Set, client *remote.Client, notifier Notifier, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 10 * time.Second
	}
	if config.LogUploadInterval <= 0 {
		config.LogUploadInterval = time.Hour
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Scheduler{
		queues:   queues,
		client:   client,
		notifier: notifier,
		config:   config,
		logger:   logger.With("component", "scheduler"),
	}
}

// SetLogTask installs the job run on the log upload ticker. Must be called
// before Start.
func (s *Scheduler) SetLogTask(fn func(ctx context.Context) error) {
	s.logTask = fn
}

// Start launches the flush and log upload tickers. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(2)
	go s.flushLoop(ctx)
	go s.logLoop(ctx)

	s.logger.Info("scheduler started",
		"flush_interval", s.config.FlushInterval,
		"log_upload_interval", s.config.LogUploadInterval)
	return nil
}

// Stop stops the tickers and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Running reports whether the tickers are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) flushLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) logLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.LogUploadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.logTask == nil {
				continue
			}
			if err := s.logTask(ctx); err != nil {
				if errors.Is(err, ErrBusy) {
					s.logger.Debug("log upload skipped, controller busy")
					continue
				}
				s.logger.Error("log upload failed", "error", err)
			}
		}
	}
}

// tick runs one flush cycle unless one is already in progress.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.cycleMu.TryLock() {
		s.logger.Debug("flush skipped, previous cycle still running")
		return
	}
	defer s.cycleMu.Unlock()
	s.flushLocked(ctx)
}

// FlushNow runs a flush cycle, waiting for any cycle in progress.
func (s *Scheduler) FlushNow(ctx context.Context) *FlushReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.flushLocked(ctx)
}

// Quiesce runs fn with flush cycles held off.
func (s *Scheduler) Quiesce(fn func() error) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return fn()
}

// LastReport returns the report of the most recent flush cycle, or nil.
func (s *Scheduler) LastReport() *FlushReport {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

// flushLocked drains every queue once. Caller holds cycleMu.
func (s *Scheduler) flushLocked(ctx context.Context) *FlushReport {
	report := &FlushReport{ID: uuid.NewString(), Started: time.Now()}
	logger := s.logger.With("flush_id", report.ID)

	var updates []queue.Info
	for _, name := range s.queues.Names() {
		info, err := s.queues.Describe(name)
		if err != nil {
			continue
		}
		if info.Op == queue.OpUpdate {
			updates = append(updates, info)
			continue
		}
		report.Queues = append(report.Queues, s.flushAppend(ctx, logger, info))
	}
	for _, info := range updates {
		report.Queues = append(report.Queues, s.flushUpdates(ctx, logger, info))
	}

	report.Duration = time.Since(report.Started)
	if n := report.Flushed(); n > 0 {
		s.notifier.Notify(EventFlushCompleted, report)
	}

	s.lastMu.Lock()
	s.last = report
	s.lastMu.Unlock()
	return report
}

// pendingAppendKeys returns, for every key still waiting in an append
// queue feeding t, the lowest sequence number holding it.
func (s *Scheduler) pendingAppendKeys(t schema.Table) map[string]uint64 {
	keys := make(map[string]uint64)
	for _, e := range s.queues.PendingFor(t) {
		if e.Op != queue.OpAppend || len(e.Key) == 0 {
			continue
		}
		k := keyString(e.Key)
		if seq, ok := keys[k]; !ok || e.Seq < seq {
			keys[k] = e.Seq
		}
	}
	return keys
}

func keyString(key map[string]string) string {
	parts := make([]string, 0, len(key))
	for k, v := range key {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, "\x00")
}

func (s *Scheduler) flushAppend(ctx context.Context, logger *slog.Logger, info queue.Info) QueueResult {
	res := QueueResult{Queue: info.Name, Table: info.Table}
	if !s.queues.TryAcquire(info.Name) {
		res.Skipped = "busy"
		return res
	}
	defer s.queues.Release(info.Name)

	batch, err := s.queues.SnapshotAndClear(info.Name, s.config.BatchLimit)
	if err != nil {
		res.err = err
		res.Error = err.Error()
		return res
	}
	if batch.Empty() {
		return res
	}

	rows, err := s.client.AppendBatch(ctx, batch.Table, batch.Rows())
	if err != nil {
		if rerr := s.queues.Restore(batch); rerr != nil {
			logger.Error("failed to restore batch", "queue", info.Name, "error", rerr)
		}
		res.Restored = batch.Len()
		res.err = err
		res.Error = err.Error()
		logger.Warn("flush failed, batch restored",
			"queue", info.Name, "entries", batch.Len(),
			"kind", remote.KindOf(err).String(), "error", err)
		s.notifier.Notify(EventFlushFailed, res)
		return res
	}

	res.Flushed = batch.Len()
	res.Rows = rows
	logger.Info("flushed queue", "queue", info.Name, "entries", batch.Len(), "rows", rows.String())
	return res
}

func (s *Scheduler) flushUpdates(ctx context.Context, logger *slog.Logger, info queue.Info) QueueResult {
	res := QueueResult{Queue: info.Name, Table: info.Table}
	if !s.queues.TryAcquire(info.Name) {
		res.Skipped = "busy"
		return res
	}
	defer s.queues.Release(info.Name)

	batch, err := s.queues.SnapshotAndClear(info.Name, 0)
	if err != nil {
		res.err = err
		res.Error = err.Error()
		return res
	}

	// An update waits while the append creating its row is still queued.
	waiting := s.pendingAppendKeys(info.Table)

	for i, e := range batch.Entries {
		if seq, ok := waiting[keyString(e.Key)]; ok && seq < e.Seq {
			rest := batch
			rest.Entries = batch.Entries[i:]
			rest.FirstSeq = rest.Entries[0].Seq
			if rerr := s.queues.Restore(rest); rerr != nil {
				logger.Error("failed to restore updates", "queue", info.Name, "error", rerr)
			}
			res.Skipped = "waiting for appends"
			logger.Info("deferring updates until appends land", "queue", info.Name, "pending", len(rest.Entries))
			break
		}

		_, err := s.client.UpdateRow(ctx, e.Table, e.Key, e.Row)
		switch {
		case err == nil:
			res.Flushed++
		case errors.Is(err, remote.ErrNotFound):
			res.Dropped++
			logger.Warn("dropping update for missing remote row",
				"queue", info.Name, "seq", e.Seq, "key", e.Key, "error", err)
			s.notifier.Notify(EventUpdateDropped, map[string]any{
				"queue": info.Name,
				"table": e.Table,
				"key":   e.Key,
			})
		default:
			rest := batch
			rest.Entries = batch.Entries[i:]
			rest.FirstSeq = rest.Entries[0].Seq
			if rerr := s.queues.Restore(rest); rerr != nil {
				logger.Error("failed to restore updates", "queue", info.Name, "error", rerr)
			}
			res.Restored = len(rest.Entries)
			res.err = err
			res.Error = err.Error()
			logger.Warn("update flush failed, remaining updates restored",
				"queue", info.Name, "remaining", len(rest.Entries),
				"kind", remote.KindOf(err).String(), "error", err)
			s.notifier.Notify(EventFlushFailed, res)
			return res
		}
	}

	if res.Flushed > 0 {
		logger.Info("applied updates", "queue", info.Name, "entries", res.Flushed)
	}
	return res
}
