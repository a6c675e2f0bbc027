package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geultto/sheetsync/internal/queue"
	"github.com/geultto/sheetsync/internal/remote"
	"github.com/geultto/sheetsync/internal/schema"
	"github.com/geultto/sheetsync/internal/store"
)

// PullTables are rebuilt from the remote on pull, in this order. The event
// log is local-only and never pulled.
var PullTables = []schema.Table{schema.Users, schema.Contents, schema.Bookmarks}

// PullReport summarizes a pull.
type PullReport struct {
	Started  time.Time            `json:"started"`
	Duration time.Duration        `json:"duration"`
	Rows     map[schema.Table]int `json:"rows"`

	// Preserved counts local rows still waiting for upload that were
	// re-appended after the rebuild.
	Preserved map[schema.Table]int `json:"preserved,omitempty"`

	Failed map[schema.Table]string `json:"failed,omitempty"`
}

// MaintenanceReport summarizes an admin maintenance run.
type MaintenanceReport struct {
	LogsUploaded int         `json:"logs_uploaded"`
	LogsRotated  int         `json:"logs_rotated"`
	BackupRows   int         `json:"backup_rows"`
	Pull         *PullReport `json:"pull,omitempty"`
}

// Controller runs whole-table operations one at a time.
type Controller struct {
	store     *store.Store
	queues    *queue.Set
	client    *remote.Client
	scheduler *Scheduler
	gate      *Gate
	notifier  Notifier
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	lastPull *PullReport
	pullErr  error
}

// NewController creates a controller. A nil notifier discards events.
func NewController(st *store.Store, queues *queue.Set, client *remote.Client, scheduler *Scheduler, gate *Gate, notifier Notifier, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Controller{
		store:     st,
		queues:    queues,
		client:    client,
		scheduler: scheduler,
		gate:      gate,
		notifier:  notifier,
		logger:    logger.With("component", "controller"),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastPull returns the most recent pull report and error.
func (c *Controller) LastPull() (*PullReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPull, c.pullErr
}

func (c *Controller) begin(s State) error {
	c.mu.Lock()
	if c.state != StateIdle {
		current := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s in progress", ErrBusy, current)
	}
	c.state = s
	c.mu.Unlock()

	c.notifier.Notify(EventStateChanged, map[string]string{"state": s.String()})
	return nil
}

func (c *Controller) transition(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("state changed", "state", s.String())
	c.notifier.Notify(EventStateChanged, map[string]string{"state": s.String()})
}

func (c *Controller) end() {
	c.transition(StateIdle)
}

// Pull replaces the local users, contents and bookmarks tables with the
// remote data. Pending queue entries are flushed first; whatever cannot be
// flushed is re-appended locally after the rebuild so unsynced writes stay
// readable. A table whose remote data does not parse keeps its local file
// and its error is returned; the other tables are still rebuilt.
func (c *Controller) Pull(ctx context.Context) (*PullReport, error) {
	if err := c.begin(StatePulling); err != nil {
		return nil, err
	}
	defer c.end()
	return c.pull(ctx)
}

func (c *Controller) pull(ctx context.Context) (*PullReport, error) {
	report := &PullReport{
		Started:   time.Now(),
		Rows:      make(map[schema.Table]int),
		Preserved: make(map[schema.Table]int),
		Failed:    make(map[schema.Table]string),
	}

	err := c.scheduler.Quiesce(func() error {
		if flush := c.scheduler.flushLocked(ctx); flush.Err() != nil {
			c.logger.Warn("pre-pull flush incomplete, pending rows will be preserved", "error", flush.Err())
		}

		var errs []error
		fetched := make(map[schema.Table][][]string)
		for _, t := range PullTables {
			rows, err := c.client.FetchAll(ctx, t)
			if err == nil {
				_, err = schema.ParseAll(t, rows, 2)
			}
			if err != nil {
				report.Failed[t] = err.Error()
				errs = append(errs, fmt.Errorf("pull %s: %w", t, err))
				continue
			}
			fetched[t] = rows
		}

		c.transition(StateRebuilding)
		rebuildErr := c.gate.Exclusive(func() error {
			var errs []error
			for _, t := range PullTables {
				rows, ok := fetched[t]
				if !ok {
					continue
				}
				pending := c.queues.PendingFor(t)
				for _, e := range pending {
					rows = append(rows, e.Row)
				}
				if err := c.store.Rebuild(t, rows); err != nil {
					report.Failed[t] = err.Error()
					errs = append(errs, fmt.Errorf("rebuild %s: %w", t, err))
					continue
				}
				report.Rows[t] = len(rows) - len(pending)
				if len(pending) > 0 {
					report.Preserved[t] = len(pending)
				}
			}
			return errors.Join(errs...)
		})
		return errors.Join(append(errs, rebuildErr)...)
	})

	report.Duration = time.Since(report.Started)

	c.mu.Lock()
	c.lastPull = report
	c.pullErr = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("pull failed", "failed", report.Failed, "error", err)
		c.notifier.Notify(EventPullFailed, report)
		return report, err
	}
	c.logger.Info("pull complete", "rows", report.Rows, "preserved", report.Preserved, "duration", report.Duration)
	c.notifier.Notify(EventPullCompleted, report)
	return report, nil
}

// Backup overwrites the remote backup sheet with the local copy of t.
func (c *Controller) Backup(ctx context.Context, t schema.Table) (int, error) {
	if err := c.begin(StateBackingUp); err != nil {
		return 0, err
	}
	defer c.end()
	return c.backup(ctx, t)
}

func (c *Controller) backup(ctx context.Context, t schema.Table) (int, error) {
	rows, err := c.store.ReadAll(t)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s for backup: %w", t, err)
	}
	if err := c.client.Backup(ctx, t, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// BulkUpload sends every local record of logTable to the remote in one
// batch and returns how many were sent. The local records are kept; call
// RotateLog with the returned count to drop them.
func (c *Controller) BulkUpload(ctx context.Context, logTable schema.Table) (int, error) {
	if err := c.begin(StateUploadingLogs); err != nil {
		return 0, err
	}
	defer c.end()
	return c.bulkUpload(ctx, logTable)
}

func (c *Controller) bulkUpload(ctx context.Context, logTable schema.Table) (int, error) {
	rows, err := c.store.ReadAll(logTable)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", logTable, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	r, err := c.client.AppendBatch(ctx, logTable, rows)
	if err != nil {
		return 0, err
	}
	c.logger.Info("uploaded event log", "table", logTable, "records", len(rows), "rows", r.String())
	c.notifier.Notify(EventLogsUploaded, map[string]any{"table": logTable, "records": len(rows)})
	return len(rows), nil
}

// RotateLog drops the first n records of the event log, which must already
// have been uploaded. Records logged after the upload are kept.
func (c *Controller) RotateLog(n int) (int, error) {
	if err := c.begin(StateRotatingLog); err != nil {
		return 0, err
	}
	defer c.end()
	return c.rotateLog(n)
}

func (c *Controller) rotateLog(n int) (int, error) {
	dropped, err := c.store.DropFirst(schema.Logs, n)
	if err != nil {
		return 0, fmt.Errorf("failed to rotate log: %w", err)
	}
	return dropped, nil
}

// UploadLogs bulk uploads the event log and rotates what was sent.
func (c *Controller) UploadLogs(ctx context.Context) (int, error) {
	if err := c.begin(StateUploadingLogs); err != nil {
		return 0, err
	}
	defer c.end()

	n, err := c.bulkUpload(ctx, schema.Logs)
	if err != nil || n == 0 {
		return n, err
	}
	c.transition(StateRotatingLog)
	if _, err := c.rotateLog(n); err != nil {
		return n, err
	}
	return n, nil
}

// Maintain runs the admin maintenance sequence: upload the event log, back
// up contents, rotate the uploaded log records, then pull. The sequence
// stops at the first failing step.
func (c *Controller) Maintain(ctx context.Context) (*MaintenanceReport, error) {
	if err := c.begin(StateUploadingLogs); err != nil {
		return nil, err
	}
	defer c.end()

	report := &MaintenanceReport{}
	fail := func(step string, err error) (*MaintenanceReport, error) {
		err = fmt.Errorf("maintenance %s: %w", step, err)
		c.logger.Error("maintenance failed", "step", step, "error", err)
		c.notifier.Notify(EventMaintenanceError, map[string]string{"step": step, "error": err.Error()})
		return report, err
	}

	n, err := c.bulkUpload(ctx, schema.Logs)
	if err != nil {
		return fail("upload logs", err)
	}
	report.LogsUploaded = n

	c.transition(StateBackingUp)
	rows, err := c.backup(ctx, schema.Contents)
	if err != nil {
		return fail("backup", err)
	}
	report.BackupRows = rows

	c.transition(StateRotatingLog)
	dropped, err := c.rotateLog(n)
	if err != nil {
		return fail("rotate log", err)
	}
	report.LogsRotated = dropped

	c.transition(StatePulling)
	pull, err := c.pull(ctx)
	report.Pull = pull
	if err != nil {
		return fail("pull", err)
	}

	c.logger.Info("maintenance complete",
		"logs_uploaded", report.LogsUploaded,
		"backup_rows", report.BackupRows)
	c.notifier.Notify(EventMaintenanceDone, report)
	return report, nil
}
