package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geultto/sheetsync/internal/queue"
	"github.com/geultto/sheetsync/internal/remote"
	"github.com/geultto/sheetsync/internal/schema"
	"github.com/geultto/sheetsync/internal/store"
)

// Options configures an Engine.
type Options struct {
	// DataDir holds the local table files.
	DataDir string

	// Backend is the remote datastore.
	Backend remote.Backend

	// Remote configures the sync client (default: remote.DefaultConfig())
	Remote *remote.Config

	// Scheduler configures flush timing (default: DefaultConfig())
	Scheduler *Config

	// WatchFiles invalidates cached reads when table files change on disk.
	WatchFiles bool

	// Notifier receives operator events (optional)
	Notifier Notifier

	// Logger for engine activity (default: slog.Default())
	Logger *slog.Logger
}

// Engine wires the store, queues, client, scheduler and controller together.
type Engine struct {
	store      *store.Store
	queues     *queue.Set
	client     *remote.Client
	scheduler  *Scheduler
	controller *Controller
	gate       *Gate
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// New assembles an engine. Nothing runs until Start.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(opts.DataDir, &store.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	queues := queue.NewSet()
	if err := RegisterQueues(queues); err != nil {
		return nil, err
	}

	remoteCfg := opts.Remote
	if remoteCfg == nil {
		remoteCfg = remote.DefaultConfig()
	}
	if remoteCfg.Logger == nil {
		remoteCfg.Logger = logger
	}
	client := remote.NewClient(opts.Backend, remoteCfg)

	schedCfg := opts.Scheduler
	if schedCfg == nil {
		schedCfg = DefaultConfig()
	}
	if schedCfg.Logger == nil {
		schedCfg.Logger = logger
	}
	scheduler := NewScheduler(queues, client, opts.Notifier, schedCfg)

	gate := &Gate{}
	controller := NewController(st, queues, client, scheduler, gate, opts.Notifier, logger)
	scheduler.SetLogTask(func(ctx context.Context) error {
		_, err := controller.UploadLogs(ctx)
		return err
	})

	e := &Engine{
		store:      st,
		queues:     queues,
		client:     client,
		scheduler:  scheduler,
		controller: controller,
		gate:       gate,
		logger:     logger.With("component", "engine"),
	}

	if opts.WatchFiles {
		if err := st.Watch(); err != nil {
			return nil, fmt.Errorf("failed to watch data directory: %w", err)
		}
	}
	return e, nil
}

// Start performs the initial pull, opens the write gate and starts the
// scheduler. Writes are rejected with ErrNotReady until Start succeeds.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.logger.Info("starting engine, pulling remote tables")
	if _, err := e.controller.Pull(ctx); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return fmt.Errorf("initial pull failed: %w", err)
	}

	e.gate.Open()
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("engine ready")
	return nil
}

// Stop stops the scheduler, closes the write gate and runs a final
// best-effort flush.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.logger.Info("stopping engine")
	e.scheduler.Stop()
	e.gate.Close()

	// Drain writes that entered the gate before it closed.
	_ = e.gate.Exclusive(func() error { return nil })

	report := e.scheduler.FlushNow(ctx)
	if err := report.Err(); err != nil {
		e.logger.Warn("final flush incomplete", "pending", e.queues.Total(), "error", err)
	}
	if err := e.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	e.logger.Info("engine stopped", "pending", e.queues.Total())
	return nil
}

// TriggerResync runs the admin maintenance sequence.
func (e *Engine) TriggerResync(ctx context.Context) (*MaintenanceReport, error) {
	return e.controller.Maintain(ctx)
}

// Store returns the local record store.
func (e *Engine) Store() *store.Store { return e.store }

// Queues returns the upload queues.
func (e *Engine) Queues() *queue.Set { return e.queues }

// Client returns the sync client.
func (e *Engine) Client() *remote.Client { return e.client }

// Scheduler returns the flush scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Controller returns the pull/resync controller.
func (e *Engine) Controller() *Controller { return e.controller }

// Gate returns the write gate.
func (e *Engine) Gate() *Gate { return e.gate }

// Status is a point-in-time summary of the engine.
type Status struct {
	State     string         `json:"state" yaml:"state"`
	Ready     bool           `json:"ready" yaml:"ready"`
	Pending   int            `json:"pending" yaml:"pending"`
	Queues    []queue.Stat   `json:"queues" yaml:"queues"`
	Tables    map[string]int `json:"tables" yaml:"tables"`
	LastFlush *time.Time     `json:"last_flush,omitempty" yaml:"last_flush,omitempty"`
	LastPull  *time.Time     `json:"last_pull,omitempty" yaml:"last_pull,omitempty"`
	PullError string         `json:"pull_error,omitempty" yaml:"pull_error,omitempty"`
}

// Status reports queue depths, local table sizes and recent activity.
func (e *Engine) Status() Status {
	st := Status{
		State:   e.controller.State().String(),
		Ready:   e.gate.Ready(),
		Pending: e.queues.Total(),
		Queues:  e.queues.Stats(),
		Tables:  make(map[string]int),
	}
	for _, t := range schema.Tables() {
		if n, err := e.store.Count(t); err == nil {
			st.Tables[string(t)] = n
		}
	}
	if r := e.scheduler.LastReport(); r != nil {
		ts := r.Started
		st.LastFlush = &ts
	}
	if r, err := e.controller.LastPull(); r != nil {
		ts := r.Started
		st.LastPull = &ts
		if err != nil {
			st.PullError = err.Error()
		}
	}
	return st
}
