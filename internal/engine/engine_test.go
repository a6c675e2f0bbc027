package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/geultto/sheetsync/internal/queue"
	"github.com/geultto/sheetsync/internal/remote"
	"github.com/geultto/sheetsync/internal/remote/remotetest"
	"github.com/geultto/sheetsync/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// recorder collects notifier events.
type recorder struct {
	mu     sync.Mutex
	kinds  []string
	states []string
}

func (r *recorder) Notify(kind string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	if kind == EventStateChanged {
		r.states = append(r.states, data.(map[string]string)["state"])
	}
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = nil
	r.states = nil
}

func (r *recorder) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func (r *recorder) Has(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type testEngine struct {
	*Engine
	backend *remotetest.Backend
	events  *recorder
}

func newTestEngine(t *testing.T, timeout time.Duration) *testEngine {
	t.Helper()
	backend := remotetest.New()
	events := &recorder{}
	e, err := New(Options{
		DataDir: t.TempDir(),
		Backend: backend,
		Remote:  &remote.Config{Timeout: timeout},
		// Long intervals keep the tickers out of the way; tests flush by hand.
		Scheduler: &Config{FlushInterval: time.Hour, LogUploadInterval: time.Hour},
		Notifier:  events,
	})
	require.NoError(t, err)
	return &testEngine{Engine: e, backend: backend, events: events}
}

func startTestEngine(t *testing.T) *testEngine {
	t.Helper()
	e := newTestEngine(t, 5*time.Second)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		e.backend.Heal()
		_ = e.Stop(context.Background())
	})
	e.events.reset()
	return e
}

func contentRow(user, dt string) []string {
	return []string{user, "name-" + user, "title", "https://blog.example/" + user, dt, "dev", "desc", "submit", "go"}
}

func bookmarkRow(user, content, note string) []string {
	return []string{user, content, note, "false", "2024-03-01 10:00:00", "2024-03-01 10:00:00"}
}

func bookmarkKey(user, content string) map[string]string {
	return map[string]string{"user_id": user, "content_id": content}
}

func logRow(id string) []string {
	return []string{id, "2024-03-01 10:00:00", "U1", "search", "command", "", "{}"}
}

func withHeader(t schema.Table, rows ...[]string) [][]string {
	return append([][]string{t.Columns()}, rows...)
}

func pendingRows(t *testing.T, e *testEngine, name string) [][]string {
	t.Helper()
	entries, err := e.Queues().Pending(name)
	require.NoError(t, err)
	rows := make([][]string, len(entries))
	for i, entry := range entries {
		rows[i] = entry.Row
	}
	return rows
}

func TestStartPullsRemoteAndOpensGate(t *testing.T) {
	e := newTestEngine(t, 5*time.Second)
	e.backend.Seed("users", withHeader(schema.Users,
		[]string{"U1", "kim", "general", "C1", "hi", "100,000", "10"}))
	e.backend.Seed("raw_data", withHeader(schema.Contents, contentRow("U1", "2024-03-01 10:00:00")))

	_, err := e.Gate().Enter()
	assert.ErrorIs(t, err, ErrNotReady, "writes must wait for the first pull")

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	assert.True(t, e.Gate().Ready())
	assert.True(t, e.Scheduler().Running())

	users, err := e.Store().ReadAll(schema.Users)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "U1", users[0][0])

	st := e.Status()
	assert.Equal(t, "idle", st.State)
	assert.True(t, st.Ready)
	assert.Equal(t, 1, st.Tables["users"])
	assert.Equal(t, 1, st.Tables["contents"])
	assert.NotNil(t, st.LastPull)
}

func TestStartFailsWhenInitialPullFails(t *testing.T) {
	e := newTestEngine(t, 5*time.Second)
	e.backend.FailAll(remote.ErrAuthFailure)

	err := e.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrAuthFailure)
	assert.False(t, e.Gate().Ready())
	assert.False(t, e.Scheduler().Running())

	// A later attempt may succeed.
	e.backend.Heal()
	require.NoError(t, e.Start(context.Background()))
	assert.NoError(t, e.Stop(context.Background()))
}

func TestFlushAppendsInEnqueueOrder(t *testing.T) {
	e := startTestEngine(t)

	for _, dt := range []string{"2024-03-01 10:00:00", "2024-03-02 10:00:00", "2024-03-03 10:00:00"} {
		_, err := e.Queues().Enqueue(QueueContents, contentRow("U1", dt), nil)
		require.NoError(t, err)
	}

	report := e.Scheduler().FlushNow(context.Background())
	require.NoError(t, report.Err())
	assert.Equal(t, 3, report.Flushed())
	assert.NotEmpty(t, report.ID)

	rows := e.backend.Rows("raw_data")
	require.Len(t, rows, 4, "header plus three rows")
	assert.Equal(t, schema.Contents.Columns(), rows[0])
	assert.Equal(t, "2024-03-01 10:00:00", rows[1][4])
	assert.Equal(t, "2024-03-03 10:00:00", rows[3][4])
	assert.Zero(t, e.Queues().Total())
	assert.True(t, e.events.Has(EventFlushCompleted))
}

func TestFlushFailureRestoresBatchInOrder(t *testing.T) {
	e := startTestEngine(t)

	a := contentRow("A", "2024-03-01 10:00:00")
	b := contentRow("B", "2024-03-01 11:00:00")
	c := contentRow("C", "2024-03-01 12:00:00")
	for _, row := range [][]string{a, b, c} {
		_, err := e.Queues().Enqueue(QueueContents, row, nil)
		require.NoError(t, err)
	}

	e.backend.FailOn(remotetest.OpWriteRows, remote.ErrRateLimited)
	report := e.Scheduler().FlushNow(context.Background())
	require.Error(t, report.Err())
	assert.True(t, remote.IsRetryable(report.Err()))
	assert.Equal(t, [][]string{a, b, c}, pendingRows(t, e, QueueContents))
	assert.True(t, e.events.Has(EventFlushFailed))

	d := contentRow("D", "2024-03-01 13:00:00")
	_, err := e.Queues().Enqueue(QueueContents, d, nil)
	require.NoError(t, err)

	e.backend.Heal()
	report = e.Scheduler().FlushNow(context.Background())
	require.NoError(t, report.Err())

	rows := e.backend.Rows("raw_data")
	require.Len(t, rows, 5)
	assert.Equal(t, [][]string{a, b, c, d}, rows[1:])
}

func TestBookmarksSurviveNetworkFailure(t *testing.T) {
	e := startTestEngine(t)
	existing := bookmarkRow("U0", "c0", "")
	e.backend.Seed("bookmark", withHeader(schema.Bookmarks, existing))
	before := len(e.backend.Rows("bookmark"))

	first := bookmarkRow("U1", "c1", "read later")
	second := bookmarkRow("U2", "c2", "")
	for _, row := range [][]string{first, second} {
		_, err := e.Queues().Enqueue(QueueBookmarks, row, bookmarkKey(row[0], row[1]))
		require.NoError(t, err)
	}

	e.backend.FailOn(remotetest.OpWriteRows, remote.ErrNetwork)
	report := e.Scheduler().FlushNow(context.Background())
	require.Error(t, report.Err())
	assert.Equal(t, remote.KindNetwork, remote.KindOf(report.Err()))
	assert.Equal(t, [][]string{first, second}, pendingRows(t, e, QueueBookmarks))
	assert.Len(t, e.backend.Rows("bookmark"), before)

	e.backend.Heal()
	report = e.Scheduler().FlushNow(context.Background())
	require.NoError(t, report.Err())
	assert.Equal(t, 2, report.Flushed())
	assert.Zero(t, e.Queues().Len(QueueBookmarks))

	rows := e.backend.Rows("bookmark")
	require.Len(t, rows, before+2)
	assert.Equal(t, [][]string{first, second}, rows[before:], "appended from row %d", before+1)
}

func TestEnqueueDuringFlushIsKept(t *testing.T) {
	e := startTestEngine(t)

	a := contentRow("A", "2024-03-01 10:00:00")
	_, err := e.Queues().Enqueue(QueueContents, a, nil)
	require.NoError(t, err)

	writing := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e.backend.SetFail(func(op remotetest.Op, _ string) error {
		if op == remotetest.OpWriteRows {
			once.Do(func() { close(writing) })
			<-release
		}
		return nil
	})

	done := make(chan *FlushReport)
	go func() { done <- e.Scheduler().FlushNow(context.Background()) }()

	<-writing
	x := contentRow("X", "2024-03-01 11:00:00")
	_, err = e.Queues().Enqueue(QueueContents, x, nil)
	require.NoError(t, err)
	close(release)

	report := <-done
	require.NoError(t, report.Err())
	assert.Equal(t, [][]string{x}, pendingRows(t, e, QueueContents))
	assert.Equal(t, [][]string{a}, e.backend.Rows("raw_data")[1:])
}

func TestFlushTimeoutIsNetworkError(t *testing.T) {
	e := newTestEngine(t, 50*time.Millisecond)
	require.NoError(t, e.Start(context.Background()))

	_, err := e.Queues().Enqueue(QueueContents, contentRow("A", "2024-03-01 10:00:00"), nil)
	require.NoError(t, err)

	e.backend.Hang(true)
	report := e.Scheduler().FlushNow(context.Background())
	require.Error(t, report.Err())
	assert.Equal(t, remote.KindNetwork, remote.KindOf(report.Err()))
	assert.Equal(t, 1, e.Queues().Len(QueueContents))

	e.backend.Heal()
	require.NoError(t, e.Stop(context.Background()))
	assert.Len(t, e.backend.Rows("raw_data"), 2, "final flush should upload the restored row")
}

func TestTickSkippedWhileCycleRunning(t *testing.T) {
	e := startTestEngine(t)
	_, err := e.Queues().Enqueue(QueueContents, contentRow("A", "2024-03-01 10:00:00"), nil)
	require.NoError(t, err)

	s := e.Scheduler()
	s.cycleMu.Lock()
	before := e.backend.Calls(remotetest.OpRowCount)
	s.tick(context.Background())
	s.cycleMu.Unlock()

	assert.Equal(t, before, e.backend.Calls(remotetest.OpRowCount))
	assert.Equal(t, 1, e.Queues().Len(QueueContents))

	s.tick(context.Background())
	assert.Zero(t, e.Queues().Len(QueueContents))
}

func TestUpdateAppliedToMatchingRow(t *testing.T) {
	e := startTestEngine(t)
	e.backend.Seed("bookmark", withHeader(schema.Bookmarks,
		bookmarkRow("U1", "c1", "old"),
		bookmarkRow("U2", "c1", "other")))

	_, err := e.Queues().Enqueue(QueueBookmarkUpdates, bookmarkRow("U1", "c1", "new"), bookmarkKey("U1", "c1"))
	require.NoError(t, err)

	report := e.Scheduler().FlushNow(context.Background())
	require.NoError(t, report.Err())

	rows := e.backend.Rows("bookmark")
	assert.Equal(t, "new", rows[1][2])
	assert.Equal(t, "other", rows[2][2])
}

func TestUpdateDroppedWhenRemoteRowMissing(t *testing.T) {
	e := startTestEngine(t)

	_, err := e.Queues().Enqueue(QueueBookmarkUpdates, bookmarkRow("U1", "missing", "x"), bookmarkKey("U1", "missing"))
	require.NoError(t, err)

	report := e.Scheduler().FlushNow(context.Background())
	require.NoError(t, report.Err())
	assert.Zero(t, e.Queues().Len(QueueBookmarkUpdates))
	assert.True(t, e.events.Has(EventUpdateDropped))

	var dropped int
	for _, q := range report.Queues {
		dropped += q.Dropped
	}
	assert.Equal(t, 1, dropped)
}

func TestUpdateFailureRestoresRemaining(t *testing.T) {
	e := startTestEngine(t)
	e.backend.Seed("bookmark", withHeader(schema.Bookmarks, bookmarkRow("U1", "c1", "old")))

	first := bookmarkRow("U1", "c1", "first")
	second := bookmarkRow("U1", "c1", "second")
	for _, row := range [][]string{first, second} {
		_, err := e.Queues().Enqueue(QueueBookmarkUpdates, row, bookmarkKey("U1", "c1"))
		require.NoError(t, err)
	}

	e.backend.FailOn(remotetest.OpReadRows, remote.ErrNetwork)
	report := e.Scheduler().FlushNow(context.Background())
	require.Error(t, report.Err())
	assert.Equal(t, [][]string{first, second}, pendingRows(t, e, QueueBookmarkUpdates))

	e.backend.Heal()
	require.NoError(t, e.Scheduler().FlushNow(context.Background()).Err())
	assert.Equal(t, "second", e.backend.Rows("bookmark")[1][2], "updates apply in enqueue order")
}

func TestUpdateWaitsForPendingAppend(t *testing.T) {
	e := startTestEngine(t)

	_, err := e.Queues().Enqueue(QueueBookmarks, bookmarkRow("U1", "c1", ""), bookmarkKey("U1", "c1"))
	require.NoError(t, err)
	_, err = e.Queues().Enqueue(QueueBookmarkUpdates, bookmarkRow("U1", "c1", "edited"), bookmarkKey("U1", "c1"))
	require.NoError(t, err)

	e.backend.FailOn(remotetest.OpWriteRows, remote.ErrNetwork)
	report := e.Scheduler().FlushNow(context.Background())
	require.Error(t, report.Err())
	assert.Equal(t, 1, e.Queues().Len(QueueBookmarks))
	assert.Equal(t, 1, e.Queues().Len(QueueBookmarkUpdates), "update must wait instead of being dropped")
	assert.False(t, e.events.Has(EventUpdateDropped))

	e.backend.Heal()
	require.NoError(t, e.Scheduler().FlushNow(context.Background()).Err())
	assert.Zero(t, e.Queues().Total())

	rows := e.backend.Rows("bookmark")
	require.Len(t, rows, 2)
	assert.Equal(t, "edited", rows[1][2])
}

func TestPullPreservesPendingRows(t *testing.T) {
	e := startTestEngine(t)

	local := contentRow("U2", "2024-03-05 09:00:00")
	require.NoError(t, e.Store().Append(schema.Contents, local))
	_, err := e.Queues().Enqueue(QueueContents, local, nil)
	require.NoError(t, err)

	remoteRow := contentRow("U1", "2024-03-01 10:00:00")
	e.backend.Seed("raw_data", withHeader(schema.Contents, remoteRow))
	e.backend.FailOn(remotetest.OpWriteRows, remote.ErrRateLimited)

	report, err := e.Controller().Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rows[schema.Contents])
	assert.Equal(t, 1, report.Preserved[schema.Contents])

	rows, err := e.Store().ReadAll(schema.Contents)
	require.NoError(t, err)
	assert.Equal(t, [][]string{remoteRow, local}, rows)
	assert.Equal(t, 1, e.Queues().Len(QueueContents), "pending row stays queued")
}

func TestPullFlushesBeforeFetching(t *testing.T) {
	e := startTestEngine(t)

	local := contentRow("U2", "2024-03-05 09:00:00")
	require.NoError(t, e.Store().Append(schema.Contents, local))
	_, err := e.Queues().Enqueue(QueueContents, local, nil)
	require.NoError(t, err)

	report, err := e.Controller().Pull(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Preserved[schema.Contents])
	assert.Zero(t, e.Queues().Total())

	rows, err := e.Store().ReadAll(schema.Contents)
	require.NoError(t, err)
	assert.Equal(t, [][]string{local}, rows)
}

func TestPullReplacesTableAndIsRepeatable(t *testing.T) {
	e := newTestEngine(t, 5*time.Second)
	e.backend.Seed("users", withHeader(schema.Users,
		[]string{"U0", "old", "general", "C0", "", "0", "9"}))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	var users [][]string
	for _, id := range []string{"U1", "U2", "U3", "U4", "U5"} {
		users = append(users, []string{id, "name-" + id, "general", "C1", "", "50,000", "10"})
	}
	e.backend.Seed("users", withHeader(schema.Users, users...))

	_, err := e.Controller().Pull(context.Background())
	require.NoError(t, err)
	first, err := e.Store().ReadAll(schema.Users)
	require.NoError(t, err)
	assert.Equal(t, users, first)

	_, err = e.Controller().Pull(context.Background())
	require.NoError(t, err)
	second, err := e.Store().ReadAll(schema.Users)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPullSchemaErrorKeepsLocalTable(t *testing.T) {
	e := startTestEngine(t)

	good := contentRow("U1", "2024-03-01 10:00:00")
	require.NoError(t, e.Store().Append(schema.Contents, good))

	tests := []struct {
		name string
		rows [][]string
	}{
		{"wrong header", [][]string{{"user_id", "title"}, {"U9", "x"}}},
		{"bad timestamp", withHeader(schema.Contents, contentRow("U9", "yesterday"))},
		{"bad type", withHeader(schema.Contents,
			[]string{"U9", "n", "t", "u", "2024-03-01 10:00:00", "c", "d", "draft", ""})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.backend.Seed("raw_data", tt.rows)
			e.backend.Seed("users", withHeader(schema.Users,
				[]string{"U1", "kim", "general", "C1", "", "0", "10"}))

			report, err := e.Controller().Pull(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, schema.ErrSchema)
			assert.Contains(t, report.Failed, schema.Contents)

			rows, err := e.Store().ReadAll(schema.Contents)
			require.NoError(t, err)
			assert.Equal(t, [][]string{good}, rows, "local contents must be untouched")

			users, err := e.Store().ReadAll(schema.Users)
			require.NoError(t, err)
			assert.Len(t, users, 1, "other tables are still rebuilt")
		})
	}
	assert.True(t, e.events.Has(EventPullFailed))
}

func TestControllerRejectsConcurrentOperations(t *testing.T) {
	e := startTestEngine(t)

	release := make(chan struct{})
	e.backend.SetFail(func(op remotetest.Op, _ string) error {
		if op == remotetest.OpReadRows {
			<-release
		}
		return nil
	})

	done := make(chan error)
	go func() {
		_, err := e.Controller().Pull(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return e.Controller().State() == StatePulling
	}, time.Second, 5*time.Millisecond)

	_, err := e.Controller().Maintain(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	_, err = e.Controller().Backup(context.Background(), schema.Contents)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = e.Controller().UploadLogs(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, e.Controller().State())
}

func TestMaintainRunsStepsInOrder(t *testing.T) {
	e := startTestEngine(t)

	require.NoError(t, e.Store().Append(schema.Logs, logRow("e1")))
	require.NoError(t, e.Store().Append(schema.Logs, logRow("e2")))
	content := contentRow("U1", "2024-03-01 10:00:00")
	require.NoError(t, e.Store().Append(schema.Contents, content))
	e.backend.Seed("raw_data", withHeader(schema.Contents, content))

	report, err := e.TriggerResync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.LogsUploaded)
	assert.Equal(t, 2, report.LogsRotated)
	assert.Equal(t, 1, report.BackupRows)
	require.NotNil(t, report.Pull)

	assert.Equal(t, []string{"uploading_logs", "backing_up", "rotating_log", "pulling", "rebuilding", "idle"},
		e.events.States())
	assert.True(t, e.events.Has(EventMaintenanceDone))

	assert.Len(t, e.backend.Rows("log"), 3)
	assert.Equal(t, withHeader(schema.Contents, content), e.backend.Rows("backup"))

	logs, err := e.Store().ReadAll(schema.Logs)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestMaintainStopsAtFirstFailure(t *testing.T) {
	e := startTestEngine(t)
	require.NoError(t, e.Store().Append(schema.Logs, logRow("e1")))

	e.backend.FailOn(remotetest.OpClear, remote.ErrRemoteRejected)
	report, err := e.Controller().Maintain(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup")
	assert.Equal(t, 1, report.LogsUploaded)
	assert.Nil(t, report.Pull)

	logs, err := e.Store().ReadAll(schema.Logs)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "log is not rotated when a later step fails")
	assert.True(t, e.events.Has(EventMaintenanceError))
	assert.Equal(t, StateIdle, e.Controller().State())
}

func TestUploadLogsKeepsRecordsLoggedDuringUpload(t *testing.T) {
	e := startTestEngine(t)
	require.NoError(t, e.Store().Append(schema.Logs, logRow("e1")))
	require.NoError(t, e.Store().Append(schema.Logs, logRow("e2")))

	var once sync.Once
	e.backend.SetFail(func(op remotetest.Op, sheet string) error {
		if op == remotetest.OpWriteRows && sheet == "log" {
			once.Do(func() {
				require.NoError(t, e.Store().Append(schema.Logs, logRow("e3")))
			})
		}
		return nil
	})

	n, err := e.Controller().UploadLogs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	logs, err := e.Store().ReadAll(schema.Logs)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "e3", logs[0][0])
}

func TestUploadLogsWithEmptyLog(t *testing.T) {
	e := startTestEngine(t)

	n, err := e.Controller().UploadLogs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, e.backend.Rows("log"))
}

func TestStopFlushesPendingEntries(t *testing.T) {
	e := newTestEngine(t, 5*time.Second)
	require.NoError(t, e.Start(context.Background()))

	_, err := e.Queues().Enqueue(QueueContents, contentRow("A", "2024-03-01 10:00:00"), nil)
	require.NoError(t, err)

	require.NoError(t, e.Stop(context.Background()))
	assert.Len(t, e.backend.Rows("raw_data"), 2)
	assert.False(t, e.Gate().Ready())
	assert.NoError(t, e.Stop(context.Background()), "stop is idempotent")
	assert.ErrorIs(t, e.Start(context.Background()), ErrStopped)
}

func TestGate(t *testing.T) {
	var g Gate
	_, err := g.Enter()
	require.ErrorIs(t, err, ErrNotReady)

	g.Open()
	release, err := g.Enter()
	require.NoError(t, err)

	entered := make(chan struct{})
	go func() {
		_ = g.Exclusive(func() error {
			close(entered)
			return nil
		})
	}()

	select {
	case <-entered:
		t.Fatal("exclusive section ran while a write was in progress")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	<-entered
}

func TestRegisterQueuesOrder(t *testing.T) {
	set := queue.NewSet()
	require.NoError(t, RegisterQueues(set))
	assert.Equal(t, []string{QueueContents, QueueBookmarks, QueueBookmarkUpdates}, set.Names())
	assert.Error(t, RegisterQueues(set))
}
