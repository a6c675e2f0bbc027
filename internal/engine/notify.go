package engine

// Event kinds published to the Notifier.
const (
	EventFlushCompleted   = "flush_completed"
	EventFlushFailed      = "flush_failed"
	EventUpdateDropped    = "update_dropped"
	EventPullCompleted    = "pull_completed"
	EventPullFailed       = "pull_failed"
	EventLogsUploaded     = "logs_uploaded"
	EventMaintenanceDone  = "maintenance_completed"
	EventMaintenanceError = "maintenance_failed"
	EventStateChanged     = "state_changed"
)

// Notifier receives operator-facing events. Implementations must not block.
type Notifier interface {
	Notify(kind string, data any)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(kind string, data any)

// Notify calls f.
func (f NotifierFunc) Notify(kind string, data any) {
	f(kind, data)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, any) {}
