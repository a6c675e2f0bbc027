package engine

// State is the controller's current operation.
type State int

const (
	StateIdle State = iota
	StatePulling
	StateRebuilding
	StateBackingUp
	StateUploadingLogs
	StateRotatingLog
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePulling:
		return "pulling"
	case StateRebuilding:
		return "rebuilding"
	case StateBackingUp:
		return "backing_up"
	case StateUploadingLogs:
		return "uploading_logs"
	case StateRotatingLog:
		return "rotating_log"
	default:
		return "unknown"
	}
}
