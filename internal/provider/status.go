package provider

// Status is the shared status vocabulary every backend maps into.
type Status string

const (
	// StatusStarting means the worker reported it is booting.
	StatusStarting Status = "starting"
	// StatusLaunching means the unit exists but the worker has not
	// reported yet.
	StatusLaunching Status = "launching"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	StatusNotFound  Status = "not_found"
	// StatusUnknown is the total-mapping fallback for native states no
	// table entry covers. It is never an error.
	StatusUnknown Status = "unknown"
)

// MapNative translates a backend-native state through the given table.
// Unmapped states fall back to StatusUnknown so the mapping is total.
func MapNative(table map[string]Status, native string) Status {
	if s, ok := table[native]; ok {
		return s
	}
	return StatusUnknown
}

// MergeWorkerStatus reconciles a backend-derived status with the status
// token the worker last wrote to the state store. The worker's word wins for
// lifecycle states it owns (starting, running, completed, failed); the
// backend wins when it says the unit is gone or still materializing. A unit
// the backend considers running is only "running" once the worker says so:
// until the first StatusRecord lands, it is still launching.
func MergeWorkerStatus(backend Status, worker string) Status {
	if worker == "" {
		if backend == StatusRunning {
			return StatusLaunching
		}
		return backend
	}
	switch backend {
	case StatusNotFound, StatusStopped:
		// Unit is gone; a stale "running" from the store must not revive it,
		// but terminal worker states remain meaningful.
		switch Status(worker) {
		case StatusCompleted, StatusFailed:
			return Status(worker)
		}
		return backend
	case StatusLaunching:
		// The worker has reported, so it is past launching.
		return Status(worker)
	default:
		switch Status(worker) {
		case StatusStarting, StatusRunning, StatusCompleted, StatusFailed:
			return Status(worker)
		}
		return backend
	}
}
