package model

// WorkerDescriptor describes one slot of a worker pool and what it can run.
type WorkerDescriptor struct {
	ID        string       `json:"id" yaml:"id"`
	HighMem   bool         `json:"high_mem,omitempty" yaml:"high_mem"`
	Unlimited bool         `json:"unlimited,omitempty" yaml:"unlimited"`
	Cores     int          `json:"cores,omitempty" yaml:"cores"`
	MemoryMB  int64        `json:"memory_mb,omitempty" yaml:"memory_mb"`
	Status    WorkerStatus `json:"status" yaml:"-"`
}

// WorkerStatus represents the availability of a worker slot.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
)

// ValidWorkerTransitions defines the allowed status transitions for worker slots.
var ValidWorkerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerStatusIdle:    {WorkerStatusBusy, WorkerStatusOffline},
	WorkerStatusBusy:    {WorkerStatusIdle, WorkerStatusOffline},
	WorkerStatusOffline: {WorkerStatusIdle},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s WorkerStatus) CanTransitionTo(next WorkerStatus) bool {
	for _, allowed := range ValidWorkerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
