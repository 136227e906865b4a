// Package allocator matches a job's resource requirements to a free worker slot.
package allocator

import (
	"fmt"

	"github.com/me/stagerun/pkg/model"
)

// Allocator tracks a pool of heterogeneous worker slots. It is owned by a single
// control loop and is not safe for concurrent use.
type Allocator struct {
	order   []string
	workers map[string]*model.WorkerDescriptor
}

// New creates an Allocator over workers. Slots are scanned in the given order and
// start idle. Duplicate IDs are rejected.
func New(workers []model.WorkerDescriptor) (*Allocator, error) {
	a := &Allocator{workers: make(map[string]*model.WorkerDescriptor, len(workers))}
	for i := range workers {
		w := workers[i]
		if w.ID == "" {
			w.ID = fmt.Sprintf("worker-%d", i)
		}
		if _, dup := a.workers[w.ID]; dup {
			return nil, fmt.Errorf("duplicate worker id %q", w.ID)
		}
		w.Status = model.WorkerStatusIdle
		a.workers[w.ID] = &w
		a.order = append(a.order, w.ID)
	}
	return a, nil
}

// Uniform returns n interchangeable worker descriptors with no special capabilities.
func Uniform(n int) []model.WorkerDescriptor {
	out := make([]model.WorkerDescriptor, n)
	for i := range out {
		out[i] = model.WorkerDescriptor{ID: fmt.Sprintf("worker-%d", i)}
	}
	return out
}

// Satisfies reports whether w can run a job with requirements req.
func Satisfies(w *model.WorkerDescriptor, req model.Resources) bool {
	if req.HighMem && !w.HighMem {
		return false
	}
	if req.Unlimited && !w.Unlimited {
		return false
	}
	if req.Cores > 0 && w.Cores > 0 && req.Cores > w.Cores {
		return false
	}
	if req.MemoryMB > 0 && w.MemoryMB > 0 && req.MemoryMB > w.MemoryMB {
		return false
	}
	return true
}

// Allocate returns the first idle worker satisfying req and marks it busy.
// ok is false when no worker is free right now; callers retry later.
func (a *Allocator) Allocate(req model.Resources) (id string, ok bool) {
	for _, id := range a.order {
		w := a.workers[id]
		if w.Status != model.WorkerStatusIdle || !Satisfies(w, req) {
			continue
		}
		w.Status = model.WorkerStatusBusy
		return id, true
	}
	return "", false
}

// Release returns a busy worker to the idle pool. Offline workers stay offline.
func (a *Allocator) Release(id string) {
	if w, ok := a.workers[id]; ok && w.Status == model.WorkerStatusBusy {
		w.Status = model.WorkerStatusIdle
	}
}

// CanEverSatisfy reports whether any worker in the pool, busy or not, could run req.
func (a *Allocator) CanEverSatisfy(req model.Resources) bool {
	for _, id := range a.order {
		w := a.workers[id]
		if w.Status != model.WorkerStatusOffline && Satisfies(w, req) {
			return true
		}
	}
	return false
}

// Status returns the current status of worker id.
func (a *Allocator) Status(id string) (model.WorkerStatus, bool) {
	w, ok := a.workers[id]
	if !ok {
		return "", false
	}
	return w.Status, true
}

// SetStatus moves worker id to status s if the transition is valid.
func (a *Allocator) SetStatus(id string, s model.WorkerStatus) error {
	w, ok := a.workers[id]
	if !ok {
		return fmt.Errorf("unknown worker %q", id)
	}
	if !w.Status.CanTransitionTo(s) {
		return fmt.Errorf("worker %s: invalid status transition %s -> %s", id, w.Status, s)
	}
	w.Status = s
	return nil
}

// Worker returns a copy of the descriptor for id.
func (a *Allocator) Worker(id string) (model.WorkerDescriptor, bool) {
	w, ok := a.workers[id]
	if !ok {
		return model.WorkerDescriptor{}, false
	}
	return *w, true
}

// Workers returns copies of all descriptors in scan order.
func (a *Allocator) Workers() []model.WorkerDescriptor {
	out := make([]model.WorkerDescriptor, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.workers[id])
	}
	return out
}

// Busy returns the number of busy workers.
func (a *Allocator) Busy() int {
	n := 0
	for _, w := range a.workers {
		if w.Status == model.WorkerStatusBusy {
			n++
		}
	}
	return n
}
