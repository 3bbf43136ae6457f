package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

// WorkingSet holds the shipments currently under monitoring. Readers get an
// immutable slice; writers build a new map and slice and swap them in, so
// iteration never observes a half-applied change.
type WorkingSet struct {
	mu          sync.RWMutex
	byID        map[string]domain.Shipment
	snapshot    []domain.Shipment
	refreshedAt time.Time
}

func NewWorkingSet() *WorkingSet {
	return &WorkingSet{byID: make(map[string]domain.Shipment)}
}

func (w *WorkingSet) Snapshot() []domain.Shipment {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot
}

func (w *WorkingSet) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.snapshot)
}

func (w *WorkingSet) Contains(id string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.byID[id]
	return ok
}

func (w *WorkingSet) RefreshedAt() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.refreshedAt
}

// Replace swaps in a freshly loaded set.
func (w *WorkingSet) Replace(shipments []domain.Shipment, at time.Time) {
	next := make(map[string]domain.Shipment, len(shipments))
	for _, s := range shipments {
		next[s.ID] = s
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.swap(next)
	w.refreshedAt = at
}

func (w *WorkingSet) Upsert(s domain.Shipment) {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := make(map[string]domain.Shipment, len(w.byID)+1)
	for id, v := range w.byID {
		next[id] = v
	}
	next[s.ID] = s
	w.swap(next)
}

func (w *WorkingSet) Remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.byID[id]; !ok {
		return
	}
	next := make(map[string]domain.Shipment, len(w.byID))
	for k, v := range w.byID {
		if k != id {
			next[k] = v
		}
	}
	w.swap(next)
}

func (w *WorkingSet) swap(next map[string]domain.Shipment) {
	snap := make([]domain.Shipment, 0, len(next))
	for _, s := range next {
		snap = append(snap, s)
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })
	w.byID = next
	w.snapshot = snap
}
