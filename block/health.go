package block

import (
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultTimeoutThreshold is how many consecutive timeouts a backend
// tolerates before reporting health-down to its owner.
const DefaultTimeoutThreshold = 3

// HealthTracker implements the self-report policy shared by all backends:
// a disconnect reports down immediately, repeated timeouts report down once
// the threshold is crossed, and any success resets the timeout streak.
type HealthTracker struct {
	uuid      string
	threshold uint32

	timeouts atomic.Uint32
	downOnce sync.Once

	mu      sync.Mutex
	handler FaultHandler
}

// NewHealthTracker returns a tracker for the given backend identifier.
// A threshold of 0 selects DefaultTimeoutThreshold.
func NewHealthTracker(uuid string, threshold uint32) *HealthTracker {
	if threshold == 0 {
		threshold = DefaultTimeoutThreshold
	}
	return &HealthTracker{uuid: uuid, threshold: threshold}
}

// SetFaultHandler registers the owner's health-down callback.
func (ht *HealthTracker) SetFaultHandler(h FaultHandler) {
	ht.mu.Lock()
	ht.handler = h
	ht.mu.Unlock()
}

// Observe records the outcome of one backend operation and fires the fault
// handler at most once per tracker lifetime.
func (ht *HealthTracker) Observe(err error) {
	if err == nil {
		ht.timeouts.Store(0)
		return
	}
	switch {
	case errors.Is(err, ErrDisconnected):
		ht.reportDown(err)
	case errors.Is(err, ErrTimeout):
		if ht.timeouts.Add(1) >= ht.threshold {
			ht.reportDown(err)
		}
	}
}

func (ht *HealthTracker) reportDown(err error) {
	ht.downOnce.Do(func() {
		ht.mu.Lock()
		h := ht.handler
		ht.mu.Unlock()
		if h != nil {
			h(ht.uuid, err)
		}
	})
}
