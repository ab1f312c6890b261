package core

// gate.go serialises operations that replace or move whole databases:
// workspace switches, imports and snapshots. Two such operations must never
// interleave, so the gate holds a single slot. Callers that cannot get the
// slot within maxWait fail with ErrBusy. Plain reads and single-record writes
// do not pass through the gate.
//
// WaitForDrain lets shutdown wait for a running operation to finish.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when another gated operation holds the slot past the
// wait timeout.
var ErrBusy = errors.New("another operation is in progress")

// DefaultGateWait is how long to wait for the slot before rejecting.
const DefaultGateWait = 30 * time.Second

// OperationGate is a one-slot semaphore with a named holder.
type OperationGate struct {
	slot    chan struct{}
	maxWait time.Duration

	mu     sync.RWMutex
	holder string
	since  time.Time
}

// NewOperationGate returns a gate whose callers wait at most maxWait.
func NewOperationGate(maxWait time.Duration) *OperationGate {
	if maxWait <= 0 {
		maxWait = DefaultGateWait
	}
	return &OperationGate{
		slot:    make(chan struct{}, 1),
		maxWait: maxWait,
	}
}

// Acquire takes the slot for the named operation. The caller must call
// Release when done (use defer).
func (g *OperationGate) Acquire(ctx context.Context, op string) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.maxWait)
	defer cancel()

	select {
	case g.slot <- struct{}{}:
		g.mu.Lock()
		g.holder = op
		g.since = time.Now()
		g.mu.Unlock()
		return nil

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBusy
	}
}

// TryAcquire takes the slot without blocking.
func (g *OperationGate) TryAcquire(op string) bool {
	select {
	case g.slot <- struct{}{}:
		g.mu.Lock()
		g.holder = op
		g.since = time.Now()
		g.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees the slot. Must be called exactly once per successful
// Acquire or TryAcquire.
func (g *OperationGate) Release() {
	g.mu.Lock()
	g.holder = ""
	g.since = time.Time{}
	g.mu.Unlock()

	<-g.slot
}

// Busy reports whether an operation holds the slot.
func (g *OperationGate) Busy() bool {
	return len(g.slot) > 0
}

// WaitForDrain blocks until no operation holds the slot or ctx ends.
func (g *OperationGate) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !g.Busy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GateStatus is a snapshot of the gate.
type GateStatus struct {
	Busy      bool      `json:"busy"`
	Operation string    `json:"operation,omitempty"`
	Since     time.Time `json:"since,omitempty"`
}

// Status returns the current holder for monitoring.
func (g *OperationGate) Status() GateStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return GateStatus{
		Busy:      g.Busy(),
		Operation: g.holder,
		Since:     g.since,
	}
}
