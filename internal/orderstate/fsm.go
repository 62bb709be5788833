// Package orderstate implements the order lifecycle state machine:
// the legal transitions between NEW, OPEN, PARTIAL, FILLED, CANCELLED,
// and REJECTED, and the bookkeeping (updatedAt/completedAt/rejectionReason)
// every transition carries.
package orderstate

import (
	"time"

	"predictioncore/internal/apperr"
)

// State is one of the six lifecycle states an order can occupy.
type State string

const (
	New       State = "NEW"
	Open      State = "OPEN"
	Partial   State = "PARTIAL"
	Filled    State = "FILLED"
	Cancelled State = "CANCELLED"
	Rejected  State = "REJECTED"
)

// terminal reports whether a state has no outgoing transitions.
func (s State) terminal() bool {
	switch s {
	case Filled, Cancelled, Rejected:
		return true
	default:
		return false
	}
}

// legal maps each state to the set of states it may transition into.
var legal = map[State]map[State]bool{
	New:     {Open: true, Rejected: true},
	Open:    {Partial: true, Filled: true, Cancelled: true, Rejected: true},
	Partial: {Filled: true, Cancelled: true},
}

// Machine tracks the lifecycle of a single order. It is not safe for
// concurrent use by multiple goroutines; callers serialize access to
// an order within the owning market's dispatch lane.
type Machine struct {
	current          State
	updatedAt        time.Time
	completedAt      *time.Time
	rejectionReason  string
}

// NewMachine constructs a Machine in the initial NEW state.
func NewMachine(now time.Time) *Machine {
	return &Machine{current: New, updatedAt: now}
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	return m.current
}

// UpdatedAt returns the timestamp of the most recent transition.
func (m *Machine) UpdatedAt() time.Time {
	return m.updatedAt
}

// CompletedAt returns the timestamp the machine entered a terminal
// state, or nil if it has not yet terminated.
func (m *Machine) CompletedAt() *time.Time {
	return m.completedAt
}

// RejectionReason returns the reason passed to Reject, if any.
func (m *Machine) RejectionReason() string {
	return m.rejectionReason
}

// CanTransition reports whether next is reachable from current. The
// order executor uses this to fail fast on a programming error before
// spending a round trip on the database's conditional update, which
// remains the authority that actually resolves concurrent races.
func CanTransition(current, next State) bool {
	return legal[current][next]
}

// Transition moves the machine from its current state to next. Fails
// with apperr.IllegalTransition if next is not reachable from the
// current state. updatedAt is refreshed on every successful call;
// completedAt is set when and only when next is terminal.
func (m *Machine) Transition(next State, now time.Time) error {
	allowed, ok := legal[m.current]
	if !ok || !allowed[next] {
		return apperr.New(apperr.IllegalTransition,
			string(m.current)+" -> "+string(next)+" is not a legal transition")
	}
	m.current = next
	m.updatedAt = now
	if next.terminal() {
		completedAt := now
		m.completedAt = &completedAt
	}
	return nil
}

// Reject transitions the machine to REJECTED and records reason. It is
// the only path that populates rejectionReason.
func (m *Machine) Reject(reason string, now time.Time) error {
	if err := m.Transition(Rejected, now); err != nil {
		return err
	}
	m.rejectionReason = reason
	return nil
}
