package orderstate

import (
	"testing"
	"time"
)

func TestLegalTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{New, Open, true},
		{New, Rejected, true},
		{New, Filled, false},
		{New, Cancelled, false},
		{Open, Partial, true},
		{Open, Filled, true},
		{Open, Cancelled, true},
		{Open, Rejected, true},
		{Open, New, false},
		{Partial, Filled, true},
		{Partial, Cancelled, true},
		{Partial, Open, false},
		{Partial, Rejected, false},
		{Filled, Open, false},
		{Cancelled, Open, false},
		{Rejected, Open, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestMachineTransitionUpdatesTimestamps(t *testing.T) {
	t0 := time.Now()
	m := NewMachine(t0)
	if m.Current() != New {
		t.Fatalf("initial state = %s, want NEW", m.Current())
	}
	if m.CompletedAt() != nil {
		t.Fatal("expected CompletedAt() == nil before any transition")
	}

	t1 := t0.Add(time.Second)
	if err := m.Transition(Open, t1); err != nil {
		t.Fatalf("Transition(OPEN): %v", err)
	}
	if m.Current() != Open {
		t.Fatalf("current = %s, want OPEN", m.Current())
	}
	if !m.UpdatedAt().Equal(t1) {
		t.Fatalf("UpdatedAt() = %v, want %v", m.UpdatedAt(), t1)
	}
	if m.CompletedAt() != nil {
		t.Fatal("expected CompletedAt() == nil for a non-terminal transition")
	}

	t2 := t1.Add(time.Second)
	if err := m.Transition(Filled, t2); err != nil {
		t.Fatalf("Transition(FILLED): %v", err)
	}
	if m.CompletedAt() == nil || !m.CompletedAt().Equal(t2) {
		t.Fatalf("CompletedAt() = %v, want %v", m.CompletedAt(), t2)
	}
}

func TestMachineIllegalTransitionFails(t *testing.T) {
	m := NewMachine(time.Now())
	if err := m.Transition(Filled, time.Now()); err == nil {
		t.Fatal("expected IllegalTransition for NEW -> FILLED")
	}
	if m.Current() != New {
		t.Fatalf("state after failed transition = %s, want unchanged NEW", m.Current())
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	for _, terminal := range []State{Filled, Cancelled, Rejected} {
		for _, next := range []State{New, Open, Partial, Filled, Cancelled, Rejected} {
			if CanTransition(terminal, next) {
				t.Errorf("CanTransition(%s, %s) = true, want terminal state to be absorbing", terminal, next)
			}
		}
	}
}

func TestRejectPopulatesReason(t *testing.T) {
	m := NewMachine(time.Now())
	if err := m.Reject("insufficient balance", time.Now()); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if m.Current() != Rejected {
		t.Fatalf("current = %s, want REJECTED", m.Current())
	}
	if m.RejectionReason() != "insufficient balance" {
		t.Fatalf("RejectionReason() = %q, want %q", m.RejectionReason(), "insufficient balance")
	}
}

func TestRejectFromIllegalStateFails(t *testing.T) {
	m := NewMachine(time.Now())
	if err := m.Transition(Open, time.Now()); err != nil {
		t.Fatalf("Transition(OPEN): %v", err)
	}
	if err := m.Transition(Filled, time.Now()); err != nil {
		t.Fatalf("Transition(FILLED): %v", err)
	}
	if err := m.Reject("too late", time.Now()); err == nil {
		t.Fatal("expected Reject from FILLED to fail: terminal states are absorbing")
	}
	if m.RejectionReason() != "" {
		t.Fatalf("RejectionReason() = %q, want empty after a failed Reject", m.RejectionReason())
	}
}
