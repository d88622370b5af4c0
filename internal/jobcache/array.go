package jobcache

import (
	"context"
	"sync"
)

// Array is an in-process Cache guarded by a single mutex. The lock is held
// only to test-and-set slot state and copy slots out.
type Array struct {
	mu    sync.Mutex
	slots []Slot
}

// NewArray creates an Array with size EMPTY slots.
func NewArray(size int) *Array {
	a := &Array{slots: make([]Slot, size)}
	for i := range a.slots {
		a.slots[i].Index = i
	}
	return a
}

func (a *Array) Len() int { return len(a.slots) }

func (a *Array) Window(_ context.Context, start, n int) ([]Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := windowIndexes(len(a.slots), start, n)
	out := make([]Slot, len(idx))
	for i, j := range idx {
		out[i] = a.slots[j]
	}
	return out, nil
}

func (a *Array) Claim(_ context.Context, index int, worker string, resultID int64) (bool, error) {
	if index < 0 || index >= len(a.slots) {
		return false, ErrOutOfRange
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &a.slots[index]
	if s.State != SlotPresent || s.Entry.Result.ID != resultID {
		return false, nil
	}
	s.State = SlotClaimed
	s.Claimant = worker
	return true, nil
}

func (a *Array) Release(_ context.Context, index int, worker string, to SlotState) error {
	if index < 0 || index >= len(a.slots) {
		return ErrOutOfRange
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &a.slots[index]
	if s.State != SlotClaimed || s.Claimant != worker {
		return ErrNotClaimant
	}
	s.Claimant = ""
	switch to {
	case SlotPresent:
		s.State = SlotPresent
		s.Infeasible++
	default:
		*s = Slot{Index: index}
	}
	return nil
}

func (a *Array) MarkInfeasible(_ context.Context, index int, resultID int64) error {
	if index < 0 || index >= len(a.slots) {
		return ErrOutOfRange
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &a.slots[index]
	if s.State == SlotEmpty || s.Entry.Result.ID != resultID {
		return nil
	}
	s.Infeasible++
	return nil
}

func (a *Array) Fill(_ context.Context, index int, e Entry) error {
	if index < 0 || index >= len(a.slots) {
		return ErrOutOfRange
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &a.slots[index]
	if s.State != SlotEmpty {
		return ErrSlotBusy
	}
	*s = Slot{Index: index, State: SlotPresent, Entry: e}
	return nil
}
