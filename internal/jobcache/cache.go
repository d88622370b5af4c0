// Package jobcache holds the bounded array of dispatch candidates shared by
// scheduler workers. Feeders fill EMPTY slots; a worker claims a PRESENT
// slot, re-checks it, and releases it before doing any slow work.
package jobcache

import (
	"context"
	"errors"

	"github.com/ssd-technologies/quorum/internal/storage"
)

// SlotState is the lifecycle tag of a cache slot.
type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotPresent
	SlotClaimed
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotPresent:
		return "present"
	case SlotClaimed:
		return "claimed"
	}
	return "unknown"
}

var (
	ErrNotClaimant = errors.New("jobcache: caller does not hold the claim")
	ErrOutOfRange  = errors.New("jobcache: slot index out of range")
	ErrSlotBusy    = errors.New("jobcache: slot is not empty")
)

// Entry is the candidate carried by a slot. NeedReliable is set by the
// feeder when the workunit has already collected error results.
type Entry struct {
	WorkUnit     storage.WorkUnit `json:"workunit"`
	Result       storage.Result   `json:"result"`
	NeedReliable bool             `json:"need_reliable,omitempty"`
}

// Slot is a copy of one cache slot. Infeasible counts how many times a
// claimant handed the slot back because it did not fit its host.
type Slot struct {
	Index      int       `json:"index"`
	State      SlotState `json:"state"`
	Claimant   string    `json:"claimant,omitempty"`
	Infeasible int       `json:"infeasible"`
	Entry      Entry     `json:"entry"`
}

// Cache is the claim/release contract. Claim returns false, not an error,
// when the slot is not PRESENT or no longer holds resultID. Release is only
// valid for the current claimant; releasing to SlotPresent puts the
// candidate back for other hosts and counts one infeasible attempt, while
// SlotEmpty frees the slot for the feeder. MarkInfeasible counts an attempt
// for a host that rejected the slot while scanning; it does nothing when
// the slot no longer holds resultID.
type Cache interface {
	Len() int
	Window(ctx context.Context, start, n int) ([]Slot, error)
	Claim(ctx context.Context, index int, worker string, resultID int64) (bool, error)
	Release(ctx context.Context, index int, worker string, to SlotState) error
	MarkInfeasible(ctx context.Context, index int, resultID int64) error
	Fill(ctx context.Context, index int, e Entry) error
}

// windowIndexes returns n slot indexes starting at start, wrapping around size.
func windowIndexes(size, start, n int) []int {
	if size == 0 {
		return nil
	}
	if n > size {
		n = size
	}
	start %= size
	if start < 0 {
		start += size
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = (start + i) % size
	}
	return idx
}
