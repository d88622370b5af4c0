package validate

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/quorum/internal/storage"
)

// SetOutcome is the result of checking a set of results for consensus.
// Index fields refer to the slice passed to CheckSet.
type SetOutcome struct {
	Canonical int // -1 when no consensus was reached
	Valid     []int
	Invalid   []int
	Failed    []int // permanent Init failure
	Deferred  []int // transient Init failure
}

// Threshold is the number of mutually equivalent results that establishes
// consensus for a quorum of q.
func Threshold(q int) int {
	return q/2 + 1
}

// CheckSet looks for a result that at least Threshold(quorum) results,
// itself included, are equivalent to. Results whose Init fails
// transiently are left out and reported as Deferred. A transient Compare
// failure aborts the check with an error wrapping ErrTransient, so nothing
// is decided on partial information.
func CheckSet(ctx context.Context, cmp Comparator, results []storage.Result, quorum int) (SetOutcome, error) {
	out := SetOutcome{Canonical: -1}
	handles := make([]Handle, len(results))
	var usable []int
	for i := range results {
		h, err := cmp.Init(ctx, &results[i])
		switch {
		case err == nil:
			handles[i] = h
			usable = append(usable, i)
		case isPermanent(err):
			out.Failed = append(out.Failed, i)
		default:
			out.Deferred = append(out.Deferred, i)
		}
	}
	defer func() {
		for _, i := range usable {
			cmp.Cleanup(&results[i], handles[i])
		}
	}()

	need := Threshold(quorum)
	if len(usable) < need {
		return out, nil
	}

	for _, i := range usable {
		matches := []int{i}
		for _, j := range usable {
			if j == i {
				continue
			}
			ok, err := cmp.Compare(ctx, &results[i], handles[i], &results[j], handles[j])
			if err != nil {
				if isPermanent(err) {
					continue
				}
				return SetOutcome{Canonical: -1}, fmt.Errorf("compare %s with %s: %w", results[i].Name, results[j].Name, asTransient(err))
			}
			if ok {
				matches = append(matches, j)
			}
		}
		if len(matches) < need {
			continue
		}
		out.Canonical = i
		out.Valid = matches
		inMatch := make(map[int]bool, len(matches))
		for _, m := range matches {
			inMatch[m] = true
		}
		for _, j := range usable {
			if !inMatch[j] {
				out.Invalid = append(out.Invalid, j)
			}
		}
		return out, nil
	}
	return out, nil
}

// CheckPair compares r against the canonical result. Errors from Init or
// Compare are returned as is; callers classify them with ErrPermanent.
func CheckPair(ctx context.Context, cmp Comparator, canonical *storage.Result, hc Handle, r *storage.Result) (bool, error) {
	h, err := cmp.Init(ctx, r)
	if err != nil {
		return false, err
	}
	defer cmp.Cleanup(r, h)
	return cmp.Compare(ctx, canonical, hc, r, h)
}

func asTransient(err error) error {
	if isPermanent(err) {
		return err
	}
	return fmt.Errorf("%v: %w", err, ErrTransient)
}
