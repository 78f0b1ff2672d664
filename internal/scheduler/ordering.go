package scheduler

import (
	"sort"

	"github.com/cmtonkinson/clover/internal/state"
)

// AdmissionDecision captures whether a pending item got a slot and why.
type AdmissionDecision struct {
	Key      state.Key
	Selected bool
	Reason   string
}

// Admission summarizes one admission pass.
type Admission struct {
	Decisions []AdmissionDecision
	Selected  []state.WorkItem
}

// Admission reasons.
const (
	reasonSelected = "selected (slot available)"
	reasonInFlight = "skipped (already in flight)"
	reasonNoSlot   = "skipped (concurrency cap reached)"
)

// OrderedPending returns pending items oldest trigger first, then by kind, then by number.
func OrderedPending(items map[state.Key]state.WorkItem) []state.WorkItem {
	pending := make([]state.WorkItem, 0, len(items))
	for _, item := range items {
		if item.Status == state.StatusPending {
			pending = append(pending, item)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		left := pending[i]
		right := pending[j]
		if !left.CreatedAt.Equal(right.CreatedAt) {
			return left.CreatedAt.Before(right.CreatedAt)
		}
		if left.Kind != right.Kind {
			return left.Kind.Rank() < right.Kind.Rank()
		}
		return left.Number < right.Number
	})
	return pending
}

// Admit fills free slots strictly in order, skipping items already in flight.
func Admit(ordered []state.WorkItem, inflight map[state.Key]struct{}, maxConcurrent int) Admission {
	free := maxConcurrent - len(inflight)
	var admission Admission
	for _, item := range ordered {
		key := item.Key()
		switch {
		case isInFlight(inflight, key):
			admission.Decisions = append(admission.Decisions, AdmissionDecision{Key: key, Reason: reasonInFlight})
		case free <= 0:
			admission.Decisions = append(admission.Decisions, AdmissionDecision{Key: key, Reason: reasonNoSlot})
		default:
			free--
			admission.Decisions = append(admission.Decisions, AdmissionDecision{Key: key, Selected: true, Reason: reasonSelected})
			admission.Selected = append(admission.Selected, item)
		}
	}
	return admission
}

func isInFlight(inflight map[state.Key]struct{}, key state.Key) bool {
	_, ok := inflight[key]
	return ok
}
