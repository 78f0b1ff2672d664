// Package state defines work item types and the per-kind lifecycle state machine.
package state

import "fmt"

// Kind identifies which workflow drives a work item.
type Kind string

const (
	// KindIssueImplement turns a labeled issue into a pull request.
	KindIssueImplement Kind = "issue_implement"
	// KindPRReview runs checks and an agent review against a labeled pull request.
	KindPRReview Kind = "pr_review"
	// KindMerge verifies and merges a pull request on a comment command.
	KindMerge Kind = "merge"
)

// Kinds lists every work item kind in their tie-break order.
var Kinds = []Kind{KindIssueImplement, KindPRReview, KindMerge}

// Status labels the lifecycle position of a work item.
type Status string

const (
	// StatusPending indicates the item waits for a worker slot.
	StatusPending Status = "pending"
	// StatusImplementing indicates the agent is implementing an issue.
	StatusImplementing Status = "implementing"
	// StatusPRCreated indicates the pull request exists and follow-up bookkeeping is running.
	StatusPRCreated Status = "pr_created"
	// StatusDone indicates the issue was implemented and the pull request opened.
	StatusDone Status = "done"
	// StatusFailed indicates the item stopped on a classified failure.
	StatusFailed Status = "failed"
	// StatusChecking indicates commands or CI are being verified.
	StatusChecking Status = "checking"
	// StatusReviewing indicates the review agent is running.
	StatusReviewing Status = "reviewing"
	// StatusReviewed indicates review findings were posted.
	StatusReviewed Status = "reviewed"
	// StatusMerging indicates the merge call is in progress.
	StatusMerging Status = "merging"
	// StatusMerged indicates the pull request was merged.
	StatusMerged Status = "merged"
	// StatusAbandoned indicates the trigger disappeared before work started.
	StatusAbandoned Status = "abandoned"
)

type edges map[Status]map[Status]struct{}

// graphs holds the permitted transitions for each kind.
var graphs = map[Kind]edges{
	KindIssueImplement: {
		StatusPending: {
			StatusImplementing: {},
			StatusFailed:       {},
			StatusAbandoned:    {},
		},
		StatusImplementing: {
			StatusPRCreated: {},
			StatusFailed:    {},
			StatusPending:   {},
		},
		StatusPRCreated: {
			StatusDone:    {},
			StatusFailed:  {},
			StatusPending: {},
		},
		StatusDone:   {},
		StatusFailed: {},
		StatusAbandoned: {
			StatusPending: {},
		},
	},
	KindPRReview: {
		StatusPending: {
			StatusChecking:  {},
			StatusFailed:    {},
			StatusAbandoned: {},
		},
		StatusChecking: {
			StatusReviewing: {},
			StatusFailed:    {},
			StatusPending:   {},
		},
		StatusReviewing: {
			StatusReviewed: {},
			StatusFailed:   {},
			StatusPending:  {},
		},
		StatusReviewed: {},
		StatusFailed: {
			StatusPending: {},
		},
		StatusAbandoned: {
			StatusPending: {},
		},
	},
	KindMerge: {
		StatusPending: {
			StatusChecking:  {},
			StatusFailed:    {},
			StatusAbandoned: {},
		},
		StatusChecking: {
			StatusMerging: {},
			StatusFailed:  {},
			StatusPending: {},
		},
		StatusMerging: {
			StatusMerged:  {},
			StatusFailed:  {},
			StatusPending: {},
		},
		StatusMerged: {},
		StatusFailed: {
			StatusPending: {},
		},
		StatusAbandoned: {
			StatusPending: {},
		},
	},
}

var activeStatuses = map[Status]struct{}{
	StatusImplementing: {},
	StatusPRCreated:    {},
	StatusChecking:     {},
	StatusReviewing:    {},
	StatusMerging:      {},
}

var terminalStatuses = map[Status]struct{}{
	StatusDone:      {},
	StatusFailed:    {},
	StatusReviewed:  {},
	StatusMerged:    {},
	StatusAbandoned: {},
}

// Valid reports whether the kind is known.
func (kind Kind) Valid() bool {
	_, ok := graphs[kind]
	return ok
}

// Rank returns the tie-break position of the kind.
func (kind Kind) Rank() int {
	for i, candidate := range Kinds {
		if candidate == kind {
			return i
		}
	}
	return len(Kinds)
}

// ValidStatus reports whether the status belongs to the kind's graph.
func ValidStatus(kind Kind, status Status) bool {
	graph, ok := graphs[kind]
	if !ok {
		return false
	}
	_, ok = graph[status]
	return ok
}

// IsActive reports whether a worker is driving an item in this status.
func IsActive(status Status) bool {
	_, ok := activeStatuses[status]
	return ok
}

// IsTerminal reports whether the status ends the item's lifecycle.
func IsTerminal(status Status) bool {
	_, ok := terminalStatuses[status]
	return ok
}

// IsRetriggerable reports whether a fresh trigger may move a terminal item back to pending.
func IsRetriggerable(kind Kind, status Status) bool {
	return IsTerminal(status) && IsValidTransition(kind, status, StatusPending)
}

// IsValidTransition reports whether the kind's lifecycle allows the requested change.
func IsValidTransition(kind Kind, from Status, to Status) bool {
	if from == "" || to == "" {
		return false
	}
	graph, ok := graphs[kind]
	if !ok {
		return false
	}
	allowed, ok := graph[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// ValidateTransition returns an error when a lifecycle change is not allowed.
func ValidateTransition(kind Kind, from Status, to Status) error {
	if !IsValidTransition(kind, from, to) {
		return fmt.Errorf("invalid %s transition from %q to %q", kind, from, to)
	}
	return nil
}
