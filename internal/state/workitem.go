package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cmtonkinson/clover/internal/worktree"
)

// Key identifies a work item. The same number under different kinds is a different item.
type Key struct {
	Kind   Kind
	Number int
}

// String renders the key as "kind#number".
func (key Key) String() string {
	return fmt.Sprintf("%s#%d", key.Kind, key.Number)
}

// ParseKey parses the "kind#number" form produced by Key.String.
func ParseKey(value string) (Key, error) {
	kindPart, numberPart, ok := strings.Cut(strings.TrimSpace(value), "#")
	if !ok {
		return Key{}, fmt.Errorf("work item key %q must look like kind#number", value)
	}
	kind := Kind(kindPart)
	if !kind.Valid() {
		return Key{}, fmt.Errorf("unknown work item kind %q", kindPart)
	}
	number, err := strconv.Atoi(numberPart)
	if err != nil || number <= 0 {
		return Key{}, fmt.Errorf("work item number %q must be a positive integer", numberPart)
	}
	return Key{Kind: kind, Number: number}, nil
}

// kindSynonyms maps operator-facing names to kinds.
var kindSynonyms = map[string]Kind{
	"issue":           KindIssueImplement,
	"feature":         KindIssueImplement,
	"implement":       KindIssueImplement,
	"issue_implement": KindIssueImplement,
	"review":          KindPRReview,
	"pr":              KindPRReview,
	"pr_review":       KindPRReview,
	"merge":           KindMerge,
}

// ParseKind resolves a kind name or one of its synonyms.
func ParseKind(value string) (Kind, error) {
	kind, ok := kindSynonyms[strings.ToLower(strings.TrimSpace(value))]
	if !ok {
		return "", fmt.Errorf("unknown work item kind %q (use issue, review or merge)", value)
	}
	return kind, nil
}

// Result carries the externally visible products of a work item.
type Result struct {
	PRNumber     int     `json:"pr_number,omitempty"`
	Verdict      string  `json:"verdict,omitempty"`
	Summary      string  `json:"summary,omitempty"`
	MergeSHA     string  `json:"merge_sha,omitempty"`
	LinkedIssues []int   `json:"linked_issues,omitempty"`
	ClosedIssues []int   `json:"closed_issues,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// WorkItem is the persisted record for one unit of triggered work.
type WorkItem struct {
	Kind         Kind             `json:"kind"`
	Number       int              `json:"number"`
	Status       Status           `json:"status"`
	Title        string           `json:"title,omitempty"`
	Body         string           `json:"body,omitempty"`
	Branch       string           `json:"branch,omitempty"`
	BaseBranch   string           `json:"base_branch,omitempty"`
	Worktree     *worktree.Handle `json:"worktree,omitempty"`
	AttemptCount int              `json:"attempt_count"`
	LastError    string           `json:"last_error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Result       Result           `json:"result"`
}

// NewWorkItem returns a pending item observed at the trigger time.
func NewWorkItem(kind Kind, number int, triggeredAt time.Time) WorkItem {
	return WorkItem{
		Kind:      kind,
		Number:    number,
		Status:    StatusPending,
		CreatedAt: triggeredAt,
		UpdatedAt: triggeredAt,
	}
}

// Key returns the identity of the item.
func (item WorkItem) Key() Key {
	return Key{Kind: item.Kind, Number: item.Number}
}

// Active reports whether a worker currently drives the item.
func (item WorkItem) Active() bool {
	return IsActive(item.Status)
}

// Terminal reports whether the item reached the end of its lifecycle.
func (item WorkItem) Terminal() bool {
	return IsTerminal(item.Status)
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (item WorkItem) Clone() WorkItem {
	clone := item
	if item.Worktree != nil {
		handle := *item.Worktree
		clone.Worktree = &handle
	}
	if item.Result.LinkedIssues != nil {
		clone.Result.LinkedIssues = append([]int(nil), item.Result.LinkedIssues...)
	}
	if item.Result.ClosedIssues != nil {
		clone.Result.ClosedIssues = append([]int(nil), item.Result.ClosedIssues...)
	}
	return clone
}

// Transition moves the item to the next status after validating the edge.
func (item *WorkItem) Transition(to Status, now time.Time) error {
	if err := ValidateTransition(item.Kind, item.Status, to); err != nil {
		return err
	}
	item.Status = to
	item.UpdatedAt = now
	return nil
}

// Validate checks the structural invariants of a single item.
func (item WorkItem) Validate() error {
	if !item.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", item.Kind)
	}
	if item.Number <= 0 {
		return fmt.Errorf("%s: number must be positive", item.Key())
	}
	if !ValidStatus(item.Kind, item.Status) {
		return fmt.Errorf("%s: status %q is not part of the %s lifecycle", item.Key(), item.Status, item.Kind)
	}
	if item.Active() && item.Worktree == nil {
		return fmt.Errorf("%s: active status %q requires a worktree", item.Key(), item.Status)
	}
	if !item.Active() && item.Worktree != nil {
		return fmt.Errorf("%s: status %q must not hold a worktree", item.Key(), item.Status)
	}
	if item.Worktree != nil && item.Worktree.Owner != item.Key().String() {
		return fmt.Errorf("%s: worktree is owned by %q", item.Key(), item.Worktree.Owner)
	}
	return nil
}

// ErrWorktreeShared reports two live items pointing at the same worktree.
var ErrWorktreeShared = errors.New("worktree referenced by more than one work item")

// ValidateSet checks cross-item invariants over a full snapshot.
func ValidateSet(items map[Key]WorkItem) error {
	owners := make(map[string]Key, len(items))
	for key, item := range items {
		if key != item.Key() {
			return fmt.Errorf("item %s stored under key %s", item.Key(), key)
		}
		if err := item.Validate(); err != nil {
			return err
		}
		if item.Worktree == nil {
			continue
		}
		if other, ok := owners[item.Worktree.Path]; ok {
			return fmt.Errorf("%w: %s and %s share %s", ErrWorktreeShared, other, key, item.Worktree.Path)
		}
		owners[item.Worktree.Path] = key
	}
	return nil
}
