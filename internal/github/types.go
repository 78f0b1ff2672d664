// Package github talks to GitHub through the gh CLI: trigger discovery, labels, comments, pull requests and merges.
package github

import (
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Issue is an open issue carrying the trigger label.
type Issue struct {
	Number      int
	Title       string
	Body        string
	TriggeredAt time.Time
}

// PullRequest is an open pull request carrying the trigger label.
type PullRequest struct {
	Number      int
	Title       string
	Body        string
	Branch      string
	BaseBranch  string
	TriggeredAt time.Time
}

// MergeRequest is an open pull request whose latest matching comment asks for a merge.
type MergeRequest struct {
	PRNumber     int
	Title        string
	Branch       string
	BaseBranch   string
	LinkedIssues []int
	TriggeredAt  time.Time
}

// PRRequest describes a pull request to open.
type PRRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// CIStatus is the combined verdict of commit statuses and check runs.
type CIStatus string

const (
	CIPending CIStatus = "pending"
	CIPassed  CIStatus = "passed"
	CIFailed  CIStatus = "failed"
)

// MergeResult reports the merge commit.
type MergeResult struct {
	SHA string
}

var linkPattern = regexp.MustCompile(`(?i)\b(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?|implement(?:s|ed)?)\s*:?\s+#(\d+)\b`)

// LinkedIssues extracts issue numbers referenced by closing keywords in a pull request body.
func LinkedIssues(body string) []int {
	seen := map[int]struct{}{}
	for _, match := range linkPattern.FindAllStringSubmatch(body, -1) {
		number, err := strconv.Atoi(match[1])
		if err != nil || number <= 0 {
			continue
		}
		seen[number] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	numbers := make([]int, 0, len(seen))
	for number := range seen {
		numbers = append(numbers, number)
	}
	sort.Ints(numbers)
	return numbers
}
