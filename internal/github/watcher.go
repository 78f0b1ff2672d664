package github

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

type apiLabel struct {
	Name string `json:"name"`
}

type apiIssue struct {
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
	Labels      []apiLabel `json:"labels"`
	PullRequest *struct{}  `json:"pull_request"`
}

type apiRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type apiPull struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	Labels    []apiLabel `json:"labels"`
	Head      apiRef     `json:"head"`
	Base      apiRef     `json:"base"`
}

type apiEvent struct {
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
	Label     apiLabel  `json:"label"`
}

type apiComment struct {
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ListReadyIssues returns open issues carrying the trigger label, oldest trigger first.
func (client *Client) ListReadyIssues(ctx context.Context) ([]Issue, error) {
	query := url.Values{}
	query.Set("labels", client.label)
	query.Set("state", "open")
	query.Set("sort", "created")
	query.Set("direction", "asc")
	query.Set("per_page", "100")
	var raw []apiIssue
	if err := list(ctx, client, "list issues", client.path("issues?"+query.Encode()), &raw); err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(raw))
	for _, item := range raw {
		if item.PullRequest != nil {
			continue
		}
		issues = append(issues, Issue{
			Number:      item.Number,
			Title:       item.Title,
			Body:        item.Body,
			TriggeredAt: client.labeledAt(ctx, item.Number, item.CreatedAt),
		})
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].TriggeredAt.Before(issues[j].TriggeredAt) })
	return issues, nil
}

// ListTriggeredPRs returns open pull requests carrying the trigger label.
func (client *Client) ListTriggeredPRs(ctx context.Context) ([]PullRequest, error) {
	pulls, err := client.openPulls(ctx)
	if err != nil {
		return nil, err
	}
	var prs []PullRequest
	for _, pull := range pulls {
		if !hasLabel(pull.Labels, client.label) {
			continue
		}
		prs = append(prs, PullRequest{
			Number:      pull.Number,
			Title:       pull.Title,
			Body:        pull.Body,
			Branch:      pull.Head.Ref,
			BaseBranch:  pull.Base.Ref,
			TriggeredAt: client.labeledAt(ctx, pull.Number, pull.CreatedAt),
		})
	}
	return prs, nil
}

// ListMergeRequests returns open pull requests whose comments contain the merge trigger.
// An empty trigger disables merge discovery.
func (client *Client) ListMergeRequests(ctx context.Context) ([]MergeRequest, error) {
	if client.mergeTrigger == "" {
		return nil, nil
	}
	pulls, err := client.openPulls(ctx)
	if err != nil {
		return nil, err
	}
	var requests []MergeRequest
	for _, pull := range pulls {
		var comments []apiComment
		path := client.path(fmt.Sprintf("issues/%d/comments?per_page=100", pull.Number))
		if err := list(ctx, client, "list comments", path, &comments); err != nil {
			return nil, err
		}
		requestedAt, ok := latestTrigger(comments, client.mergeTrigger)
		if !ok {
			continue
		}
		requests = append(requests, MergeRequest{
			PRNumber:     pull.Number,
			Title:        pull.Title,
			Branch:       pull.Head.Ref,
			BaseBranch:   pull.Base.Ref,
			LinkedIssues: LinkedIssues(pull.Body),
			TriggeredAt:  requestedAt,
		})
	}
	return requests, nil
}

// AddLabel applies a label to an issue or pull request.
func (client *Client) AddLabel(ctx context.Context, number int, label string) error {
	body := map[string][]string{"labels": {label}}
	return client.api(ctx, "add label", "POST", client.path(fmt.Sprintf("issues/%d/labels", number)), body, nil)
}

// RemoveLabel removes a label; a label that is already gone is not an error.
func (client *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	path := client.path(fmt.Sprintf("issues/%d/labels/%s", number, url.PathEscape(label)))
	err := client.api(ctx, "remove label", "DELETE", path, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// PostComment adds a comment to an issue or pull request.
func (client *Client) PostComment(ctx context.Context, number int, body string) error {
	payload := map[string]string{"body": body}
	return client.api(ctx, "post comment", "POST", client.path(fmt.Sprintf("issues/%d/comments", number)), payload, nil)
}

// CreatePR opens a pull request and returns its number.
func (client *Client) CreatePR(ctx context.Context, req PRRequest) (int, error) {
	payload := map[string]string{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.Head,
		"base":  req.Base,
	}
	var created struct {
		Number int `json:"number"`
	}
	if err := client.api(ctx, "create pull request", "POST", client.path("pulls"), payload, &created); err != nil {
		return 0, err
	}
	if created.Number <= 0 {
		return 0, &CollaboratorError{Op: "create pull request", Attempts: 1, Err: fmt.Errorf("response carried no pull request number")}
	}
	return created.Number, nil
}

// MergePR merges a pull request with the given strategy (the client default when empty).
// A non-empty headSHA makes GitHub refuse the merge if the head has moved since it was checked.
func (client *Client) MergePR(ctx context.Context, number int, strategy string, headSHA string) (MergeResult, error) {
	if strategy == "" {
		strategy = client.mergeStrategy
	}
	payload := map[string]string{"merge_method": strategy}
	if headSHA != "" {
		payload["sha"] = headSHA
	}
	var merged struct {
		SHA    string `json:"sha"`
		Merged bool   `json:"merged"`
	}
	if err := client.api(ctx, "merge pull request", "PUT", client.path(fmt.Sprintf("pulls/%d/merge", number)), payload, &merged); err != nil {
		return MergeResult{}, err
	}
	return MergeResult{SHA: merged.SHA}, nil
}

// CIStatus combines commit statuses and check runs on the pull request head.
// A head with neither counts as passed.
func (client *Client) CIStatus(ctx context.Context, number int) (CIStatus, error) {
	var pull apiPull
	if err := client.api(ctx, "get pull request", "GET", client.path(fmt.Sprintf("pulls/%d", number)), nil, &pull); err != nil {
		return "", err
	}
	sha := pull.Head.SHA
	var combined struct {
		State      string `json:"state"`
		TotalCount int    `json:"total_count"`
	}
	if err := client.api(ctx, "get commit status", "GET", client.path("commits/"+sha+"/status"), nil, &combined); err != nil {
		return "", err
	}
	var checks struct {
		TotalCount int `json:"total_count"`
		CheckRuns  []struct {
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"check_runs"`
	}
	if err := client.api(ctx, "list check runs", "GET", client.path("commits/"+sha+"/check-runs?per_page=100"), nil, &checks); err != nil {
		return "", err
	}

	pending := false
	if combined.TotalCount > 0 {
		switch combined.State {
		case "failure", "error":
			return CIFailed, nil
		case "pending":
			pending = true
		}
	}
	for _, run := range checks.CheckRuns {
		if run.Status != "completed" {
			pending = true
			continue
		}
		switch run.Conclusion {
		case "failure", "cancelled", "timed_out", "action_required":
			return CIFailed, nil
		}
	}
	if pending {
		return CIPending, nil
	}
	return CIPassed, nil
}

// DeleteBranch removes a branch from the remote; an already deleted branch is not an error.
func (client *Client) DeleteBranch(ctx context.Context, branch string) error {
	err := client.api(ctx, "delete branch", "DELETE", client.path("git/refs/heads/"+branch), nil, nil)
	if err == nil || IsNotFound(err) {
		return nil
	}
	// 422 means the reference no longer exists.
	var collabErr *CollaboratorError
	if errors.As(err, &collabErr) && collabErr.Status == 422 {
		return nil
	}
	return err
}

// CloseIssue closes an issue.
func (client *Client) CloseIssue(ctx context.Context, number int) error {
	payload := map[string]string{"state": "closed", "state_reason": "completed"}
	return client.api(ctx, "close issue", "PATCH", client.path(fmt.Sprintf("issues/%d", number)), payload, nil)
}

// IssueURL links to an issue or pull request in the web UI.
func (client *Client) IssueURL(number int) string {
	return fmt.Sprintf("https://github.com/%s/issues/%d", client.repo, number)
}

func (client *Client) openPulls(ctx context.Context) ([]apiPull, error) {
	var pulls []apiPull
	if err := list(ctx, client, "list pull requests", client.path("pulls?state=open&per_page=100"), &pulls); err != nil {
		return nil, err
	}
	return pulls, nil
}

// labeledAt returns when the trigger label was last applied, falling back to creation time.
func (client *Client) labeledAt(ctx context.Context, number int, fallback time.Time) time.Time {
	var events []apiEvent
	path := client.path(fmt.Sprintf("issues/%d/events?per_page=100", number))
	if err := list(ctx, client, "list events", path, &events); err != nil {
		client.logger.Debug("label events unavailable", zap.Int("number", number), zap.Error(err))
		return fallback
	}
	var latest time.Time
	for _, event := range events {
		if event.Event == "labeled" && event.Label.Name == client.label && event.CreatedAt.After(latest) {
			latest = event.CreatedAt
		}
	}
	if latest.IsZero() {
		return fallback
	}
	return latest
}

func (client *Client) path(suffix string) string {
	return "repos/" + client.repo + "/" + suffix
}

// latestTrigger finds the newest comment with a line equal to trigger.
func latestTrigger(comments []apiComment, trigger string) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, comment := range comments {
		for _, line := range strings.Split(comment.Body, "\n") {
			if strings.TrimSpace(line) != trigger {
				continue
			}
			if !found || comment.CreatedAt.After(latest) {
				latest = comment.CreatedAt
				found = true
			}
			break
		}
	}
	return latest, found
}

func hasLabel(labels []apiLabel, name string) bool {
	for _, label := range labels {
		if strings.EqualFold(label.Name, name) {
			return true
		}
	}
	return false
}
