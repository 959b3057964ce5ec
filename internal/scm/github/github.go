// Package github answers pull request and issue questions through the gh
// CLI. Authentication, hosts and proxies stay gh's problem; this package
// only shells out and parses JSON.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/plugin"
)

const pluginName = "github"

// runFunc executes a gh invocation and returns stdout. Swapped out in tests.
type runFunc func(ctx context.Context, args ...string) (string, error)

// Client implements the SCM and tracker slots on top of the gh CLI.
type Client struct {
	run    runFunc
	logger *logger.Logger
}

// NewClient creates the gh-backed client.
func NewClient(log *logger.Logger) *Client {
	return &Client{
		run:    ghRun,
		logger: log.WithFields(zap.String("component", "scm-github")),
	}
}

// Available reports whether the gh CLI is installed.
func Available() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

func (c *Client) Name() string { return pluginName }

// ghRun executes a gh CLI command. Stderr is captured separately so error
// text never contaminates JSON on stdout.
func ghRun(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// ghPR is the JSON shape returned by gh pr list/view.
type ghPR struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	State       string `json:"state"`
	HeadRefName string `json:"headRefName"`
	BaseRefName string `json:"baseRefName"`
	IsDraft     bool   `json:"isDraft"`
}

func convertPR(raw ghPR) plugin.PR {
	return plugin.PR{
		Number:     raw.Number,
		URL:        raw.URL,
		Title:      raw.Title,
		State:      convertPRState(raw.State),
		HeadBranch: raw.HeadRefName,
		BaseBranch: raw.BaseRefName,
		IsDraft:    raw.IsDraft,
	}
}

func convertPRState(state string) plugin.PRState {
	switch strings.ToUpper(state) {
	case "MERGED":
		return plugin.PRStateMerged
	case "CLOSED":
		return plugin.PRStateClosed
	default:
		return plugin.PRStateOpen
	}
}

const prListFields = "number,url,title,state,headRefName,baseRefName,isDraft"

// DetectPR finds the pull request for a branch. Open pull requests win over
// closed ones; among closed ones the most recent is returned, so a session
// whose pull request was just merged still resolves it.
func (c *Client) DetectPR(ctx context.Context, project plugin.ProjectRef, branch string) (*plugin.PR, error) {
	out, err := c.run(ctx, "pr", "list",
		"--repo", project.Repo,
		"--head", branch,
		"--state", "all",
		"--json", prListFields,
		"--limit", "10")
	if err != nil {
		return nil, fmt.Errorf("detect PR for branch %q: %w", branch, err)
	}

	var raw []ghPR
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse PR list: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	for _, r := range raw {
		if convertPRState(r.State) == plugin.PRStateOpen {
			pr := convertPR(r)
			return &pr, nil
		}
	}
	pr := convertPR(raw[0])
	return &pr, nil
}

// ListOpenPRs returns all open pull requests for the project.
func (c *Client) ListOpenPRs(ctx context.Context, project plugin.ProjectRef) ([]plugin.PR, error) {
	out, err := c.run(ctx, "pr", "list",
		"--repo", project.Repo,
		"--state", "open",
		"--json", prListFields)
	if err != nil {
		return nil, fmt.Errorf("list open PRs: %w", err)
	}

	var raw []ghPR
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse PR list: %w", err)
	}
	prs := make([]plugin.PR, len(raw))
	for i, r := range raw {
		prs[i] = convertPR(r)
	}
	return prs, nil
}

// PRState reports whether a pull request is open, merged or closed.
func (c *Client) PRState(ctx context.Context, _ plugin.ProjectRef, prURL string) (plugin.PRState, error) {
	out, err := c.run(ctx, "pr", "view", prURL, "--json", "state")
	if err != nil {
		return "", fmt.Errorf("PR state: %w", err)
	}
	var raw struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return "", fmt.Errorf("parse PR state: %w", err)
	}
	return convertPRState(raw.State), nil
}

// rollupEntry is one statusCheckRollup item. GitHub mixes two shapes in the
// rollup: CheckRun (Actions) uses name/status/conclusion, StatusContext
// (external CI) uses context/state.
type rollupEntry struct {
	TypeName   string `json:"__typename"`
	Name       string `json:"name"`
	Context    string `json:"context"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	State      string `json:"state"`
	DetailsURL string `json:"detailsUrl"`
	TargetURL  string `json:"targetUrl"`
}

func (e rollupEntry) failed() bool {
	switch strings.ToUpper(e.Conclusion) {
	case "FAILURE", "TIMED_OUT", "CANCELLED", "ACTION_REQUIRED", "STARTUP_FAILURE":
		return true
	}
	switch strings.ToUpper(e.State) {
	case "FAILURE", "ERROR":
		return true
	}
	return false
}

func (e rollupEntry) pending() bool {
	if e.TypeName == "StatusContext" {
		state := strings.ToUpper(e.State)
		return state == "PENDING" || state == "EXPECTED"
	}
	return strings.ToUpper(e.Status) != "COMPLETED"
}

// CISummary collapses the check rollup into one signal. Skipped and neutral
// checks count as passing.
func (c *Client) CISummary(ctx context.Context, _ plugin.ProjectRef, prURL string) (plugin.CISummary, error) {
	out, err := c.run(ctx, "pr", "view", prURL, "--json", "statusCheckRollup")
	if err != nil {
		return "", fmt.Errorf("CI summary: %w", err)
	}
	var raw struct {
		StatusCheckRollup []rollupEntry `json:"statusCheckRollup"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return "", fmt.Errorf("parse check rollup: %w", err)
	}

	if len(raw.StatusCheckRollup) == 0 {
		return plugin.CINone, nil
	}
	summary := plugin.CIPassing
	for _, e := range raw.StatusCheckRollup {
		if e.failed() {
			return plugin.CIFailing, nil
		}
		if e.pending() {
			summary = plugin.CIPending
		}
	}
	return summary, nil
}

// ghCheckRun is the JSON shape from the check-runs API.
type ghCheckRun struct {
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Conclusion *string `json:"conclusion"`
	HTMLURL    string  `json:"html_url"`
	Output     struct {
		Summary *string `json:"summary"`
	} `json:"output"`
}

// CIChecks returns individual check runs with their output summaries,
// failing checks first. Only checks reported through the check-runs API
// carry summaries; legacy commit statuses do not appear here.
func (c *Client) CIChecks(ctx context.Context, project plugin.ProjectRef, prURL string) ([]plugin.CheckRun, error) {
	out, err := c.run(ctx, "pr", "view", prURL, "--json", "headRefOid")
	if err != nil {
		return nil, fmt.Errorf("CI checks: %w", err)
	}
	var head struct {
		HeadRefOid string `json:"headRefOid"`
	}
	if err := json.Unmarshal([]byte(out), &head); err != nil {
		return nil, fmt.Errorf("parse head ref: %w", err)
	}

	out, err = c.run(ctx, "api",
		fmt.Sprintf("repos/%s/commits/%s/check-runs", project.Repo, head.HeadRefOid),
		"--paginate",
		"--jq", ".check_runs")
	if err != nil {
		return nil, fmt.Errorf("list check runs: %w", err)
	}

	var raw []ghCheckRun
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse check runs: %w", err)
	}

	checks := make([]plugin.CheckRun, len(raw))
	for i, r := range raw {
		check := plugin.CheckRun{Name: r.Name, URL: r.HTMLURL, Status: plugin.CheckStatusPending}
		if strings.EqualFold(r.Status, "completed") && r.Conclusion != nil {
			switch strings.ToLower(*r.Conclusion) {
			case "failure", "timed_out", "cancelled", "action_required", "startup_failure":
				check.Status = plugin.CheckStatusFail
			default:
				check.Status = plugin.CheckStatusPass
			}
		}
		if r.Output.Summary != nil {
			check.Summary = *r.Output.Summary
		}
		checks[i] = check
	}

	rank := map[string]int{plugin.CheckStatusFail: 0, plugin.CheckStatusPending: 1, plugin.CheckStatusPass: 2}
	sort.SliceStable(checks, func(i, j int) bool {
		return rank[checks[i].Status] < rank[checks[j].Status]
	})
	return checks, nil
}

// ReviewDecision reports the aggregate review state.
func (c *Client) ReviewDecision(ctx context.Context, _ plugin.ProjectRef, prURL string) (plugin.ReviewDecision, error) {
	out, err := c.run(ctx, "pr", "view", prURL, "--json", "reviewDecision")
	if err != nil {
		return "", fmt.Errorf("review decision: %w", err)
	}
	var raw struct {
		ReviewDecision string `json:"reviewDecision"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return "", fmt.Errorf("parse review decision: %w", err)
	}

	switch strings.ToUpper(raw.ReviewDecision) {
	case "APPROVED":
		return plugin.ReviewApproved, nil
	case "CHANGES_REQUESTED":
		return plugin.ReviewChangesRequested, nil
	case "REVIEW_REQUIRED":
		return plugin.ReviewPending, nil
	default:
		return plugin.ReviewNone, nil
	}
}

// ghReview is the JSON shape from the reviews API.
type ghReview struct {
	State       string    `json:"state"`
	Body        string    `json:"body"`
	SubmittedAt time.Time `json:"submitted_at"`
	User        struct {
		Login string `json:"login"`
	} `json:"user"`
}

// Reviews returns submitted reviews, oldest first.
func (c *Client) Reviews(ctx context.Context, project plugin.ProjectRef, prURL string) ([]plugin.Review, error) {
	number, err := prNumber(prURL)
	if err != nil {
		return nil, err
	}
	out, err := c.run(ctx, "api",
		fmt.Sprintf("repos/%s/pulls/%d/reviews", project.Repo, number),
		"--paginate")
	if err != nil {
		return nil, fmt.Errorf("list PR reviews: %w", err)
	}

	var raw []ghReview
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse reviews: %w", err)
	}
	reviews := make([]plugin.Review, len(raw))
	for i, r := range raw {
		reviews[i] = plugin.Review{
			Author:      r.User.Login,
			State:       r.State,
			Body:        r.Body,
			SubmittedAt: r.SubmittedAt,
		}
	}
	return reviews, nil
}

const reviewThreadsQuery = `query($owner:String!,$name:String!,$number:Int!){repository(owner:$owner,name:$name){pullRequest(number:$number){reviewThreads(first:100){nodes{isResolved isOutdated comments(first:1){nodes{author{login} path line body}}}}}}}`

// PendingComments returns the root comment of every unresolved, current
// review thread. Resolved and outdated threads are settled conversations and
// never forwarded to the agent.
func (c *Client) PendingComments(ctx context.Context, project plugin.ProjectRef, prURL string) ([]plugin.Comment, error) {
	owner, name, err := splitRepo(project.Repo)
	if err != nil {
		return nil, err
	}
	number, err := prNumber(prURL)
	if err != nil {
		return nil, err
	}

	out, err := c.run(ctx, "api", "graphql",
		"-f", "query="+reviewThreadsQuery,
		"-F", "owner="+owner,
		"-F", "name="+name,
		"-F", "number="+strconv.Itoa(number))
	if err != nil {
		return nil, fmt.Errorf("list review threads: %w", err)
	}

	var raw struct {
		Data struct {
			Repository struct {
				PullRequest struct {
					ReviewThreads struct {
						Nodes []struct {
							IsResolved bool `json:"isResolved"`
							IsOutdated bool `json:"isOutdated"`
							Comments   struct {
								Nodes []struct {
									Author struct {
										Login string `json:"login"`
									} `json:"author"`
									Path string `json:"path"`
									Line int    `json:"line"`
									Body string `json:"body"`
								} `json:"nodes"`
							} `json:"comments"`
						} `json:"nodes"`
					} `json:"reviewThreads"`
				} `json:"pullRequest"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse review threads: %w", err)
	}

	var comments []plugin.Comment
	for _, thread := range raw.Data.Repository.PullRequest.ReviewThreads.Nodes {
		if thread.IsResolved || thread.IsOutdated || len(thread.Comments.Nodes) == 0 {
			continue
		}
		root := thread.Comments.Nodes[0]
		comments = append(comments, plugin.Comment{
			Author: root.Author.Login,
			Path:   root.Path,
			Line:   root.Line,
			Body:   root.Body,
		})
	}
	return comments, nil
}

// Mergeability reports whether the pull request can merge cleanly.
func (c *Client) Mergeability(ctx context.Context, _ plugin.ProjectRef, prURL string) (plugin.Mergeability, error) {
	out, err := c.run(ctx, "pr", "view", prURL, "--json", "mergeable,mergeStateStatus")
	if err != nil {
		return plugin.Mergeability{}, fmt.Errorf("mergeability: %w", err)
	}
	var raw struct {
		Mergeable        string `json:"mergeable"`
		MergeStateStatus string `json:"mergeStateStatus"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return plugin.Mergeability{}, fmt.Errorf("parse mergeability: %w", err)
	}
	return plugin.Mergeability{
		Mergeable: strings.EqualFold(raw.Mergeable, "MERGEABLE"),
		State:     strings.ToLower(raw.MergeStateStatus),
	}, nil
}

// PRSummary returns the size of the change set.
func (c *Client) PRSummary(ctx context.Context, _ plugin.ProjectRef, prURL string) (plugin.PRSummary, error) {
	out, err := c.run(ctx, "pr", "view", prURL, "--json", "additions,deletions,changedFiles")
	if err != nil {
		return plugin.PRSummary{}, fmt.Errorf("PR summary: %w", err)
	}
	var raw struct {
		Additions    int `json:"additions"`
		Deletions    int `json:"deletions"`
		ChangedFiles int `json:"changedFiles"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return plugin.PRSummary{}, fmt.Errorf("parse PR summary: %w", err)
	}
	return plugin.PRSummary{
		Additions:    raw.Additions,
		Deletions:    raw.Deletions,
		ChangedFiles: raw.ChangedFiles,
	}, nil
}

var prURLPattern = regexp.MustCompile(`/pull/(\d+)`)

// prNumber extracts the pull request number from its URL.
func prNumber(prURL string) (int, error) {
	m := prURLPattern.FindStringSubmatch(prURL)
	if m == nil {
		return 0, fmt.Errorf("not a pull request URL: %s", prURL)
	}
	return strconv.Atoi(m[1])
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("repo must be owner/name: " + repo)
	}
	return parts[0], parts[1], nil
}
