package github

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/plugin"
)

// ghIssue is the JSON shape returned by gh issue view.
type ghIssue struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// Issue fetches a work item by number, #number or URL.
func (c *Client) Issue(ctx context.Context, project plugin.ProjectRef, ref string) (*plugin.Issue, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "#")
	if ref == "" {
		return nil, fmt.Errorf("empty issue reference")
	}

	out, err := c.run(ctx, "issue", "view", ref,
		"--repo", project.Repo,
		"--json", "number,url,title,body,labels,state")
	if err != nil {
		return nil, fmt.Errorf("view issue %s: %w", ref, err)
	}

	var raw ghIssue
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse issue: %w", err)
	}
	return convertIssue(raw), nil
}

// CreateIssue files a new work item and returns it with the number the host
// assigned.
func (c *Client) CreateIssue(ctx context.Context, project plugin.ProjectRef, req plugin.IssueRequest) (*plugin.Issue, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("issue title is required")
	}

	args := []string{"issue", "create",
		"--repo", project.Repo,
		"--title", req.Title,
		"--body", req.Body,
	}
	for _, label := range req.Labels {
		args = append(args, "--label", label)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}

	url := lastLine(out)
	number, err := issueNumber(url)
	if err != nil {
		c.logger.Warn("could not parse created issue URL", zap.String("output", out))
		return nil, err
	}

	c.logger.Info("issue created",
		zap.String("project", project.ID),
		zap.Int("number", number))

	return &plugin.Issue{
		Number: number,
		URL:    url,
		Title:  req.Title,
		Body:   req.Body,
		Labels: req.Labels,
		State:  "open",
	}, nil
}

func convertIssue(raw ghIssue) *plugin.Issue {
	labels := make([]string, len(raw.Labels))
	for i, l := range raw.Labels {
		labels[i] = l.Name
	}
	return &plugin.Issue{
		Number: raw.Number,
		URL:    raw.URL,
		Title:  raw.Title,
		Body:   raw.Body,
		Labels: labels,
		State:  strings.ToLower(raw.State),
	}
}

var issueURLPattern = regexp.MustCompile(`/issues/(\d+)`)

func issueNumber(url string) (int, error) {
	m := issueURLPattern.FindStringSubmatch(url)
	if m == nil {
		return 0, fmt.Errorf("not an issue URL: %s", url)
	}
	return strconv.Atoi(m[1])
}

// lastLine returns the final non-empty line of command output. gh issue
// create prints the new issue URL last.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
