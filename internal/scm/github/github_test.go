package github

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/plugin"
)

const prURL = "https://github.com/acme/billing-api/pull/7"

var project = plugin.ProjectRef{
	ID:            "api",
	Name:          "billing-api",
	Repo:          "acme/billing-api",
	DefaultBranch: "main",
}

// stubClient returns a client whose gh invocations are answered by respond,
// plus the recorded argument lists.
func stubClient(t *testing.T, respond func(args []string) (string, error)) (*Client, *[][]string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)

	calls := &[][]string{}
	c := NewClient(log)
	c.run = func(_ context.Context, args ...string) (string, error) {
		*calls = append(*calls, args)
		return respond(args)
	}
	return c, calls
}

func TestDetectPRPrefersOpen(t *testing.T) {
	c, calls := stubClient(t, func(args []string) (string, error) {
		return `[
			{"number":9,"url":"https://github.com/acme/billing-api/pull/9","title":"redo","state":"CLOSED","headRefName":"fleet/api-1","baseRefName":"main"},
			{"number":7,"url":"` + prURL + `","title":"fix retries","state":"OPEN","headRefName":"fleet/api-1","baseRefName":"main"}
		]`, nil
	})

	pr, err := c.DetectPR(context.Background(), project, "fleet/api-1")
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, plugin.PRStateOpen, pr.State)
	assert.Equal(t, "fleet/api-1", pr.HeadBranch)

	args := (*calls)[0]
	assert.Contains(t, args, "--head")
	assert.Contains(t, args, "acme/billing-api")
}

func TestDetectPRFallsBackToMostRecentClosed(t *testing.T) {
	c, _ := stubClient(t, func(args []string) (string, error) {
		return `[{"number":9,"url":"u","title":"t","state":"MERGED","headRefName":"b","baseRefName":"main"}]`, nil
	})

	pr, err := c.DetectPR(context.Background(), project, "b")
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, plugin.PRStateMerged, pr.State)
}

func TestDetectPRNoneFound(t *testing.T) {
	c, _ := stubClient(t, func(args []string) (string, error) { return "[]", nil })

	pr, err := c.DetectPR(context.Background(), project, "fleet/api-2")
	require.NoError(t, err)
	assert.Nil(t, pr)
}

func TestPRStateMapping(t *testing.T) {
	for raw, want := range map[string]plugin.PRState{
		"OPEN":   plugin.PRStateOpen,
		"MERGED": plugin.PRStateMerged,
		"CLOSED": plugin.PRStateClosed,
	} {
		c, _ := stubClient(t, func(args []string) (string, error) {
			return `{"state":"` + raw + `"}`, nil
		})
		state, err := c.PRState(context.Background(), project, prURL)
		require.NoError(t, err)
		assert.Equal(t, want, state)
	}
}

func TestCISummary(t *testing.T) {
	tests := []struct {
		name   string
		rollup string
		want   plugin.CISummary
	}{
		{"no checks", `[]`, plugin.CINone},
		{
			"all passing",
			`[{"__typename":"CheckRun","name":"build","status":"COMPLETED","conclusion":"SUCCESS"},
			  {"__typename":"CheckRun","name":"docs","status":"COMPLETED","conclusion":"SKIPPED"}]`,
			plugin.CIPassing,
		},
		{
			"one failure wins",
			`[{"__typename":"CheckRun","name":"build","status":"COMPLETED","conclusion":"SUCCESS"},
			  {"__typename":"CheckRun","name":"unit","status":"COMPLETED","conclusion":"FAILURE"}]`,
			plugin.CIFailing,
		},
		{
			"running check is pending",
			`[{"__typename":"CheckRun","name":"build","status":"IN_PROGRESS","conclusion":""}]`,
			plugin.CIPending,
		},
		{
			"status context error is failing",
			`[{"__typename":"StatusContext","context":"ci/jenkins","state":"ERROR"}]`,
			plugin.CIFailing,
		},
		{
			"expected status context is pending",
			`[{"__typename":"StatusContext","context":"ci/jenkins","state":"EXPECTED"}]`,
			plugin.CIPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := stubClient(t, func(args []string) (string, error) {
				return `{"statusCheckRollup":` + tt.rollup + `}`, nil
			})
			got, err := c.CISummary(context.Background(), project, prURL)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCIChecksOrdersFailuresFirst(t *testing.T) {
	c, calls := stubClient(t, func(args []string) (string, error) {
		if args[0] == "pr" {
			return `{"headRefOid":"abc123"}`, nil
		}
		return `[
			{"name":"build","status":"completed","conclusion":"success","html_url":"https://ci/build"},
			{"name":"unit-tests","status":"completed","conclusion":"failure","output":{"summary":"### Lint\n2 tests failed"}},
			{"name":"deploy-preview","status":"queued","conclusion":null}
		]`, nil
	})

	checks, err := c.CIChecks(context.Background(), project, prURL)
	require.NoError(t, err)
	require.Len(t, checks, 3)

	assert.Equal(t, "unit-tests", checks[0].Name)
	assert.Equal(t, plugin.CheckStatusFail, checks[0].Status)
	assert.Contains(t, checks[0].Summary, "2 tests failed")
	assert.Equal(t, "deploy-preview", checks[1].Name)
	assert.Equal(t, plugin.CheckStatusPending, checks[1].Status)
	assert.Equal(t, "build", checks[2].Name)
	assert.Equal(t, plugin.CheckStatusPass, checks[2].Status)

	api := (*calls)[1]
	assert.Equal(t, "api", api[0])
	assert.Contains(t, api[1], "repos/acme/billing-api/commits/abc123/check-runs")
}

func TestReviewDecisionMapping(t *testing.T) {
	for raw, want := range map[string]plugin.ReviewDecision{
		"APPROVED":          plugin.ReviewApproved,
		"CHANGES_REQUESTED": plugin.ReviewChangesRequested,
		"REVIEW_REQUIRED":   plugin.ReviewPending,
		"":                  plugin.ReviewNone,
	} {
		c, _ := stubClient(t, func(args []string) (string, error) {
			return `{"reviewDecision":"` + raw + `"}`, nil
		})
		got, err := c.ReviewDecision(context.Background(), project, prURL)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReviews(t *testing.T) {
	c, calls := stubClient(t, func(args []string) (string, error) {
		return `[
			{"state":"CHANGES_REQUESTED","body":"Add tests","submitted_at":"2026-03-01T10:00:00Z","user":{"login":"sam"}},
			{"state":"APPROVED","body":"","submitted_at":"2026-03-01T12:00:00Z","user":{"login":"kim"}}
		]`, nil
	})

	reviews, err := c.Reviews(context.Background(), project, prURL)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, "sam", reviews[0].Author)
	assert.Equal(t, "CHANGES_REQUESTED", reviews[0].State)
	assert.True(t, reviews[0].SubmittedAt.Before(reviews[1].SubmittedAt))

	assert.Contains(t, (*calls)[0][1], "repos/acme/billing-api/pulls/7/reviews")
}

func TestPendingCommentsFiltersSettledThreads(t *testing.T) {
	c, calls := stubClient(t, func(args []string) (string, error) {
		return `{"data":{"repository":{"pullRequest":{"reviewThreads":{"nodes":[
			{"isResolved":true,"isOutdated":false,"comments":{"nodes":[{"author":{"login":"sam"},"path":"a.go","line":1,"body":"done already"}]}},
			{"isResolved":false,"isOutdated":true,"comments":{"nodes":[{"author":{"login":"sam"},"path":"b.go","line":2,"body":"stale"}]}},
			{"isResolved":false,"isOutdated":false,"comments":{"nodes":[{"author":{"login":"kim"},"path":"api/handler.go","line":42,"body":"nil check missing"}]}}
		]}}}}}`, nil
	})

	comments, err := c.PendingComments(context.Background(), project, prURL)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "kim", comments[0].Author)
	assert.Equal(t, "api/handler.go", comments[0].Path)
	assert.Equal(t, 42, comments[0].Line)

	args := (*calls)[0]
	assert.Equal(t, []string{"api", "graphql"}, args[:2])
	assert.Contains(t, strings.Join(args, " "), "number=7")
}

func TestMergeability(t *testing.T) {
	c, _ := stubClient(t, func(args []string) (string, error) {
		return `{"mergeable":"CONFLICTING","mergeStateStatus":"DIRTY"}`, nil
	})

	m, err := c.Mergeability(context.Background(), project, prURL)
	require.NoError(t, err)
	assert.False(t, m.Mergeable)
	assert.Equal(t, "dirty", m.State)
}

func TestPRSummary(t *testing.T) {
	c, _ := stubClient(t, func(args []string) (string, error) {
		return `{"additions":120,"deletions":30,"changedFiles":6}`, nil
	})

	s, err := c.PRSummary(context.Background(), project, prURL)
	require.NoError(t, err)
	assert.Equal(t, plugin.PRSummary{Additions: 120, Deletions: 30, ChangedFiles: 6}, s)
}

func TestRunErrorsPropagate(t *testing.T) {
	c, _ := stubClient(t, func(args []string) (string, error) {
		return "", errors.New("gh: not logged in")
	})

	_, err := c.PRState(context.Background(), project, prURL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not logged in")
}

func TestPRNumberParsing(t *testing.T) {
	n, err := prNumber(prURL)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = prNumber("https://github.com/acme/billing-api")
	assert.Error(t, err)
}

func TestSplitRepo(t *testing.T) {
	owner, name, err := splitRepo("acme/billing-api")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "billing-api", name)

	_, _, err = splitRepo("billing-api")
	assert.Error(t, err)
}

func TestIssueView(t *testing.T) {
	c, calls := stubClient(t, func(args []string) (string, error) {
		return `{"number":42,"url":"https://github.com/acme/billing-api/issues/42","title":"retry storm","body":"details","state":"OPEN","labels":[{"name":"bug"},{"name":"p1"}]}`, nil
	})

	issue, err := c.Issue(context.Background(), project, "#42")
	require.NoError(t, err)
	assert.Equal(t, 42, issue.Number)
	assert.Equal(t, []string{"bug", "p1"}, issue.Labels)
	assert.Equal(t, "open", issue.State)

	args := (*calls)[0]
	assert.Equal(t, "42", args[2], "leading # should be stripped")
}

func TestCreateIssue(t *testing.T) {
	c, calls := stubClient(t, func(args []string) (string, error) {
		return "Creating issue in acme/billing-api\n\nhttps://github.com/acme/billing-api/issues/43\n", nil
	})

	issue, err := c.CreateIssue(context.Background(), project, plugin.IssueRequest{
		Title:  "flaky deploy check",
		Body:   "seen twice this week",
		Labels: []string{"ci"},
	})
	require.NoError(t, err)
	assert.Equal(t, 43, issue.Number)
	assert.Equal(t, "https://github.com/acme/billing-api/issues/43", issue.URL)

	args := (*calls)[0]
	assert.Contains(t, args, "--label")
	assert.Contains(t, args, "ci")
}

func TestCreateIssueRejectsEmptyTitle(t *testing.T) {
	c, calls := stubClient(t, func(args []string) (string, error) { return "", nil })

	_, err := c.CreateIssue(context.Background(), project, plugin.IssueRequest{})
	require.Error(t, err)
	assert.Empty(t, *calls, "gh should not be invoked")
}
