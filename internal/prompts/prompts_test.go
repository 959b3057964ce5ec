package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gg-salo/fleet-commander/internal/plugin"
)

var testProject = plugin.ProjectRef{
	ID:            "api",
	Name:          "billing-api",
	Repo:          "acme/billing-api",
	Path:          "/src/billing-api",
	DefaultBranch: "main",
}

func TestCodingWithIssue(t *testing.T) {
	out := Coding(CodingParams{
		Project: testProject,
		Branch:  "fleet/api-1",
		Issue: &plugin.Issue{
			Number: 42,
			Title:  "Fix rounding in invoice totals",
			Body:   "Totals drift by one cent on multi-currency invoices.",
			URL:    "https://github.com/acme/billing-api/issues/42",
		},
		Lessons: []string{"unit-tests failed in 3 of the last 5 sessions"},
	})

	for _, want := range []string{
		"billing-api",
		"branch fleet/api-1",
		"issue #42: Fix rounding in invoice totals",
		"Totals drift by one cent",
		"Lessons from recent sessions",
		"unit-tests failed in 3 of the last 5 sessions",
		"pull request against main",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("coding prompt missing %q:\n%s", want, out)
		}
	}
}

func TestCodingAdHoc(t *testing.T) {
	out := Coding(CodingParams{
		Project:   testProject,
		Branch:    "fleet/api-2",
		Objective: "Upgrade the payment SDK to v3",
	})

	if !strings.Contains(out, "Objective: Upgrade the payment SDK to v3") {
		t.Errorf("missing ad-hoc objective:\n%s", out)
	}
	if strings.Contains(out, "issue #") {
		t.Errorf("ad-hoc prompt should not mention an issue:\n%s", out)
	}
}

func TestTaskPromptEnrichment(t *testing.T) {
	out := Task(TaskParams{
		Project:            testProject,
		Branch:             "fleet/api-3",
		Title:              "Extract tax calculation into its own package",
		AcceptanceCriteria: []string{"tax package has no import cycle"},
		Scope:              "small",
		AffectedFiles:      []string{"internal/tax/tax.go"},
		Constraints:        []string{"keep the public invoice API unchanged"},
		SharedContext:      "The plan splits billing into tax, ledger and export.",
		Siblings: []SiblingSession{
			{ID: "api-4", Title: "Ledger extraction", Branch: "fleet/api-4", Status: "working"},
		},
		DependencyDiffs: []DependencyDiff{
			{TaskTitle: "Introduce money type", PRURL: "https://github.com/acme/billing-api/pull/7", Additions: 120, Deletions: 30, ChangedFiles: 6},
		},
	})

	for _, want := range []string{
		"Task: Extract tax calculation",
		"Scope: small",
		"tax package has no import cycle",
		"internal/tax/tax.go",
		"keep the public invoice API unchanged",
		"The plan splits billing",
		"Introduce money type",
		"+120/-30 across 6 files",
		"api-4: Ledger extraction",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("task prompt missing %q:\n%s", want, out)
		}
	}
}

func TestPlanningPromptNamesOutputPath(t *testing.T) {
	out := Planning(PlanningParams{
		Project:    testProject,
		PlanID:     "plan-20260825-a1b2",
		Objective:  "Split the billing monolith",
		OutputPath: "/data/abc-api/plans/plan-20260825-a1b2-output.json",
	})

	if !strings.Contains(out, "/data/abc-api/plans/plan-20260825-a1b2-output.json") {
		t.Errorf("planning prompt must name the drop-box path:\n%s", out)
	}
	if !strings.Contains(out, `"dependencies": [0]`) {
		t.Errorf("planning prompt must document the JSON shape:\n%s", out)
	}
	if !strings.Contains(out, "Do not write any code") {
		t.Errorf("planning prompt must forbid code changes:\n%s", out)
	}
}

func TestReviewPromptInlinesTaskContext(t *testing.T) {
	out := Review(ReviewParams{
		Project:            testProject,
		PRURL:              "https://github.com/acme/billing-api/pull/9",
		PRNumber:           9,
		Branch:             "fleet/api-3",
		TaskTitle:          "Extract tax calculation",
		AcceptanceCriteria: []string{"no import cycle"},
		Constraints:        []string{"public API unchanged"},
	})

	for _, want := range []string{"pull request #9", "Extract tax calculation", "no import cycle", "APPROVE", "REQUEST_CHANGES"} {
		if !strings.Contains(out, want) {
			t.Errorf("review prompt missing %q:\n%s", want, out)
		}
	}
}

func TestAttemptAnalysis(t *testing.T) {
	out := AttemptAnalysis(
		[]string{"build", "unit-tests", "lint"},
		[]string{"unit-tests", "e2e"},
	)

	if !strings.Contains(out, "still failing: unit-tests") {
		t.Errorf("missing still-failing line:\n%s", out)
	}
	if !strings.Contains(out, "now passing: build, lint") {
		t.Errorf("missing now-passing line:\n%s", out)
	}
	if !strings.Contains(out, "new failures: e2e") {
		t.Errorf("missing new-failures line:\n%s", out)
	}
}

func TestAttemptAnalysisFirstAttempt(t *testing.T) {
	if out := AttemptAnalysis(nil, []string{"build"}); out != "" {
		t.Errorf("expected empty analysis on first attempt, got:\n%s", out)
	}
}

func TestAttemptAnalysisUnchanged(t *testing.T) {
	out := AttemptAnalysis([]string{"build"}, []string{"build"})
	if !strings.Contains(out, "still failing: build") {
		t.Errorf("expected still-failing line:\n%s", out)
	}
	if strings.Contains(out, "now passing") || strings.Contains(out, "new failures") {
		t.Errorf("unexpected diff lines:\n%s", out)
	}
}

func TestCIFixMessage(t *testing.T) {
	out := CIFixMessage(CIFixParams{
		BaseMessage:      "CI is red.",
		PRURL:            "https://github.com/acme/billing-api/pull/9",
		ClassifiedErrors: "### Build\n- `build`\n\nAction: Run the build locally and fix every compile error before pushing.\n",
		Size:             &plugin.PRSummary{Additions: 10, Deletions: 2, ChangedFiles: 3},
		SiblingNotes:     []string{"branch fleet/api-4 merged since your last push"},
		AttemptAnalysis:  "Compared with your previous fix attempt:\n- still failing: build\n",
		Attempt:          2,
	})

	for _, want := range []string{
		"CI is red.",
		"fix attempt 2",
		"still failing: build",
		"### Build",
		"PR size: +10/-2 across 3 files",
		"fleet/api-4 merged since your last push",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("ci fix message missing %q:\n%s", want, out)
		}
	}
}

func TestReviewFeedbackMessage(t *testing.T) {
	out := ReviewFeedbackMessage(ReviewFeedbackParams{
		PRURL: "https://github.com/acme/billing-api/pull/9",
		Reviews: []plugin.Review{
			{Author: "sam", State: "CHANGES_REQUESTED", Body: "Error handling swallows the root cause."},
		},
		Comments: []plugin.Comment{
			{Author: "sam", Path: "internal/tax/tax.go", Line: 40, Body: "wrap this error"},
		},
	})

	if !strings.Contains(out, "Error handling swallows the root cause.") {
		t.Errorf("missing review body:\n%s", out)
	}
	if !strings.Contains(out, "internal/tax/tax.go:40") {
		t.Errorf("missing comment location:\n%s", out)
	}
}

func TestLoadGuidance(t *testing.T) {
	dir := t.TempDir()
	content := "# Project rules\nAlways run make test before pushing.\n"
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got := LoadGuidance(dir)
	if !strings.Contains(got, "Always run make test") {
		t.Errorf("guidance not loaded: %q", got)
	}

	if got := LoadGuidance(t.TempDir()); got != "" {
		t.Errorf("expected empty guidance for bare dir, got %q", got)
	}
}

func TestLoadGuidanceTruncates(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("line\n", 200)
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte(long), 0o644); err != nil {
		t.Fatal(err)
	}

	got := LoadGuidance(dir)
	if !strings.HasSuffix(got, "[guidance truncated]") {
		t.Errorf("expected truncation marker, got tail %q", got[len(got)-40:])
	}
	if n := strings.Count(got, "\n"); n > guidanceMaxLines+1 {
		t.Errorf("excerpt too long: %d lines", n)
	}
}
