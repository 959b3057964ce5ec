package prompts

import (
	"fmt"
	"strings"

	"github.com/gg-salo/fleet-commander/internal/plugin"
)

// planOutputSchema documents the JSON the planning agent must write. It has
// to stay in sync with the plan service's output parser.
const planOutputSchema = `{
  "tasks": [
    {
      "title": "short imperative title",
      "description": "what to build and how to verify it",
      "acceptanceCriteria": ["observable outcome"],
      "scope": "small | medium",
      "dependencies": [0],
      "affectedFiles": ["path/relative/to/repo"],
      "constraints": ["hard requirement"]
    }
  ],
  "sharedContext": "context every task session should know"
}`

// PlanningParams feeds the prompt for a planning session.
type PlanningParams struct {
	Project   plugin.ProjectRef
	PlanID    string
	Objective string
	// OutputPath is the absolute path the plan JSON must be written to.
	OutputPath string
	Guidance   string
}

// Planning builds the prompt for a planning session. The agent decomposes
// the objective into parallelizable tasks and writes them to OutputPath;
// the plan service picks the file up from there.
func Planning(p PlanningParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are planning work for %s (plan %s).\n\n", p.Project.Name, p.PlanID)
	fmt.Fprintf(&b, "Objective: %s\n\n", strings.TrimSpace(p.Objective))

	b.WriteString(`Explore the repository and decompose the objective into tasks that
independent agents can execute in parallel. Rules:
- Each task must be completable in one session and reviewable as one PR.
- Scope each task "small" or "medium"; split anything larger.
- Use the dependencies array (indexes into tasks) only where one task
  genuinely needs another task's merged changes.
- Keep the file sets of independent tasks disjoint where possible.
- List affected files per task so sessions can avoid each other.

Do not write any code and do not modify the repository.
`)

	fmt.Fprintf(&b, "\nWhen the plan is complete, write it as JSON to exactly this path:\n%s\n", p.OutputPath)
	fmt.Fprintf(&b, "\nRequired JSON shape:\n%s\n", planOutputSchema)

	writeGuidance(&b, p.Guidance)
	return b.String()
}

// ReviewParams feeds the prompt for a review session.
type ReviewParams struct {
	Project  plugin.ProjectRef
	PRURL    string
	PRNumber int
	Branch   string

	// Task context, present when the PR implements a plan task.
	TaskTitle          string
	AcceptanceCriteria []string
	AffectedFiles      []string
	Constraints        []string
}

// Review builds the prompt for a review session spawned against a fresh PR.
func Review(p ReviewParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Review pull request #%d on %s: %s\n", p.PRNumber, p.Project.Name, p.PRURL)
	fmt.Fprintf(&b, "Branch under review: %s\n", p.Branch)

	if p.TaskTitle != "" {
		fmt.Fprintf(&b, "\nThe PR implements the task: %s\n", p.TaskTitle)
	}
	writeList(&b, "Acceptance criteria to verify", p.AcceptanceCriteria)
	writeList(&b, "Files the task was scoped to", p.AffectedFiles)
	writeList(&b, "Constraints the change must respect", p.Constraints)

	b.WriteString(`
Read the full diff and judge correctness, scope discipline and test
coverage. Then submit exactly one review on the PR:
- APPROVE when the change meets its criteria.
- REQUEST_CHANGES with concrete, actionable comments otherwise.
Include the verdict word (APPROVE or REQUEST_CHANGES) in the review body.
`)
	return b.String()
}

// RetrospectiveParams feeds the prompt for a retrospective session.
type RetrospectiveParams struct {
	Project plugin.ProjectRef
	// Summary is the pre-rendered outcome history the session analyzes.
	Summary string
	// OutputHint names where lessons should be recorded.
	OutputHint string
}

// Retrospective builds the prompt for a retrospective session spawned after
// a run of poor outcomes.
func Retrospective(p RetrospectiveParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run a retrospective for %s.\n\n", p.Project.Name)
	b.WriteString("Recent session outcomes:\n")
	b.WriteString(strings.TrimSpace(p.Summary))
	b.WriteString("\n\nIdentify the recurring failure causes behind these outcomes and propose\nconcrete countermeasures: guidance wording, CI gaps, task scoping.\n")
	if p.OutputHint != "" {
		fmt.Fprintf(&b, "Record your findings in %s.\n", p.OutputHint)
	}
	return b.String()
}

// ReconciliationParams feeds the prompt for a reconciliation session.
type ReconciliationParams struct {
	Project plugin.ProjectRef
	PlanID  string
	Branch  string
	// MergedBranches lists the task branches the plan merged.
	MergedBranches []string
}

// Reconciliation builds the prompt for the integration session spawned when
// every task of a plan has merged.
func Reconciliation(p ReconciliationParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "All tasks of plan %s on %s have merged.\n\n", p.PlanID, p.Project.Name)
	fmt.Fprintf(&b, "You are on integration branch %s, created from %s with every task branch merged in.\n",
		p.Branch, p.Project.DefaultBranch)

	writeList(&b, "Merged task branches", p.MergedBranches)

	b.WriteString(`
Verify the combined changes work together:
- Build the project and run the full test suite.
- Exercise the seams between the merged changes; that is where parallel
  work breaks.
- Fix integration problems directly on this branch and open a PR if any
  fixes were needed. If everything passes cleanly, say so and stop.
`)
	return b.String()
}
