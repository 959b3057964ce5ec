// Package prompts composes the text sent to agents: the initial objective a
// session starts with and the follow-up messages reactions deliver. Builders
// are pure functions of their params so callers own all data gathering.
package prompts

import (
	"fmt"
	"strings"

	"github.com/gg-salo/fleet-commander/internal/plugin"
)

// workflowContract states what every coding session is expected to do. It is
// appended to coding and task prompts.
const workflowContract = `Workflow:
- Work only inside this worktree. Commit in small, reviewable steps.
- Push your branch and open a pull request against %s when the work is ready.
- Keep CI green. If checks fail you will receive the failing check names here.
- If you are blocked on a decision only a human can make, say so and stop.`

// SiblingSession describes one concurrently active session on the same plan.
type SiblingSession struct {
	ID     string
	Title  string
	Branch string
	Status string
}

// DependencyDiff summarizes the merged pull request of a dependency task.
type DependencyDiff struct {
	TaskTitle    string
	PRURL        string
	Additions    int
	Deletions    int
	ChangedFiles int
}

// CodingParams feeds the prompt for a plain issue-bound or ad-hoc session.
type CodingParams struct {
	Project plugin.ProjectRef
	Branch  string
	// Issue is the tracked work item, when the session is issue-bound.
	Issue *plugin.Issue
	// Objective is the ad-hoc objective used when there is no issue.
	Objective string
	// Guidance is the project guidance excerpt (CLAUDE.md or similar).
	Guidance string
	// Lessons are recent project lessons derived from past outcomes.
	Lessons []string
}

// Coding builds the initial prompt for a coding session.
func Coding(p CodingParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are working on %s, branch %s.\n\n", p.Project.Name, p.Branch)

	if p.Issue != nil {
		fmt.Fprintf(&b, "Objective: resolve issue #%d: %s\n", p.Issue.Number, p.Issue.Title)
		if body := strings.TrimSpace(p.Issue.Body); body != "" {
			fmt.Fprintf(&b, "\n%s\n", body)
		}
		if p.Issue.URL != "" {
			fmt.Fprintf(&b, "\nIssue: %s\n", p.Issue.URL)
		}
	} else {
		fmt.Fprintf(&b, "Objective: %s\n", strings.TrimSpace(p.Objective))
	}

	writeGuidance(&b, p.Guidance)
	writeLessons(&b, p.Lessons)

	fmt.Fprintf(&b, "\n%s\n", fmt.Sprintf(workflowContract, p.Project.DefaultBranch))
	return b.String()
}

// TaskParams feeds the prompt for a session executing one plan task.
type TaskParams struct {
	Project plugin.ProjectRef
	Branch  string
	Issue   *plugin.Issue

	Title              string
	Description        string
	AcceptanceCriteria []string
	Scope              string
	AffectedFiles      []string
	Constraints        []string

	// SharedContext is plan-wide context every task receives.
	SharedContext string
	Guidance      string
	Lessons       []string

	// Siblings lists concurrently active sessions on the same plan.
	Siblings []SiblingSession
	// DependencyDiffs summarizes the merged PRs this task builds on.
	DependencyDiffs []DependencyDiff
}

// Task builds the initial prompt for a plan task session.
func Task(p TaskParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are working on %s, branch %s.\n\n", p.Project.Name, p.Branch)
	fmt.Fprintf(&b, "Task: %s\n", p.Title)
	if desc := strings.TrimSpace(p.Description); desc != "" {
		fmt.Fprintf(&b, "\n%s\n", desc)
	}
	if p.Issue != nil && p.Issue.URL != "" {
		fmt.Fprintf(&b, "\nTracking issue: %s\n", p.Issue.URL)
	}
	if p.Scope != "" {
		fmt.Fprintf(&b, "\nScope: %s. Stay within it; anything larger belongs in a follow-up.\n", p.Scope)
	}

	writeList(&b, "Acceptance criteria", p.AcceptanceCriteria)
	writeList(&b, "Files you are expected to touch", p.AffectedFiles)
	writeList(&b, "Constraints", p.Constraints)

	if shared := strings.TrimSpace(p.SharedContext); shared != "" {
		fmt.Fprintf(&b, "\nShared plan context:\n%s\n", shared)
	}

	if len(p.DependencyDiffs) > 0 {
		b.WriteString("\nThis task builds on already-merged work:\n")
		for _, d := range p.DependencyDiffs {
			fmt.Fprintf(&b, "- %s (%s): +%d/-%d across %d files\n",
				d.TaskTitle, d.PRURL, d.Additions, d.Deletions, d.ChangedFiles)
		}
		b.WriteString("Your branch already includes these changes; do not redo them.\n")
	}

	if len(p.Siblings) > 0 {
		b.WriteString("\nSessions working in parallel on sibling tasks:\n")
		for _, s := range p.Siblings {
			fmt.Fprintf(&b, "- %s: %s (branch %s, %s)\n", s.ID, s.Title, s.Branch, s.Status)
		}
		b.WriteString("Avoid their files where possible to keep merges clean.\n")
	}

	writeGuidance(&b, p.Guidance)
	writeLessons(&b, p.Lessons)

	fmt.Fprintf(&b, "\n%s\n", fmt.Sprintf(workflowContract, p.Project.DefaultBranch))
	return b.String()
}

func writeGuidance(b *strings.Builder, guidance string) {
	if g := strings.TrimSpace(guidance); g != "" {
		fmt.Fprintf(b, "\nProject guidance:\n%s\n", g)
	}
}

func writeLessons(b *strings.Builder, lessons []string) {
	if len(lessons) == 0 {
		return
	}
	b.WriteString("\nLessons from recent sessions in this project:\n")
	for _, l := range lessons {
		fmt.Fprintf(b, "- %s\n", l)
	}
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
