package prompts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gg-salo/fleet-commander/internal/plugin"
)

// CIFixParams feeds the message sent to an agent whose PR has failing
// checks.
type CIFixParams struct {
	// BaseMessage is the configured reaction message, used as the lead.
	BaseMessage string
	PRURL       string
	// ClassifiedErrors is the rendered markdown from the error classifier.
	ClassifiedErrors string
	// Size is the PR change-set size, when known.
	Size *plugin.PRSummary
	// SiblingNotes mention sibling merges that may have landed conflicts.
	SiblingNotes []string
	// AttemptAnalysis compares this failure against the previous fix
	// attempt. Empty on the first attempt.
	AttemptAnalysis string
	// Attempt is the 1-based fix attempt number.
	Attempt int
}

// CIFixMessage builds the enriched message delivered on a ci-failed
// reaction.
func CIFixMessage(p CIFixParams) string {
	var b strings.Builder

	lead := strings.TrimSpace(p.BaseMessage)
	if lead == "" {
		lead = "CI is failing on your pull request."
	}
	b.WriteString(lead)
	if p.PRURL != "" {
		fmt.Fprintf(&b, " (%s)", p.PRURL)
	}
	b.WriteString("\n")

	if p.Attempt > 1 {
		fmt.Fprintf(&b, "\nThis is fix attempt %d.\n", p.Attempt)
	}
	if p.AttemptAnalysis != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(p.AttemptAnalysis))
	}
	if p.ClassifiedErrors != "" {
		fmt.Fprintf(&b, "\nFailing checks:\n%s", p.ClassifiedErrors)
	}
	if p.Size != nil {
		fmt.Fprintf(&b, "\nPR size: +%d/-%d across %d files.\n",
			p.Size.Additions, p.Size.Deletions, p.Size.ChangedFiles)
	}
	for _, note := range p.SiblingNotes {
		fmt.Fprintf(&b, "\nNote: %s\n", note)
	}

	b.WriteString("\nFix the failures and push. Do not force-push over review history.\n")
	return b.String()
}

// AttemptAnalysis compares the failing check names of the previous fix
// attempt against the current ones and renders what changed. It returns ""
// when there is no previous attempt to compare against.
func AttemptAnalysis(previous, current []string) string {
	if len(previous) == 0 {
		return ""
	}

	prevSet := make(map[string]bool, len(previous))
	for _, name := range previous {
		prevSet[name] = true
	}
	curSet := make(map[string]bool, len(current))
	for _, name := range current {
		curSet[name] = true
	}

	var stillFailing, nowPassing, newFailures []string
	for _, name := range current {
		if prevSet[name] {
			stillFailing = append(stillFailing, name)
		} else {
			newFailures = append(newFailures, name)
		}
	}
	for _, name := range previous {
		if !curSet[name] {
			nowPassing = append(nowPassing, name)
		}
	}
	sort.Strings(stillFailing)
	sort.Strings(nowPassing)
	sort.Strings(newFailures)

	var b strings.Builder
	b.WriteString("Compared with your previous fix attempt:\n")
	if len(stillFailing) > 0 {
		fmt.Fprintf(&b, "- still failing: %s\n", strings.Join(stillFailing, ", "))
	}
	if len(nowPassing) > 0 {
		fmt.Fprintf(&b, "- now passing: %s\n", strings.Join(nowPassing, ", "))
	}
	if len(newFailures) > 0 {
		fmt.Fprintf(&b, "- new failures: %s\n", strings.Join(newFailures, ", "))
	}
	if len(stillFailing) == 0 && len(nowPassing) == 0 && len(newFailures) == 0 {
		b.WriteString("- the same checks are failing\n")
	}
	return b.String()
}

// ReviewFeedbackParams feeds the message forwarding review feedback.
type ReviewFeedbackParams struct {
	BaseMessage string
	PRURL       string
	Reviews     []plugin.Review
	Comments    []plugin.Comment
	// RebaseHint mentions sibling branches that merged while the review
	// was pending. Empty outside plan execution.
	RebaseHint string
}

// ReviewFeedbackMessage builds the message delivered on a changes-requested
// reaction: the blocking review bodies plus unresolved comments.
func ReviewFeedbackMessage(p ReviewFeedbackParams) string {
	var b strings.Builder

	lead := strings.TrimSpace(p.BaseMessage)
	if lead == "" {
		lead = "A reviewer requested changes on your pull request."
	}
	b.WriteString(lead)
	if p.PRURL != "" {
		fmt.Fprintf(&b, " (%s)", p.PRURL)
	}
	b.WriteString("\n")

	for _, r := range p.Reviews {
		if body := strings.TrimSpace(r.Body); body != "" {
			fmt.Fprintf(&b, "\nReview by %s (%s):\n%s\n", r.Author, r.State, body)
		}
	}

	if len(p.Comments) > 0 {
		b.WriteString("\nUnresolved comments:\n")
		for _, c := range p.Comments {
			if c.Path != "" {
				fmt.Fprintf(&b, "- %s:%d (%s): %s\n", c.Path, c.Line, c.Author, strings.TrimSpace(c.Body))
			} else {
				fmt.Fprintf(&b, "- %s: %s\n", c.Author, strings.TrimSpace(c.Body))
			}
		}
	}

	if p.RebaseHint != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(p.RebaseHint))
	}

	b.WriteString("\nAddress each point, reply where you disagree, and push the updates.\n")
	return b.String()
}

// RebaseMessage builds the message sent to active siblings when another
// session's PR merges into the default branch.
func RebaseMessage(defaultBranch, mergedBranch, prURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Branch %s just merged into %s", mergedBranch, defaultBranch)
	if prURL != "" {
		fmt.Fprintf(&b, " (%s)", prURL)
	}
	b.WriteString(".\n")
	fmt.Fprintf(&b, "Rebase your branch onto the latest %s now and resolve any conflicts while they are small. Then continue your task.\n", defaultBranch)
	return b.String()
}
