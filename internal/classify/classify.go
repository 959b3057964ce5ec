// Package classify maps CI check names to failure categories and renders
// classified failures as markdown suitable for agent prompts. Everything in
// this package is a pure function of its inputs.
package classify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gg-salo/fleet-commander/internal/plugin"
)

// Category is a coarse failure class derived from a check's name.
type Category string

const (
	CategoryBuild     Category = "build"
	CategoryTypecheck Category = "typecheck"
	CategoryLint      Category = "lint"
	CategoryFormat    Category = "format"
	CategoryTest      Category = "test"
	CategorySecurity  Category = "security"
	CategoryUnknown   Category = "unknown"
)

// rule pairs a check-name pattern with the category it selects. Rules are
// evaluated in order and the first match wins, so broader patterns must come
// after narrower ones.
type rule struct {
	pattern  *regexp.Regexp
	category Category
}

var rules = []rule{
	{regexp.MustCompile(`(?i)type-?check|typecheck|\btsc\b|\bmypy\b`), CategoryTypecheck},
	{regexp.MustCompile(`(?i)\bbuild\b|compile`), CategoryBuild},
	{regexp.MustCompile(`(?i)\blint\b|eslint|golangci|staticcheck|clippy|\bruff\b|\bvet\b`), CategoryLint},
	{regexp.MustCompile(`(?i)\bformat\b|\bfmt\b|prettier|\bblack\b`), CategoryFormat},
	{regexp.MustCompile(`(?i)\btest|\bspec\b|jest|pytest|\be2e\b|integration|coverage`), CategoryTest},
	{regexp.MustCompile(`(?i)security|codeql|\baudit\b|vuln|snyk|trivy|gosec`), CategorySecurity},
}

var priorities = map[Category]int{
	CategoryBuild:     1,
	CategoryTypecheck: 2,
	CategoryLint:      3,
	CategoryFormat:    3,
	CategoryTest:      4,
	CategorySecurity:  5,
	CategoryUnknown:   6,
}

var titles = map[Category]string{
	CategoryBuild:     "Build",
	CategoryTypecheck: "Type checking",
	CategoryLint:      "Lint",
	CategoryFormat:    "Formatting",
	CategoryTest:      "Tests",
	CategorySecurity:  "Security",
	CategoryUnknown:   "Other checks",
}

var actions = map[Category]string{
	CategoryBuild:     "Run the build locally and fix every compile error before pushing.",
	CategoryTypecheck: "Run the type checker locally and resolve the reported type errors.",
	CategoryLint:      "Run the linter locally and fix each finding rather than suppressing it.",
	CategoryFormat:    "Run the project formatter and commit the resulting diff.",
	CategoryTest:      "Run the failing tests locally, reproduce the failures and fix the code they catch.",
	CategorySecurity:  "Review each flagged finding and fix it or document why it is safe.",
	CategoryUnknown:   "Open the check logs on the PR and address the reported failure.",
}

// Priority orders categories for display. Lower sorts first.
func (c Category) Priority() int {
	if p, ok := priorities[c]; ok {
		return p
	}
	return priorities[CategoryUnknown]
}

// Title is the human-readable section heading for the category.
func (c Category) Title() string {
	if t, ok := titles[c]; ok {
		return t
	}
	return titles[CategoryUnknown]
}

// Action is the fix recommendation attached to the category.
func (c Category) Action() string {
	if a, ok := actions[c]; ok {
		return a
	}
	return actions[CategoryUnknown]
}

// Classify maps a check name to its failure category.
func Classify(checkName string) Category {
	for _, r := range rules {
		if r.pattern.MatchString(checkName) {
			return r.category
		}
	}
	return CategoryUnknown
}

// Recommendation returns the fix recommendation for a single check name.
func Recommendation(checkName string) string {
	return Classify(checkName).Action()
}

// DominantCategory returns the category covering the most of the given check
// names. Ties break toward the higher-priority category.
func DominantCategory(checkNames []string) Category {
	if len(checkNames) == 0 {
		return CategoryUnknown
	}
	counts := make(map[Category]int)
	for _, name := range checkNames {
		counts[Classify(name)]++
	}
	best := CategoryUnknown
	bestCount := -1
	for cat, count := range counts {
		if count > bestCount ||
			(count == bestCount && cat.Priority() < best.Priority()) {
			best = cat
			bestCount = count
		}
	}
	return best
}

// GroupChecks buckets checks by category. Within a bucket the input order is
// preserved.
func GroupChecks(checks []plugin.CheckRun) map[Category][]plugin.CheckRun {
	grouped := make(map[Category][]plugin.CheckRun)
	for _, check := range checks {
		cat := Classify(check.Name)
		grouped[cat] = append(grouped[cat], check)
	}
	return grouped
}

// FormatClassifiedErrors renders failing checks as markdown, one section per
// category ordered by priority, each closed by the category's fix
// recommendation. Output is deterministic for a given input.
func FormatClassifiedErrors(checks []plugin.CheckRun) string {
	if len(checks) == 0 {
		return ""
	}

	grouped := GroupChecks(checks)

	cats := make([]Category, 0, len(grouped))
	for cat := range grouped {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool {
		if cats[i].Priority() != cats[j].Priority() {
			return cats[i].Priority() < cats[j].Priority()
		}
		return cats[i] < cats[j]
	})

	var b strings.Builder
	for _, cat := range cats {
		fmt.Fprintf(&b, "### %s\n", cat.Title())
		for _, check := range grouped[cat] {
			if summary := firstLine(check.Summary); summary != "" {
				fmt.Fprintf(&b, "- `%s`: %s\n", check.Name, summary)
			} else {
				fmt.Fprintf(&b, "- `%s`\n", check.Name)
			}
		}
		fmt.Fprintf(&b, "\nAction: %s\n\n", cat.Action())
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

const maxSummaryLen = 200

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = strings.TrimSpace(s[:idx])
	}
	if len(s) > maxSummaryLen {
		s = s[:maxSummaryLen] + "…"
	}
	return s
}
