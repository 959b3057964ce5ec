package classify

import (
	"strings"
	"testing"

	"github.com/gg-salo/fleet-commander/internal/plugin"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		checkName string
		want      Category
	}{
		{"build", CategoryBuild},
		{"Build (go 1.26)", CategoryBuild},
		{"compile-check", CategoryBuild},
		{"typecheck", CategoryTypecheck},
		{"type-check / tsc", CategoryTypecheck},
		{"mypy", CategoryTypecheck},
		{"lint", CategoryLint},
		{"golangci-lint", CategoryLint},
		{"eslint (web)", CategoryLint},
		{"vet", CategoryLint},
		{"format", CategoryFormat},
		{"gofmt", CategoryFormat},
		{"prettier", CategoryFormat},
		{"test (ubuntu-latest)", CategoryTest},
		{"unit-tests", CategoryTest},
		{"e2e", CategoryTest},
		{"integration-suite", CategoryTest},
		{"coverage", CategoryTest},
		{"CodeQL", CategorySecurity},
		{"security-scan", CategorySecurity},
		{"trivy", CategorySecurity},
		{"deploy-preview", CategoryUnknown},
		{"", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.checkName, func(t *testing.T) {
			if got := Classify(tt.checkName); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.checkName, got, tt.want)
			}
		})
	}
}

func TestCategoryPriorities(t *testing.T) {
	order := []Category{
		CategoryBuild, CategoryTypecheck, CategoryLint,
		CategoryFormat, CategoryTest, CategorySecurity, CategoryUnknown,
	}
	want := []int{1, 2, 3, 3, 4, 5, 6}
	for i, cat := range order {
		if cat.Priority() != want[i] {
			t.Errorf("%s priority = %d, want %d", cat, cat.Priority(), want[i])
		}
	}
}

func TestDominantCategory(t *testing.T) {
	names := []string{"unit-tests", "e2e", "lint"}
	if got := DominantCategory(names); got != CategoryTest {
		t.Errorf("dominant = %s, want test", got)
	}

	// A tie resolves toward the higher-priority category.
	tied := []string{"build", "unit-tests"}
	if got := DominantCategory(tied); got != CategoryBuild {
		t.Errorf("tied dominant = %s, want build", got)
	}

	if got := DominantCategory(nil); got != CategoryUnknown {
		t.Errorf("empty dominant = %s, want unknown", got)
	}
}

func TestFormatClassifiedErrors(t *testing.T) {
	checks := []plugin.CheckRun{
		{Name: "unit-tests", Status: plugin.CheckStatusFail, Summary: "3 tests failed\nsee log"},
		{Name: "build", Status: plugin.CheckStatusFail, Summary: "undefined: Spawn"},
		{Name: "golangci-lint", Status: plugin.CheckStatusFail},
	}

	out := FormatClassifiedErrors(checks)

	// Sections appear in priority order: build before lint before tests.
	buildIdx := strings.Index(out, "### Build")
	lintIdx := strings.Index(out, "### Lint")
	testIdx := strings.Index(out, "### Tests")
	if buildIdx == -1 || lintIdx == -1 || testIdx == -1 {
		t.Fatalf("missing section in output:\n%s", out)
	}
	if !(buildIdx < lintIdx && lintIdx < testIdx) {
		t.Errorf("sections out of priority order:\n%s", out)
	}

	if !strings.Contains(out, "- `build`: undefined: Spawn") {
		t.Errorf("expected build check line with summary:\n%s", out)
	}
	if !strings.Contains(out, "- `unit-tests`: 3 tests failed") {
		t.Errorf("expected first summary line only:\n%s", out)
	}
	if strings.Contains(out, "see log") {
		t.Errorf("summary should be truncated to its first line:\n%s", out)
	}
	if !strings.Contains(out, "Action: Run the build locally") {
		t.Errorf("expected build action:\n%s", out)
	}

	// Deterministic output for identical input.
	if again := FormatClassifiedErrors(checks); again != out {
		t.Error("output not deterministic")
	}
}

func TestFormatClassifiedErrorsEmpty(t *testing.T) {
	if out := FormatClassifiedErrors(nil); out != "" {
		t.Errorf("expected empty output, got %q", out)
	}
}
