package prompts

import (
	"os"
	"path/filepath"
	"strings"
)

// guidanceFiles are checked in order; the first one present wins.
var guidanceFiles = []string{"CLAUDE.md", "AGENTS.md", "CONTRIBUTING.md"}

const guidanceMaxLines = 60

// LoadGuidance reads the project's agent guidance file and returns an
// excerpt of its leading lines. It returns "" when no guidance file exists;
// prompts simply omit the section then.
func LoadGuidance(projectPath string) string {
	for _, name := range guidanceFiles {
		raw, err := os.ReadFile(filepath.Join(projectPath, name))
		if err != nil {
			continue
		}
		return excerpt(string(raw), guidanceMaxLines)
	}
	return ""
}

func excerpt(text string, maxLines int) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	kept := strings.Join(lines[:maxLines], "\n")
	return kept + "\n[guidance truncated]"
}
