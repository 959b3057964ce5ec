// Package agents ships the agent CLI definitions the fleet can drive. Each
// definition in the embedded defs.yaml names the launch argv, the resume
// argv, the process names to expect inside the execution context and the
// terminal patterns that reveal what the agent is doing. A definition
// compiles into a plugin.Agent; nothing here talks to the agent over a wire
// protocol, the terminal is the whole contract.
package agents

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/gg-salo/fleet-commander/internal/plugin"
)

//go:embed defs.yaml
var defsFS embed.FS

// ErrUnknownAgent is returned when no embedded definition has the name.
var ErrUnknownAgent = errors.New("unknown agent definition")

const defaultScanLines = 40

// Def is one agent CLI definition from defs.yaml.
type Def struct {
	// Name is the plugin name the definition registers under.
	Name string `yaml:"name"`
	// Command is the argv launching the agent; the initial prompt is
	// appended as the final argument.
	Command []string `yaml:"command"`
	// ResumeCommand is the argv used when there is no prompt, picking the
	// previous conversation back up after a restore.
	ResumeCommand []string `yaml:"resumeCommand"`
	// ProcessNames are command names that count as the agent still running.
	ProcessNames []string `yaml:"processNames"`
	// ScanLines bounds how much output tail activity detection reads.
	ScanLines int `yaml:"scanLines"`
	// WaitingPatterns match lines where the agent is asking the human.
	WaitingPatterns []string `yaml:"waitingPatterns"`
	// BusyPatterns match lines where the agent is visibly processing.
	BusyPatterns []string `yaml:"busyPatterns"`
	// CostPattern captures the running dollar cost the agent prints, when it
	// prints one. The first capture group holds the number.
	CostPattern string `yaml:"costPattern"`
}

type defsFile struct {
	Version int   `yaml:"version"`
	Agents  []Def `yaml:"agents"`
}

// CLIAgent is a compiled definition implementing plugin.Agent.
type CLIAgent struct {
	def     Def
	waiting []*regexp.Regexp
	busy    []*regexp.Regexp
	cost    *regexp.Regexp
}

// All compiles every embedded definition.
func All() ([]*CLIAgent, error) {
	defs, err := loadDefs()
	if err != nil {
		return nil, err
	}
	out := make([]*CLIAgent, 0, len(defs))
	for _, def := range defs {
		agent, cerr := Compile(def)
		if cerr != nil {
			return nil, fmt.Errorf("agent %q: %w", def.Name, cerr)
		}
		out = append(out, agent)
	}
	return out, nil
}

// New compiles the embedded definition with the given name.
func New(name string) (*CLIAgent, error) {
	defs, err := loadDefs()
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if def.Name == name {
			return Compile(def)
		}
	}
	return nil, fmt.Errorf("%q: %w", name, ErrUnknownAgent)
}

// Compile validates a definition and compiles its patterns.
func Compile(def Def) (*CLIAgent, error) {
	if def.Name == "" {
		return nil, errors.New("agent definition has no name")
	}
	if len(def.Command) == 0 {
		return nil, errors.New("agent definition has no command")
	}
	if def.ScanLines <= 0 {
		def.ScanLines = defaultScanLines
	}

	waiting, err := compilePatterns(def.WaitingPatterns)
	if err != nil {
		return nil, fmt.Errorf("waiting pattern: %w", err)
	}
	busy, err := compilePatterns(def.BusyPatterns)
	if err != nil {
		return nil, fmt.Errorf("busy pattern: %w", err)
	}

	var cost *regexp.Regexp
	if def.CostPattern != "" {
		cost, err = regexp.Compile(def.CostPattern)
		if err != nil {
			return nil, fmt.Errorf("cost pattern %q: %w", def.CostPattern, err)
		}
		if cost.NumSubexp() < 1 {
			return nil, fmt.Errorf("cost pattern %q has no capture group", def.CostPattern)
		}
	}
	return &CLIAgent{def: def, waiting: waiting, busy: busy, cost: cost}, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (a *CLIAgent) Name() string { return a.def.Name }

// Command returns the launch argv. An empty prompt is the resume invocation.
func (a *CLIAgent) Command(prompt string) []string {
	if prompt == "" {
		if len(a.def.ResumeCommand) > 0 {
			return append([]string(nil), a.def.ResumeCommand...)
		}
		return append([]string(nil), a.def.Command...)
	}
	argv := append([]string(nil), a.def.Command...)
	return append(argv, prompt)
}

// DetectActivity scans the output tail bottom-up and returns the state of
// the most recent matching line, so a question the agent already moved past
// never reads as waiting.
func (a *CLIAgent) DetectActivity(output string) plugin.Activity {
	if strings.TrimSpace(output) == "" {
		return plugin.ActivityIdle
	}
	lines := tailLines(output, a.def.ScanLines)
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t")
		if line == "" {
			continue
		}
		for _, re := range a.waiting {
			if re.MatchString(line) {
				return plugin.ActivityWaitingInput
			}
		}
		for _, re := range a.busy {
			if re.MatchString(line) {
				return plugin.ActivityActive
			}
		}
	}
	return plugin.ActivityReady
}

// ExtractCost returns the most recent dollar figure the agent printed.
// Agents without a cost pattern report nothing.
func (a *CLIAgent) ExtractCost(output string) (float64, bool) {
	if a.cost == nil {
		return 0, false
	}
	matches := a.cost.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// IsProcessRunning probes the pid recorded in the handle. When /proc exposes
// the command name it must match one of the definition's process names;
// a pty that fell back to a bare shell does not count as the agent.
func (a *CLIAgent) IsProcessRunning(_ context.Context, handle plugin.Handle) (bool, error) {
	raw, ok := handle.Data["pid"]
	if !ok || raw == "" {
		return false, fmt.Errorf("handle %s has no pid", handle.ID)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil {
		return false, fmt.Errorf("handle %s has invalid pid %q", handle.ID, raw)
	}

	if err := syscall.Kill(pid, 0); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return false, nil
		}
		if !errors.Is(err, syscall.EPERM) {
			return false, fmt.Errorf("failed to probe pid %d: %w", pid, err)
		}
	}

	if len(a.def.ProcessNames) == 0 {
		return true, nil
	}
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		// No procfs; the signal probe is the best answer available.
		return true, nil
	}
	name := strings.TrimSpace(string(comm))
	for _, want := range a.def.ProcessNames {
		if strings.Contains(name, want) {
			return true, nil
		}
	}
	return false, nil
}

func loadDefs() ([]Def, error) {
	raw, err := defsFS.ReadFile("defs.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read agent definitions: %w", err)
	}
	var file defsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agent definitions: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, errors.New("agent definitions file is empty")
	}
	return file.Agents, nil
}

func tailLines(output string, n int) []string {
	lines := strings.Split(output, "\n")
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
