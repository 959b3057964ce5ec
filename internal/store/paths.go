// Package store implements the on-disk data layer: the hashed directory
// layout, key=value session metadata, and the append-only JSONL event and
// outcome logs. The layout is the only cross-version data contract:
//
//	<data-root>/<hash>-<project-id>/
//	  .origin                       config-path collision detection
//	  sessions/<session-id>         key=value metadata
//	  sessions/archive/<id>_<ts>    archived terminal sessions
//	  events.jsonl                  append-only, lazily truncated
//	  outcomes.jsonl                append-only, never truncated
//	  plans/<plan-id>.json          plan record
//	  plans/<plan-id>-output.json   planning-agent drop-box
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// hashLength is the number of hex characters kept from the config digest.
const hashLength = 12

// Paths resolves every location inside one orchestrator's data root. Two
// orchestrators with different config locations never share directories
// because the config-directory hash prefixes every project dir.
type Paths struct {
	dataRoot   string
	configHash string
	configDir  string
}

// NewPaths derives the directory resolver from the data root and the
// absolute path of the configuration file.
func NewPaths(dataRoot, configPath string) *Paths {
	configDir := filepath.Dir(configPath)
	return &Paths{
		dataRoot:   dataRoot,
		configHash: HashConfigDir(configDir),
		configDir:  configDir,
	}
}

// HashConfigDir returns the first 12 hex characters of the SHA-256 digest of
// a config file's directory.
func HashConfigDir(configDir string) string {
	sum := sha256.Sum256([]byte(configDir))
	return hex.EncodeToString(sum[:])[:hashLength]
}

// ConfigHash returns the isolation hash shared by all of this instance's
// project directories.
func (p *Paths) ConfigHash() string {
	return p.configHash
}

// DataRoot returns the configured data root.
func (p *Paths) DataRoot() string {
	return p.dataRoot
}

// ProjectDir returns <data-root>/<hash>-<project-id>.
func (p *Paths) ProjectDir(projectID string) string {
	return filepath.Join(p.dataRoot, p.configHash+"-"+projectID)
}

// SessionsDir returns the directory holding live session metadata files.
func (p *Paths) SessionsDir(projectID string) string {
	return filepath.Join(p.ProjectDir(projectID), "sessions")
}

// ArchiveDir returns the directory holding archived session metadata.
func (p *Paths) ArchiveDir(projectID string) string {
	return filepath.Join(p.SessionsDir(projectID), "archive")
}

// SessionFile returns the metadata file for one session.
func (p *Paths) SessionFile(projectID, sessionID string) string {
	return filepath.Join(p.SessionsDir(projectID), sessionID)
}

// EventsFile returns the project's append-only event log.
func (p *Paths) EventsFile(projectID string) string {
	return filepath.Join(p.ProjectDir(projectID), "events.jsonl")
}

// OutcomesFile returns the project's append-only outcome log.
func (p *Paths) OutcomesFile(projectID string) string {
	return filepath.Join(p.ProjectDir(projectID), "outcomes.jsonl")
}

// PlansDir returns the directory holding plan records.
func (p *Paths) PlansDir(projectID string) string {
	return filepath.Join(p.ProjectDir(projectID), "plans")
}

// PlanFile returns the record file for one plan.
func (p *Paths) PlanFile(projectID, planID string) string {
	return filepath.Join(p.PlansDir(projectID), planID+".json")
}

// PlanOutputFile returns the drop-box file a planning agent writes.
func (p *Paths) PlanOutputFile(projectID, planID string) string {
	return filepath.Join(p.PlansDir(projectID), planID+"-output.json")
}

// originFile marks which config directory owns a project dir.
func (p *Paths) originFile(projectID string) string {
	return filepath.Join(p.ProjectDir(projectID), ".origin")
}

// EnsureProject creates the project directory tree and stamps .origin. A
// pre-existing .origin naming a different config directory means two configs
// hashed to the same prefix; that collision is surfaced rather than silently
// shared.
func (p *Paths) EnsureProject(projectID string) error {
	dirs := []string{
		p.ProjectDir(projectID),
		p.SessionsDir(projectID),
		p.ArchiveDir(projectID),
		p.PlansDir(projectID),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	origin := p.originFile(projectID)
	existing, err := os.ReadFile(origin)
	if err == nil {
		if strings.TrimSpace(string(existing)) != p.configDir {
			return fmt.Errorf("project dir %s belongs to config at %s", p.ProjectDir(projectID), strings.TrimSpace(string(existing)))
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read origin marker: %w", err)
	}
	if err := os.WriteFile(origin, []byte(p.configDir+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write origin marker: %w", err)
	}
	return nil
}
