package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "dataDir: /tmp/fleet-test\n")

	cfg, err := LoadWithPath(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/fleet-test", cfg.DataDir)
	assert.Equal(t, 30, cfg.Lifecycle.PollInterval)
	assert.Equal(t, 500, cfg.Lifecycle.MaxEvents)
	assert.Equal(t, 4*time.Second, cfg.Lifecycle.ProbeTimeoutDuration())
	assert.Equal(t, 30*time.Second, cfg.Lifecycle.CommandTimeoutDuration())
	assert.Equal(t, "local", cfg.Defaults.Runtime)
	assert.Equal(t, path, cfg.ConfigPath)
}

func TestLoadProjectDefaults(t *testing.T) {
	path := writeConfig(t, `
dataDir: /tmp/fleet-test
projects:
  api:
    path: /srv/api
    repo: acme/api
`)

	cfg, err := LoadWithPath(path)
	require.NoError(t, err)

	project, ok := cfg.Project("api")
	require.True(t, ok)
	assert.Equal(t, "main", project.DefaultBranch)
	assert.Equal(t, "api", project.SessionPrefix)
}

func TestLoadRejectsIntegerEscalateAfter(t *testing.T) {
	path := writeConfig(t, `
dataDir: /tmp/fleet-test
reactions:
  ci-failed:
    action: send-to-agent
    escalateAfter: "1800"
`)

	_, err := LoadWithPath(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestParseReactionDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"15m", 15 * time.Minute},
		{"2h", 2 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseReactionDuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	for _, bad := range []string{"", "30", "5d", "m5", "1.5h"} {
		_, err := ParseReactionDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestReactionForComposition(t *testing.T) {
	cfg := &Config{
		Projects: map[string]ProjectConfig{
			"api": {
				Reactions: map[string]ReactionConfig{
					"ci-failed": {Action: "send-to-agent", Retries: 5},
				},
			},
		},
		Reactions: map[string]ReactionConfig{
			"ci-failed": {Action: "send-to-agent", Retries: 1},
			"pr-created": {Action: "spawn-review"},
		},
	}

	t.Run("project override wins", func(t *testing.T) {
		r, ok := cfg.ReactionFor("api", "ci-failed")
		require.True(t, ok)
		assert.Equal(t, 5, r.Retries)
	})

	t.Run("global section when no override", func(t *testing.T) {
		r, ok := cfg.ReactionFor("web", "pr-created")
		require.True(t, ok)
		assert.Equal(t, "spawn-review", r.Action)
	})

	t.Run("builtin fallback", func(t *testing.T) {
		r, ok := cfg.ReactionFor("web", "needs-input")
		require.True(t, ok)
		assert.Equal(t, "notify", r.Action)
		assert.Equal(t, "urgent", r.Priority)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, ok := cfg.ReactionFor("web", "no-such-key")
		assert.False(t, ok)
	})
}

func TestPluginForFallsBackToDefaults(t *testing.T) {
	cfg := &Config{
		Defaults: DefaultsConfig{Runtime: "local", Agent: "claude", SCM: "github"},
		Projects: map[string]ProjectConfig{
			"api": {Runtime: "docker"},
		},
	}

	assert.Equal(t, "docker", cfg.PluginFor("api", "runtime"))
	assert.Equal(t, "claude", cfg.PluginFor("api", "agent"))
	assert.Equal(t, "github", cfg.PluginFor("missing", "scm"))
}

func TestAutoEnabled(t *testing.T) {
	off := false
	on := true

	assert.True(t, ReactionConfig{}.AutoEnabled())
	assert.True(t, ReactionConfig{Auto: &on}.AutoEnabled())
	assert.False(t, ReactionConfig{Auto: &off}.AutoEnabled())
}
