// Package config provides configuration management for Fleet Commander.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Fleet Commander.
type Config struct {
	// ConfigPath is the absolute path of the loaded config file. It is set by
	// Load, not read from the file, and seeds the data-directory isolation hash.
	ConfigPath string `mapstructure:"-"`

	DataDir   string                    `mapstructure:"dataDir"`
	Server    ServerConfig              `mapstructure:"server"`
	NATS      NATSConfig                `mapstructure:"nats"`
	Docker    DockerConfig              `mapstructure:"docker"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Lifecycle LifecycleConfig           `mapstructure:"lifecycle"`
	Worktree  WorktreeConfig            `mapstructure:"worktree"`
	Defaults  DefaultsConfig            `mapstructure:"defaults"`
	Projects  map[string]ProjectConfig  `mapstructure:"projects"`
	Notifiers map[string]NotifierConfig `mapstructure:"notifiers"`
	Routing   RoutingConfig             `mapstructure:"notificationRouting"`
	Reactions map[string]ReactionConfig `mapstructure:"reactions"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for the container runtime.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LifecycleConfig holds polling-engine tuning.
type LifecycleConfig struct {
	PollInterval        int `mapstructure:"pollInterval"`        // seconds between cycles
	MaxConcurrentChecks int `mapstructure:"maxConcurrentChecks"` // per-cycle fan-out bound
	ProbeTimeout        int `mapstructure:"probeTimeout"`        // seconds, SCM/CI probes
	CommandTimeout      int `mapstructure:"commandTimeout"`      // seconds, external commands
	MaxEvents           int `mapstructure:"maxEvents"`           // event log retention per project
	DedupScanLines      int `mapstructure:"dedupScanLines"`      // terminal lines scanned before a send
}

// WorktreeConfig holds git worktree workspace configuration.
type WorktreeConfig struct {
	BasePath string `mapstructure:"basePath"`
}

// DefaultsConfig names the plugins used when a project does not override them.
type DefaultsConfig struct {
	Runtime   string   `mapstructure:"runtime"`
	Agent     string   `mapstructure:"agent"`
	Workspace string   `mapstructure:"workspace"`
	Tracker   string   `mapstructure:"tracker"`
	SCM       string   `mapstructure:"scm"`
	Notifiers []string `mapstructure:"notifiers"`
}

// ProjectConfig describes one supervised project.
type ProjectConfig struct {
	Name          string                    `mapstructure:"name"`
	Repo          string                    `mapstructure:"repo"` // owner/name on the SCM host
	Path          string                    `mapstructure:"path"` // local clone
	DefaultBranch string                    `mapstructure:"defaultBranch"`
	SessionPrefix string                    `mapstructure:"sessionPrefix"`
	Agent         string                    `mapstructure:"agent"`
	Runtime       string                    `mapstructure:"runtime"`
	Workspace     string                    `mapstructure:"workspace"`
	Tracker       string                    `mapstructure:"tracker"`
	SCM           string                    `mapstructure:"scm"`
	Reactions     map[string]ReactionConfig `mapstructure:"reactions"`
}

// NotifierConfig describes one notifier plugin instance.
type NotifierConfig struct {
	Type   string         `mapstructure:"type"` // log, webhook, desktop
	Config map[string]any `mapstructure:"config"`
}

// RoutingConfig lists notifier names per event priority.
type RoutingConfig struct {
	Urgent  []string `mapstructure:"urgent"`
	Action  []string `mapstructure:"action"`
	Warning []string `mapstructure:"warning"`
	Info    []string `mapstructure:"info"`
}

// ReactionConfig is one reaction rule keyed by reaction key.
type ReactionConfig struct {
	Action        string `mapstructure:"action"`
	Message       string `mapstructure:"message"`
	Retries       int    `mapstructure:"retries"`
	EscalateAfter string `mapstructure:"escalateAfter"` // duration string <n>{s|m|h}
	Priority      string `mapstructure:"priority"`
	Auto          *bool  `mapstructure:"auto"`
}

// AutoEnabled reports whether the reaction may be dispatched automatically.
// Unset means enabled.
func (r ReactionConfig) AutoEnabled() bool {
	return r.Auto == nil || *r.Auto
}

var durationPattern = regexp.MustCompile(`^(\d+)([smh])$`)

// ParseReactionDuration parses the <n>{s|m|h} duration grammar used by
// escalateAfter. Any other form, including bare integers, is an error.
func ParseReactionDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: expected <n>s, <n>m or <n>h", s)
	}
	var n int
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	default:
		return time.Duration(n) * time.Hour, nil
	}
}

// EscalateAfterDuration parses the escalateAfter field. Returns zero when unset.
func (r ReactionConfig) EscalateAfterDuration() (time.Duration, error) {
	if strings.TrimSpace(r.EscalateAfter) == "" {
		return 0, nil
	}
	return ParseReactionDuration(r.EscalateAfter)
}

// PollIntervalDuration returns the poll interval as a time.Duration.
func (l *LifecycleConfig) PollIntervalDuration() time.Duration {
	return time.Duration(l.PollInterval) * time.Second
}

// ProbeTimeoutDuration returns the SCM probe budget as a time.Duration.
func (l *LifecycleConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(l.ProbeTimeout) * time.Second
}

// CommandTimeoutDuration returns the external-command budget as a time.Duration.
func (l *LifecycleConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(l.CommandTimeout) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RouteFor returns the notifier names configured for a priority level.
func (r *RoutingConfig) RouteFor(priority string) []string {
	switch priority {
	case "urgent":
		return r.Urgent
	case "action":
		return r.Action
	case "warning":
		return r.Warning
	default:
		return r.Info
	}
}

// builtinReactions are the rules applied when neither the global reactions
// section nor a project override configures a key.
func builtinReactions() map[string]ReactionConfig {
	return map[string]ReactionConfig{
		"ci-failed":         {Action: "send-to-agent", Retries: 2, EscalateAfter: "30m", Priority: "warning"},
		"changes-requested": {Action: "review-gate", Retries: 2, EscalateAfter: "1h", Priority: "warning"},
		"needs-input":       {Action: "notify", Priority: "urgent"},
		"stuck":             {Action: "notify", Priority: "urgent"},
		"errored":           {Action: "notify", Priority: "urgent"},
		"plan-complete":     {Action: "notify", Priority: "action"},
	}
}

// ReactionFor composes the effective reaction for a project and key:
// project override > global section > built-in defaults.
func (c *Config) ReactionFor(projectKey, key string) (ReactionConfig, bool) {
	if p, ok := c.Projects[projectKey]; ok {
		if r, ok := p.Reactions[key]; ok {
			return r, true
		}
	}
	if r, ok := c.Reactions[key]; ok {
		return r, true
	}
	r, ok := builtinReactions()[key]
	return r, ok
}

// Project returns the project config for a key.
func (c *Config) Project(key string) (ProjectConfig, bool) {
	p, ok := c.Projects[key]
	return p, ok
}

// PluginFor resolves a plugin name for a slot using the project value when
// set, otherwise the defaults section.
func (c *Config) PluginFor(projectKey, slot string) string {
	p := c.Projects[projectKey]
	switch slot {
	case "runtime":
		if p.Runtime != "" {
			return p.Runtime
		}
		return c.Defaults.Runtime
	case "agent":
		if p.Agent != "" {
			return p.Agent
		}
		return c.Defaults.Agent
	case "workspace":
		if p.Workspace != "" {
			return p.Workspace
		}
		return c.Defaults.Workspace
	case "tracker":
		if p.Tracker != "" {
			return p.Tracker
		}
		return c.Defaults.Tracker
	case "scm":
		if p.SCM != "" {
			return p.SCM
		}
		return c.Defaults.SCM
	default:
		return ""
	}
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FLEET_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", "~/.fleet-commander")

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7850)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "fleet-commander")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Lifecycle defaults
	v.SetDefault("lifecycle.pollInterval", 30)
	v.SetDefault("lifecycle.maxConcurrentChecks", 8)
	v.SetDefault("lifecycle.probeTimeout", 4)
	v.SetDefault("lifecycle.commandTimeout", 30)
	v.SetDefault("lifecycle.maxEvents", 500)
	v.SetDefault("lifecycle.dedupScanLines", 30)

	// Worktree defaults
	v.SetDefault("worktree.basePath", "~/.fleet-commander/worktrees")

	// Plugin defaults
	v.SetDefault("defaults.runtime", "local")
	v.SetDefault("defaults.agent", "claude")
	v.SetDefault("defaults.workspace", "worktree")
	v.SetDefault("defaults.tracker", "github")
	v.SetDefault("defaults.scm", "github")
	v.SetDefault("defaults.notifiers", []string{"log"})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FLEET_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath(os.Getenv("FLEET_CONFIG"))
}

// LoadWithPath reads configuration from the specified file or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("fleet")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "fleet-commander"))
		}
	}

	// Read config file (ignore if not found when searching default locations)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if used := v.ConfigFileUsed(); used != "" {
		abs, err := filepath.Abs(used)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		cfg.ConfigPath = abs
	} else if cwd, err := os.Getwd(); err == nil {
		// No config file: the working directory stands in for the config
		// location so the isolation hash stays stable for this checkout.
		cfg.ConfigPath = filepath.Join(cwd, "fleet.yaml")
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Worktree.BasePath = expandHome(cfg.Worktree.BasePath)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.DataDir == "" {
		errs = append(errs, "dataDir is required")
	}

	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Lifecycle.PollInterval <= 0 {
		errs = append(errs, "lifecycle.pollInterval must be positive")
	}
	if cfg.Lifecycle.MaxConcurrentChecks <= 0 {
		errs = append(errs, "lifecycle.maxConcurrentChecks must be positive")
	}
	if cfg.Lifecycle.MaxEvents <= 1 {
		errs = append(errs, "lifecycle.maxEvents must be greater than 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	for key, project := range cfg.Projects {
		if project.Path == "" {
			errs = append(errs, fmt.Sprintf("projects.%s.path is required", key))
		}
		if project.DefaultBranch == "" {
			project.DefaultBranch = "main"
			cfg.Projects[key] = project
		}
		if project.SessionPrefix == "" {
			project.SessionPrefix = key
			cfg.Projects[key] = project
		}
		for rkey, reaction := range project.Reactions {
			if _, err := reaction.EscalateAfterDuration(); err != nil {
				errs = append(errs, fmt.Sprintf("projects.%s.reactions.%s: %v", key, rkey, err))
			}
		}
	}

	for rkey, reaction := range cfg.Reactions {
		if _, err := reaction.EscalateAfterDuration(); err != nil {
			errs = append(errs, fmt.Sprintf("reactions.%s: %v", rkey, err))
		}
	}

	for name, notifier := range cfg.Notifiers {
		if notifier.Type == "" {
			errs = append(errs, fmt.Sprintf("notifiers.%s.type is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
