// ABOUTME: Configuration loading and parsing for town-warden
// ABOUTME: YAML with environment variable expansion; town list in a JSONC file

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to zero-value fields after parsing.
const (
	DefaultPollInterval     = 20 * time.Second
	DefaultPollTimeout      = 5 * time.Second
	DefaultUnresponsiveAt   = 3
	DefaultDeadAt           = 5
	DefaultStopGrace        = 10 * time.Second
	DefaultRetryBudget      = 3
	DefaultRetryWindow      = 180 * time.Second
	DefaultPostponeStep     = 5 * time.Minute
	DefaultStalenessGrace   = 90 * time.Second
	DefaultDedupeWindow     = 10 * time.Minute
	DefaultDedupeCap        = 512
	DefaultDesyncPolls      = 3
	MinRestartPeriod        = 20 * time.Minute
	DefaultQueueCapacity    = 64
	DefaultShutdownGrace    = 5 * time.Second
	DefaultOpsAddr          = "127.0.0.1:7070"
	DefaultBridgeAddr       = "127.0.0.1:7171"
)

// Config represents the complete town-warden configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database"`
	Daemon       DaemonConfig       `yaml:"daemon"`
	MultiAccount MultiAccountConfig `yaml:"multiaccount"`
	Supervision  SupervisionConfig  `yaml:"supervision"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Logging      LoggingConfig      `yaml:"logging"`

	// TownsFile is the JSONC document holding the fleet. Relative paths
	// resolve against the working directory.
	TownsFile string `yaml:"towns_file"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	// OpsAddr serves the ops HTTP API.
	OpsAddr string `yaml:"ops_addr"`
	// BridgeAddr accepts inbound bridge connections from game processes.
	BridgeAddr string `yaml:"bridge_addr"`
}

// TailscaleConfig optionally serves the ops API on a tailnet instead of
// a plain TCP listener.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds the sqlite path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	// StateDir holds the instance lock and PID file.
	StateDir string `yaml:"state_dir"`
}

// MultiAccountConfig configures the outbound multi-account link.
type MultiAccountConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// Name identifies this warden in the hello frame's token subject.
	Name string `yaml:"name"`
	// TokenSecret signs link tokens. Use ${VAR} expansion for secrets.
	TokenSecret string `yaml:"token_secret"`

	StalenessGrace    time.Duration `yaml:"-"`
	StalenessGraceRaw string        `yaml:"staleness_grace"`
}

// SupervisionConfig holds fleet-wide polling and restart knobs. Per-town
// overrides live in the towns file.
type SupervisionConfig struct {
	// UnresponsiveAt and DeadAt are the consecutive-failure thresholds.
	// DeadAt must exceed UnresponsiveAt.
	UnresponsiveAt int `yaml:"unresponsive_at"`
	DeadAt         int `yaml:"dead_at"`

	// RetryBudget restarts within RetryWindow before a town's
	// monitoring is paused and the operator alerted.
	RetryBudget int `yaml:"retry_budget"`

	// DesyncPolls is how many consecutive disagreeing polls mark a
	// multiplier desync.
	DesyncPolls int `yaml:"desync_polls"`

	PollInterval time.Duration `yaml:"-"`
	PollTimeout  time.Duration `yaml:"-"`
	StopGrace    time.Duration `yaml:"-"`
	RetryWindow  time.Duration `yaml:"-"`
	PostponeStep time.Duration `yaml:"-"`
	DedupeWindow time.Duration `yaml:"-"`

	PollIntervalRaw string `yaml:"poll_interval"`
	PollTimeoutRaw  string `yaml:"poll_timeout"`
	StopGraceRaw    string `yaml:"stop_grace"`
	RetryWindowRaw  string `yaml:"retry_window"`
	PostponeStepRaw string `yaml:"postpone_step"`
	DedupeWindowRaw string `yaml:"dedupe_window"`

	// DedupeCap bounds each town's recently-seen redeem set.
	DedupeCap int `yaml:"dedupe_cap"`

	// QueueCapacity bounds each town's event queue. Events beyond the
	// bound are dropped, never blocked on.
	QueueCapacity int `yaml:"queue_capacity"`
}

// AlertsConfig configures operator alerting.
type AlertsConfig struct {
	// Operator is the chat account that receives alert messages.
	// Empty disables the chat sink; alerts still reach the log and
	// the ops event stream.
	Operator string `yaml:"operator"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero-value knobs with package defaults.
func (c *Config) applyDefaults() {
	if c.Server.OpsAddr == "" && !c.Tailscale.Enabled {
		c.Server.OpsAddr = DefaultOpsAddr
	}
	if c.Server.BridgeAddr == "" {
		c.Server.BridgeAddr = DefaultBridgeAddr
	}
	if c.Supervision.PollInterval == 0 {
		c.Supervision.PollInterval = DefaultPollInterval
	}
	if c.Supervision.PollTimeout == 0 {
		c.Supervision.PollTimeout = DefaultPollTimeout
	}
	if c.Supervision.UnresponsiveAt == 0 {
		c.Supervision.UnresponsiveAt = DefaultUnresponsiveAt
	}
	if c.Supervision.DeadAt == 0 {
		c.Supervision.DeadAt = DefaultDeadAt
	}
	if c.Supervision.StopGrace == 0 {
		c.Supervision.StopGrace = DefaultStopGrace
	}
	if c.Supervision.RetryBudget == 0 {
		c.Supervision.RetryBudget = DefaultRetryBudget
	}
	if c.Supervision.RetryWindow == 0 {
		c.Supervision.RetryWindow = DefaultRetryWindow
	}
	if c.Supervision.PostponeStep == 0 {
		c.Supervision.PostponeStep = DefaultPostponeStep
	}
	if c.Supervision.DedupeWindow == 0 {
		c.Supervision.DedupeWindow = DefaultDedupeWindow
	}
	if c.Supervision.DedupeCap == 0 {
		c.Supervision.DedupeCap = DefaultDedupeCap
	}
	if c.Supervision.DesyncPolls == 0 {
		c.Supervision.DesyncPolls = DefaultDesyncPolls
	}
	if c.Supervision.QueueCapacity == 0 {
		c.Supervision.QueueCapacity = DefaultQueueCapacity
	}
	if c.MultiAccount.StalenessGrace == 0 {
		c.MultiAccount.StalenessGrace = DefaultStalenessGrace
	}
	if c.TownsFile == "" {
		c.TownsFile = "towns.jsonc"
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error naming the first offending field.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.OpsAddr == "" {
		return fmt.Errorf("server.ops_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Server.BridgeAddr == "" {
		return fmt.Errorf("server.bridge_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Supervision.DeadAt <= c.Supervision.UnresponsiveAt {
		return fmt.Errorf("supervision.dead_at (%d) must exceed supervision.unresponsive_at (%d)",
			c.Supervision.DeadAt, c.Supervision.UnresponsiveAt)
	}
	if c.MultiAccount.Enabled {
		if c.MultiAccount.Addr == "" {
			return fmt.Errorf("multiaccount.addr is required when multiaccount is enabled")
		}
		if c.MultiAccount.TokenSecret == "" {
			return fmt.Errorf("multiaccount.token_secret is required when multiaccount is enabled")
		}
		if len(c.MultiAccount.TokenSecret) < 32 {
			return fmt.Errorf("multiaccount.token_secret must be at least 32 bytes")
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"supervision.poll_interval", cfg.Supervision.PollIntervalRaw, &cfg.Supervision.PollInterval},
		{"supervision.poll_timeout", cfg.Supervision.PollTimeoutRaw, &cfg.Supervision.PollTimeout},
		{"supervision.stop_grace", cfg.Supervision.StopGraceRaw, &cfg.Supervision.StopGrace},
		{"supervision.retry_window", cfg.Supervision.RetryWindowRaw, &cfg.Supervision.RetryWindow},
		{"supervision.postpone_step", cfg.Supervision.PostponeStepRaw, &cfg.Supervision.PostponeStep},
		{"supervision.dedupe_window", cfg.Supervision.DedupeWindowRaw, &cfg.Supervision.DedupeWindow},
		{"multiaccount.staleness_grace", cfg.MultiAccount.StalenessGraceRaw, &cfg.MultiAccount.StalenessGrace},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
