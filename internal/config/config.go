// Package config loads the server configuration from an HCL file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/lox/sus/internal/game"
	"github.com/lox/sus/internal/ledger"
	"github.com/lox/sus/internal/session"
)

// Config represents the complete server configuration
type Config struct {
	Server *ServerSettings `hcl:"server,block"`
	Rules  *RuleSettings   `hcl:"rules,block"`
}

// ServerSettings contains server-level configuration
type ServerSettings struct {
	Address      string `hcl:"address,optional"`
	Port         int    `hcl:"port,optional"`
	LogLevel     string `hcl:"log_level,optional"`
	Database     string `hcl:"database,optional"`
	PollInterval string `hcl:"poll_interval,optional"`
	AuthURL      string `hcl:"auth_url,optional"`
	AuthSecret   string `hcl:"auth_secret,optional"`
	OtelEndpoint string `hcl:"otel_endpoint,optional"`
}

// RuleSettings bounds stakes and sets the lifecycle deadlines. Durations
// are Go duration strings.
type RuleSettings struct {
	MinStake       int64  `hcl:"min_stake,optional"`
	MaxStake       int64  `hcl:"max_stake,optional"`
	LobbyTimeout   string `hcl:"lobby_timeout,optional"`
	HostInactivity string `hcl:"host_inactivity,optional"`
	RevealWindow   string `hcl:"reveal_window,optional"`
	RoleView       string `hcl:"role_view,optional"`
	Discussion     string `hcl:"discussion,optional"`
	Voting         string `hcl:"voting,optional"`
	DisputeWindow  string `hcl:"dispute_window,optional"`
	DisputeTimeout string `hcl:"dispute_timeout,optional"`
	MaxRounds      int    `hcl:"max_rounds,optional"`
	Retention      string `hcl:"retention,optional"`
}

// overrides are applied on top of the file.
type overrides struct {
	Address    string `env:"SUS_ADDR"`
	Port       int    `env:"SUS_PORT"`
	Database   string `env:"SUS_DB"`
	LogLevel   string `env:"SUS_LOG_LEVEL"`
	AuthURL    string `env:"SUS_AUTH_URL"`
	AuthSecret string `env:"SUS_AUTH_SECRET"`
	Otel       string `env:"SUS_OTEL_ENDPOINT"`
	MinStake   int64  `env:"SUS_MIN_STAKE"`
	MaxStake   int64  `env:"SUS_MAX_STAKE"`
}

// Default returns the default configuration
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server == nil {
		c.Server = &ServerSettings{}
	}
	if c.Rules == nil {
		c.Rules = &RuleSettings{}
	}
	s, r := c.Server, c.Rules
	defaults := game.DefaultRules()

	setString(&s.Address, "localhost")
	setInt(&s.Port, 8080)
	setString(&s.LogLevel, "info")
	setString(&s.PollInterval, "1s")

	if r.MinStake == 0 {
		r.MinStake = 10
	}
	if r.MaxStake == 0 {
		r.MaxStake = 1_000_000
	}
	setString(&r.LobbyTimeout, defaults.LobbyTimeout.String())
	setString(&r.HostInactivity, defaults.HostInactivity.String())
	setString(&r.RevealWindow, defaults.RevealWindow.String())
	setString(&r.RoleView, defaults.RoleViewDuration.String())
	setString(&r.Discussion, defaults.DiscussionPeriod.String())
	setString(&r.Voting, defaults.VotingPeriod.String())
	setString(&r.DisputeWindow, defaults.DisputeWindow.String())
	setString(&r.DisputeTimeout, defaults.DisputeTimeout.String())
	setInt(&r.MaxRounds, defaults.MaxRounds)
	setString(&r.Retention, "1h")
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

// Load reads configuration from an HCL file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(filename string) (*Config, error) {
	var config Config
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			parser := hclparse.NewParser()
			file, diags := parser.ParseHCLFile(filename)
			if diags.HasErrors() {
				return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
			}
			diags = gohcl.DecodeBody(file.Body, nil, &config)
			if diags.HasErrors() {
				return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}
	config.applyDefaults()

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyEnv() error {
	var o overrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.Address != "" {
		c.Server.Address = o.Address
	}
	if o.Port != 0 {
		c.Server.Port = o.Port
	}
	if o.Database != "" {
		c.Server.Database = o.Database
	}
	if o.LogLevel != "" {
		c.Server.LogLevel = o.LogLevel
	}
	if o.AuthURL != "" {
		c.Server.AuthURL = o.AuthURL
	}
	if o.AuthSecret != "" {
		c.Server.AuthSecret = o.AuthSecret
	}
	if o.Otel != "" {
		c.Server.OtelEndpoint = o.Otel
	}
	if o.MinStake != 0 {
		c.Rules.MinStake = o.MinStake
	}
	if o.MaxStake != 0 {
		c.Rules.MaxStake = o.MaxStake
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Server.LogLevel)
	}
	if _, err := positive("poll_interval", c.Server.PollInterval); err != nil {
		return err
	}
	if c.Rules.MinStake <= 0 {
		return fmt.Errorf("min_stake must be positive")
	}
	if c.Rules.MaxStake < c.Rules.MinStake {
		return fmt.Errorf("max_stake %d is below min_stake %d", c.Rules.MaxStake, c.Rules.MinStake)
	}
	if c.Rules.MaxRounds < 1 {
		return fmt.Errorf("max_rounds must be at least 1")
	}
	if _, err := c.GameRules(); err != nil {
		return err
	}
	if _, err := c.LedgerRules(); err != nil {
		return err
	}
	return nil
}

func positive(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, value)
	}
	return d, nil
}

// GameRules converts the rules block into lifecycle rules.
func (c *Config) GameRules() (game.Rules, error) {
	r := c.Rules
	rules := game.Rules{MaxRounds: r.MaxRounds}
	for _, f := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"lobby_timeout", r.LobbyTimeout, &rules.LobbyTimeout},
		{"host_inactivity", r.HostInactivity, &rules.HostInactivity},
		{"reveal_window", r.RevealWindow, &rules.RevealWindow},
		{"role_view", r.RoleView, &rules.RoleViewDuration},
		{"discussion", r.Discussion, &rules.DiscussionPeriod},
		{"voting", r.Voting, &rules.VotingPeriod},
		{"dispute_window", r.DisputeWindow, &rules.DisputeWindow},
		{"dispute_timeout", r.DisputeTimeout, &rules.DisputeTimeout},
	} {
		d, err := positive(f.name, f.value)
		if err != nil {
			return game.Rules{}, err
		}
		*f.dst = d
	}
	return rules, nil
}

// LedgerRules converts the stake bounds and retention into ledger rules.
func (c *Config) LedgerRules() (ledger.Rules, error) {
	retain, err := positive("retention", c.Rules.Retention)
	if err != nil {
		return ledger.Rules{}, err
	}
	return ledger.Rules{
		MinStake:  session.Amount(c.Rules.MinStake),
		MaxStake:  session.Amount(c.Rules.MaxStake),
		RetainFor: retain,
	}, nil
}

// PollInterval returns how often the server sweeps sessions for lapsed
// deadlines.
func (c *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Server.PollInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() log.Level {
	switch c.Server.LogLevel {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// ServerAddress returns the full server address
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
