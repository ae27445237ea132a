// File: internal/config/config.go
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Scheduler() SchedulerConfig
	Session() SessionConfig
	RateLimits() map[string]RateLimitConfig
	Delays() DelayConfig
	Scoring() ScoringConfig

	SetSchedulerAccountID(id string)
	SetScoringMode(mode string)
	SetScoringKeywords(keywords []string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig               `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg   DatabaseConfig             `mapstructure:"database" yaml:"database"`
	SchedulerCfg  SchedulerConfig            `mapstructure:"scheduler" yaml:"scheduler"`
	SessionCfg    SessionConfig              `mapstructure:"session" yaml:"session"`
	RateLimitsCfg map[string]RateLimitConfig `mapstructure:"rate_limits" yaml:"rate_limits"`
	DelaysCfg     DelayConfig                `mapstructure:"delays" yaml:"delays"`
	ScoringCfg    ScoringConfig              `mapstructure:"scoring" yaml:"scoring"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig                   { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig               { return c.DatabaseCfg }
func (c *Config) Scheduler() SchedulerConfig             { return c.SchedulerCfg }
func (c *Config) Session() SessionConfig                 { return c.SessionCfg }
func (c *Config) RateLimits() map[string]RateLimitConfig { return c.RateLimitsCfg }
func (c *Config) Delays() DelayConfig                    { return c.DelaysCfg }
func (c *Config) Scoring() ScoringConfig                 { return c.ScoringCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetSchedulerAccountID(id string) { c.SchedulerCfg.AccountID = id }
func (c *Config) SetScoringMode(mode string)      { c.ScoringCfg.Mode = mode }
func (c *Config) SetScoringKeywords(keywords []string) {
	c.ScoringCfg.Keywords = keywords
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig selects where account state is persisted. A non-empty URL selects
// PostgreSQL, otherwise the local SQLite file is used.
type DatabaseConfig struct {
	URL        string `mapstructure:"url" yaml:"-"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// ExpandedSQLitePath resolves a leading ~ in the SQLite path.
func (d DatabaseConfig) ExpandedSQLitePath() (string, error) {
	p, err := homedir.Expand(d.SQLitePath)
	if err != nil {
		return "", fmt.Errorf("failed to expand sqlite path %q: %w", d.SQLitePath, err)
	}
	return p, nil
}

// SchedulerConfig configures dispatch retries for one account.
type SchedulerConfig struct {
	AccountID   string        `mapstructure:"account_id" yaml:"account_id"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
}

// SessionConfig tunes the account health state machine.
type SessionConfig struct {
	WarmupActions    int           `mapstructure:"warmup_actions" yaml:"warmup_actions"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// RateLimitConfig caps one action type. A zero window limit means no budget for that
// window. The action type "*" applies to every action.
type RateLimitConfig struct {
	Hour        int           `mapstructure:"hour" yaml:"hour"`
	Day         int           `mapstructure:"day" yaml:"day"`
	Week        int           `mapstructure:"week" yaml:"week"`
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
}

// DelayProfile parameterizes a clamped normal distribution.
type DelayProfile struct {
	Mean    time.Duration `mapstructure:"mean" yaml:"mean"`
	StdDev  time.Duration `mapstructure:"stddev" yaml:"stddev"`
	Floor   time.Duration `mapstructure:"floor" yaml:"floor"`
	Ceiling time.Duration `mapstructure:"ceiling" yaml:"ceiling"`
}

// DelayConfig holds the pacing model. Profiles are keyed by action type; "default"
// serves every type without its own profile.
type DelayConfig struct {
	Profiles           map[string]DelayProfile `mapstructure:"profiles" yaml:"profiles"`
	Break              DelayProfile            `mapstructure:"break" yaml:"break"`
	BreakEvery         int                     `mapstructure:"break_every" yaml:"break_every"`
	BreakProbability   float64                 `mapstructure:"break_probability" yaml:"break_probability"`
	WarmupMultiplier   float64                 `mapstructure:"warmup_multiplier" yaml:"warmup_multiplier"`
	CooldownMultiplier float64                 `mapstructure:"cooldown_multiplier" yaml:"cooldown_multiplier"`
}

// DefaultProfileKey names the fallback delay profile.
const DefaultProfileKey = "default"

// ScoringConfig configures the opportunity scorer.
type ScoringConfig struct {
	// Mode is one of balanced, recent, engagement, topic or custom. Only custom uses Weights.
	Mode     string        `mapstructure:"mode" yaml:"mode"`
	Weights  WeightsConfig `mapstructure:"weights" yaml:"weights"`
	Keywords []string      `mapstructure:"keywords" yaml:"keywords"`
}

// WeightsConfig holds the four composite weights. They must sum to 1.0.
type WeightsConfig struct {
	Recency     float64 `mapstructure:"recency" yaml:"recency"`
	Engagement  float64 `mapstructure:"engagement" yaml:"engagement"`
	Opportunity float64 `mapstructure:"opportunity" yaml:"opportunity"`
	Topic       float64 `mapstructure:"topic" yaml:"topic"`
}

// Sum returns the total of all weights.
func (w WeightsConfig) Sum() float64 {
	return w.Recency + w.Engagement + w.Opportunity + w.Topic
}

var scoringModes = map[string]bool{
	"balanced":   true,
	"recent":     true,
	"engagement": true,
	"topic":      true,
	"custom":     true,
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pacer")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Database --
	v.SetDefault("database.sqlite_path", "~/.pacer/state.db")

	// -- Scheduler --
	v.SetDefault("scheduler.account_id", "default")
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.backoff_base", "2s")
	v.SetDefault("scheduler.backoff_max", "5m")

	// -- Session --
	v.SetDefault("session.warmup_actions", 5)
	v.SetDefault("session.failure_threshold", 3)
	v.SetDefault("session.cooldown", "15m")

	// -- Rate limits --
	// A global hourly cap across every action plus per-kind daily caps.
	v.SetDefault("rate_limits.*.hour", 20)
	v.SetDefault("rate_limits.comment.day", 30)
	v.SetDefault("rate_limits.comment.min_interval", "30s")
	v.SetDefault("rate_limits.reply.day", 30)
	v.SetDefault("rate_limits.message.day", 25)
	v.SetDefault("rate_limits.message.week", 100)
	v.SetDefault("rate_limits.post.day", 3)
	v.SetDefault("rate_limits.profile.day", 50)

	// -- Delays --
	v.SetDefault("delays.profiles.default.mean", "30s")
	v.SetDefault("delays.profiles.default.stddev", "9s")
	v.SetDefault("delays.profiles.default.floor", "15s")
	v.SetDefault("delays.profiles.default.ceiling", "90s")
	v.SetDefault("delays.profiles.comment.mean", "60s")
	v.SetDefault("delays.profiles.comment.stddev", "18s")
	v.SetDefault("delays.profiles.comment.floor", "30s")
	v.SetDefault("delays.profiles.comment.ceiling", "3m")
	v.SetDefault("delays.profiles.message.mean", "90s")
	v.SetDefault("delays.profiles.message.stddev", "27s")
	v.SetDefault("delays.profiles.message.floor", "45s")
	v.SetDefault("delays.profiles.message.ceiling", "4m")
	// A break must outlast the longest regular pause: 4m message ceiling x 1.5 warm-up.
	v.SetDefault("delays.break.mean", "12m")
	v.SetDefault("delays.break.stddev", "3m")
	v.SetDefault("delays.break.floor", "6m")
	v.SetDefault("delays.break.ceiling", "25m")
	v.SetDefault("delays.break_every", 50)
	v.SetDefault("delays.break_probability", 0.02)
	v.SetDefault("delays.warmup_multiplier", 1.5)
	v.SetDefault("delays.cooldown_multiplier", 3.0)

	// -- Scoring --
	v.SetDefault("scoring.mode", "balanced")
	v.SetDefault("scoring.weights.recency", 0.25)
	v.SetDefault("scoring.weights.engagement", 0.25)
	v.SetDefault("scoring.weights.opportunity", 0.25)
	v.SetDefault("scoring.weights.topic", 0.25)
	v.SetDefault("scoring.keywords", []string{})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("database.url", "PACER_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.ScoringCfg.Keywords = normalizeKeywords(cfg.ScoringCfg.Keywords)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// normalizeKeywords lowercases, trims and de-duplicates keywords. Viper hands a
// comma separated env value over as a single element, so it is split here as well.
func normalizeKeywords(in []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			kw := strings.ToLower(strings.TrimSpace(part))
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			out = append(out, kw)
		}
	}
	return out
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.SchedulerCfg.Validate(); err != nil {
		return fmt.Errorf("scheduler configuration invalid: %w", err)
	}
	if err := c.SessionCfg.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	for actionType, rl := range c.RateLimitsCfg {
		if err := rl.Validate(); err != nil {
			return fmt.Errorf("rate_limits.%s invalid: %w", actionType, err)
		}
	}
	if err := c.DelaysCfg.Validate(); err != nil {
		return fmt.Errorf("delays configuration invalid: %w", err)
	}
	if err := c.ScoringCfg.Validate(); err != nil {
		return fmt.Errorf("scoring configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the scheduler settings.
func (s *SchedulerConfig) Validate() error {
	if s.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if s.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base must be a positive duration")
	}
	if s.BackoffMax < s.BackoffBase {
		return fmt.Errorf("backoff_max must not be smaller than backoff_base")
	}
	return nil
}

// Validate checks the session state machine settings.
func (s *SessionConfig) Validate() error {
	if s.WarmupActions < 0 {
		return fmt.Errorf("warmup_actions must not be negative")
	}
	if s.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if s.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be a positive duration")
	}
	return nil
}

// Validate checks a single rate limit entry.
func (r *RateLimitConfig) Validate() error {
	if r.Hour < 0 || r.Day < 0 || r.Week < 0 {
		return fmt.Errorf("window limits must not be negative")
	}
	if r.MinInterval < 0 {
		return fmt.Errorf("min_interval must not be negative")
	}
	return nil
}

// Validate checks a delay distribution.
func (p *DelayProfile) Validate() error {
	if p.Mean <= 0 {
		return fmt.Errorf("mean must be a positive duration")
	}
	if p.StdDev < 0 {
		return fmt.Errorf("stddev must not be negative")
	}
	if p.Floor < 0 {
		return fmt.Errorf("floor must not be negative")
	}
	if p.Ceiling < p.Floor {
		return fmt.Errorf("ceiling must not be smaller than floor")
	}
	return nil
}

// Validate checks the pacing model.
func (d *DelayConfig) Validate() error {
	if _, ok := d.Profiles[DefaultProfileKey]; !ok {
		return fmt.Errorf("profiles.%s is required", DefaultProfileKey)
	}
	for name, p := range d.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profiles.%s: %w", name, err)
		}
	}
	if d.BreakEvery < 0 {
		return fmt.Errorf("break_every must not be negative")
	}
	if d.BreakProbability < 0 || d.BreakProbability > 1 {
		return fmt.Errorf("break_probability must be between 0.0 and 1.0")
	}
	if d.WarmupMultiplier < 1 || d.CooldownMultiplier < 1 {
		return fmt.Errorf("state multipliers must be at least 1.0")
	}
	if d.BreakEvery > 0 || d.BreakProbability > 0 {
		if err := d.Break.Validate(); err != nil {
			return fmt.Errorf("break: %w", err)
		}
		longest, err := d.LongestPause()
		if err != nil {
			return err
		}
		if d.Break.Floor < longest {
			return fmt.Errorf("break.floor %s must be at least %s, the longest regular pause", d.Break.Floor, longest)
		}
	}
	return nil
}

// LongestPause is the largest regular pause a dispatching session can observe: the
// highest profile ceiling stretched by the warm-up multiplier. Cooling down sessions
// do not dispatch, so the cooldown multiplier does not count.
func (d *DelayConfig) LongestPause() (time.Duration, error) {
	var longest time.Duration
	for name, p := range d.Profiles {
		if p.Ceiling == 0 {
			return 0, fmt.Errorf("profiles.%s needs a ceiling when breaks are enabled", name)
		}
		longest = max(longest, p.Ceiling)
	}
	return time.Duration(float64(longest) * max(d.WarmupMultiplier, 1)), nil
}

// Validate checks the scorer settings.
func (s *ScoringConfig) Validate() error {
	if !scoringModes[s.Mode] {
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	if s.Mode != "custom" {
		return nil
	}
	w := s.Weights
	if w.Recency < 0 || w.Engagement < 0 || w.Opportunity < 0 || w.Topic < 0 {
		return fmt.Errorf("weights must not be negative")
	}
	if math.Abs(w.Sum()-1.0) > 1e-6 {
		return fmt.Errorf("weights must sum to 1.0, got %.4f", w.Sum())
	}
	return nil
}
