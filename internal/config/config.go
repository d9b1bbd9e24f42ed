// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Pool() PoolConfig
	Portal() PortalConfig
	Pipeline() PipelineConfig

	// Browser Setters
	SetBrowserHeadless(bool)

	// Pool Setters
	SetPoolMaxSessions(int)
	SetPoolAcquireMode(AcquireMode)

	// Pipeline Setters
	SetPipelineArtifactsDir(string)
}

// AcquireMode controls pool behaviour when capacity is reached and the caller
// has no existing session.
type AcquireMode string

const (
	// AcquireFail surfaces CAPACITY_EXCEEDED immediately.
	AcquireFail AcquireMode = "fail"
	// AcquireBlock waits until a slot frees or the context is cancelled.
	AcquireBlock AcquireMode = "block"
)

// Config holds the entire application configuration.
// It uses private fields to enforce access through the Interface's getter methods.
type Config struct {
	logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	pool     PoolConfig     `mapstructure:"pool" yaml:"pool"`
	portal   PortalConfig   `mapstructure:"portal" yaml:"portal"`
	pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.logger }
func (c *Config) Browser() BrowserConfig   { return c.browser }
func (c *Config) Pool() PoolConfig         { return c.pool }
func (c *Config) Portal() PortalConfig     { return c.portal }
func (c *Config) Pipeline() PipelineConfig { return c.pipeline }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)          { c.browser.Headless = b }
func (c *Config) SetPoolMaxSessions(n int)           { c.pool.MaxSessions = n }
func (c *Config) SetPoolAcquireMode(m AcquireMode)   { c.pool.AcquireMode = m }
func (c *Config) SetPipelineArtifactsDir(dir string) { c.pipeline.ArtifactsDir = dir }

// LoggerConfig configures the zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig configures the underlying headless browser process.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent       string   `mapstructure:"user_agent" yaml:"user_agent"`
	Args            []string `mapstructure:"args" yaml:"args"`
}

// PoolConfig governs the per-owner session pool.
type PoolConfig struct {
	MaxSessions    int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ReapInterval   time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	AcquireMode    AcquireMode   `mapstructure:"acquire_mode" yaml:"acquire_mode"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
}

// InteractionMode selects how a form field is driven.
type InteractionMode string

const (
	// ModeDirect sets the value on a plain input/textarea and dispatches
	// input/change events.
	ModeDirect InteractionMode = "direct"
	// ModeCascading drives a selectpicker-backed <select>: set the value,
	// refresh the widget, dispatch change, then verify dependent options moved.
	ModeCascading InteractionMode = "cascading"
)

// FieldSpec binds a logical record field to a form control.
type FieldSpec struct {
	// Key is the logical record field ("amount", "currency", ...).
	Key string `mapstructure:"key" yaml:"key"`
	// Selector locates the control on the form.
	Selector string          `mapstructure:"selector" yaml:"selector"`
	Mode     InteractionMode `mapstructure:"mode" yaml:"mode"`
}

// PortalConfig describes the target site: URLs, credentials and the
// field/selector contract supplied at configuration time. The pipeline never
// infers site behaviour beyond what is declared here.
type PortalConfig struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	LoginURL       string `mapstructure:"login_url" yaml:"login_url"`
	ChargesFormURL string `mapstructure:"charges_form_url" yaml:"charges_form_url"`

	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"` // bound to CHARGEBOT_PORTAL_PASSWORD

	LoginUserSelector   string `mapstructure:"login_user_selector" yaml:"login_user_selector"`
	LoginPassSelector   string `mapstructure:"login_pass_selector" yaml:"login_pass_selector"`
	LoginSubmitSelector string `mapstructure:"login_submit_selector" yaml:"login_submit_selector"`

	DateFromSelector string `mapstructure:"date_from_selector" yaml:"date_from_selector"`
	DateToSelector   string `mapstructure:"date_to_selector" yaml:"date_to_selector"`
	ProgramSelector  string `mapstructure:"program_selector" yaml:"program_selector"`
	TourCodeSelector string `mapstructure:"tour_code_selector" yaml:"tour_code_selector"`

	// SubmitCandidates is tried in order; the first visible one is clicked.
	// The portal's submit button markup is not stable across pages.
	SubmitCandidates []string `mapstructure:"submit_candidates" yaml:"submit_candidates"`

	// Fields lists the remaining form controls in fill order.
	Fields []FieldSpec `mapstructure:"fields" yaml:"fields"`

	// Extraction contract for the generated charge identifier.
	ResultSelectors []string `mapstructure:"result_selectors" yaml:"result_selectors"`
	IDPattern       string   `mapstructure:"id_pattern" yaml:"id_pattern"`
	ScanPatterns    []string `mapstructure:"scan_patterns" yaml:"scan_patterns"`
}

// PipelineConfig holds the retry budgets and timeouts of the submission
// state machine.
type PipelineConfig struct {
	LoginMaxRetries   int           `mapstructure:"login_max_retries" yaml:"login_max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	StepTimeout       time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	DependentWait     time.Duration `mapstructure:"dependent_wait" yaml:"dependent_wait"`
	SettleWait        time.Duration `mapstructure:"settle_wait" yaml:"settle_wait"`
	// InteractionRate caps widget interactions per second against the portal.
	InteractionRate float64 `mapstructure:"interaction_rate" yaml:"interaction_rate"`
	ArtifactsDir    string  `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
}

// rawConfig is the unmarshal target; mapstructure needs exported fields.
// Config keeps its fields private so all access funnels through Interface.
type rawConfig struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Portal   PortalConfig   `mapstructure:"portal"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

func (r rawConfig) build() *Config {
	return &Config{
		logger:   r.Logger,
		browser:  r.Browser,
		pool:     r.Pool,
		portal:   r.Portal,
		pipeline: r.Pipeline,
	}
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		// Cannot happen with static defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return raw.build()
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "chargebot")
	v.SetDefault("logger.log_file", "chargebot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")

	// -- Pool --
	v.SetDefault("pool.max_sessions", 10)
	v.SetDefault("pool.idle_timeout", "30m")
	v.SetDefault("pool.reap_interval", "1m")
	v.SetDefault("pool.acquire_mode", "fail")
	v.SetDefault("pool.acquire_timeout", "2m")

	// -- Portal --
	v.SetDefault("portal.login_user_selector", `input[name="username"], input[name="email"], #username, #email`)
	v.SetDefault("portal.login_pass_selector", `input[name="password"], #password`)
	v.SetDefault("portal.login_submit_selector", `button[type="submit"], input[type="submit"], .btn-login, .login-btn`)
	v.SetDefault("portal.date_from_selector", `input[name="program_date_from"]`)
	v.SetDefault("portal.date_to_selector", `input[name="program_date_to"]`)
	v.SetDefault("portal.program_selector", `select[name="program_id"]`)
	v.SetDefault("portal.tour_code_selector", `select[name="tour_code"]`)
	v.SetDefault("portal.submit_candidates", []string{
		`button[type="submit"]`,
		`input[type="submit"]`,
		`.btn-primary[type="submit"]`,
		`.btn-success`,
		// The save button carries no stable attributes on some form variants;
		// fall back to its Thai label.
		`text=บันทึก`,
	})
	v.SetDefault("portal.result_selectors", []string{
		`.expense-number`,
		`.alert-success`,
		`.alert.alert-success`,
		`.success-message`,
	})
	v.SetDefault("portal.id_pattern", `C\d{6}-\d{6}`)
	v.SetDefault("portal.scan_patterns", []string{
		`(?i)(?:order|expense|reference)[:\s]*([A-Z0-9\-]+)`,
		`([A-Z]\d{6}-\d{4,6})`,
	})
	v.SetDefault("portal.fields", defaultFieldSpecs())

	// -- Pipeline --
	v.SetDefault("pipeline.login_max_retries", 3)
	v.SetDefault("pipeline.retry_backoff", "2s")
	v.SetDefault("pipeline.step_timeout", "30s")
	v.SetDefault("pipeline.navigation_timeout", "90s")
	v.SetDefault("pipeline.dependent_wait", "5s")
	v.SetDefault("pipeline.settle_wait", "2s")
	v.SetDefault("pipeline.interaction_rate", 2.0)
	v.SetDefault("pipeline.artifacts_dir", "artifacts")
}

// defaultFieldSpecs mirrors the charges form as observed: dates and free text
// are plain inputs, type and currency are selectpicker widgets.
func defaultFieldSpecs() []map[string]string {
	return []map[string]string{
		{"key": "payment_date", "selector": `input[name="payment_date"]`, "mode": "direct"},
		{"key": "description", "selector": `input[name*="description"]`, "mode": "direct"},
		{"key": "charge_type", "selector": `select[name="type"]`, "mode": "cascading"},
		{"key": "amount", "selector": `input[name*="amount"]`, "mode": "direct"},
		{"key": "currency", "selector": `select[name="currency"]`, "mode": "cascading"},
		{"key": "exchange_rate", "selector": `input[name*="rate"]`, "mode": "direct"},
		{"key": "remark", "selector": `input[name*="remark"]`, "mode": "direct"},
	}
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Credentials come from the environment, never the config file.
	v.BindEnv("portal.username", "CHARGEBOT_PORTAL_USERNAME")
	v.BindEnv("portal.password", "CHARGEBOT_PORTAL_PASSWORD")

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg := raw.build()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.pool.MaxSessions <= 0 {
		return fmt.Errorf("pool.max_sessions must be a positive integer")
	}
	if c.pool.IdleTimeout <= 0 {
		return fmt.Errorf("pool.idle_timeout must be a positive duration")
	}
	switch c.pool.AcquireMode {
	case AcquireFail, AcquireBlock:
	default:
		return fmt.Errorf("pool.acquire_mode must be %q or %q, got %q", AcquireFail, AcquireBlock, c.pool.AcquireMode)
	}
	if c.pipeline.LoginMaxRetries <= 0 {
		return fmt.Errorf("pipeline.login_max_retries must be a positive integer")
	}
	if c.pipeline.InteractionRate <= 0 {
		return fmt.Errorf("pipeline.interaction_rate must be positive")
	}
	for i, f := range c.portal.Fields {
		switch f.Mode {
		case ModeDirect, ModeCascading:
		default:
			return fmt.Errorf("portal.fields[%d] (%s): unknown interaction mode %q", i, f.Key, f.Mode)
		}
	}
	return nil
}
