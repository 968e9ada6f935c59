// Package config provides configuration loading for mofsci.
//
// Configuration is assembled from a YAML file and MOFSCI_* environment
// variables on top of built-in defaults. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config holds the complete mofsci configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	LLM           LLMConfig           `koanf:"llm"`
	Tools         ToolsConfig         `koanf:"tools"`
	Store         StoreConfig         `koanf:"store"`
	Redaction     RedactionConfig     `koanf:"redaction"`
	NATS          NATSConfig          `koanf:"nats"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// OrchestratorConfig bounds a single run.
type OrchestratorConfig struct {
	// MaxRevisions is the number of reject/re-plan cycles allowed before a
	// run ends with revision_limit_exceeded. 1 means at most 2 proposals.
	MaxRevisions int `koanf:"max_revisions"`

	// MaxPlanSteps rejects plans longer than this as a configuration error.
	MaxPlanSteps int `koanf:"max_plan_steps"`

	ProposerTimeout time.Duration `koanf:"proposer_timeout"`
	ReviewerTimeout time.Duration `koanf:"reviewer_timeout"`
	ReporterTimeout time.Duration `koanf:"reporter_timeout"`
	StepTimeout     time.Duration `koanf:"step_timeout"`

	// StepRetries applies only to operations registered as retryable.
	StepRetries int `koanf:"step_retries"`
}

// LLMConfig selects the reasoning backend for the proposer, reviewer and
// reporter. Provider "none" uses the rule-based reviewer and markdown
// reporter and requires an explicit plan.
type LLMConfig struct {
	Provider    string  `koanf:"provider"`
	Model       string  `koanf:"model"`
	BaseURL     string  `koanf:"base_url"`
	APIKey      Secret  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
	RateLimit   float64 `koanf:"rate_limit"`
	MaxRetries  int     `koanf:"max_retries"`
}

// ToolsConfig configures the scientific operations.
type ToolsConfig struct {
	DataDir           string  `koanf:"data_dir"`
	CatalogPath       string  `koanf:"catalog_path"`
	OptimizerMaxSteps int     `koanf:"optimizer_max_steps"`
	OptimizerFmax     float64 `koanf:"optimizer_fmax"`
}

// StoreConfig configures the run record store. An empty path disables it.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// RedactionConfig controls credential scrubbing of stored and streamed
// run records.
type RedactionConfig struct {
	Enabled   bool     `koanf:"enabled"`
	AllowList []string `koanf:"allow_list"`
}

// NATSConfig configures trace streaming.
type NATSConfig struct {
	URL           string `koanf:"url"`
	Embedded      bool   `koanf:"embedded"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Enabled reports whether trace streaming is configured at all.
func (n NATSConfig) Enabled() bool {
	return n.URL != "" || n.Embedded
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"`
	Insecure        bool   `koanf:"insecure"`
	ServiceName     string `koanf:"service_name"`
}

// LoggingConfig holds the subset of logging options exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	cfg := &Config{
		Orchestrator: OrchestratorConfig{
			MaxRevisions: 1,
			StepRetries:  1,
		},
		Store:     StoreConfig{Path: "./data/runs.db"},
		Redaction: RedactionConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}

	o := c.Orchestrator
	if o.MaxRevisions < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_revisions must be >= 0, got %d", o.MaxRevisions))
	}
	if o.MaxPlanSteps <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_plan_steps must be > 0, got %d", o.MaxPlanSteps))
	}
	if o.StepRetries < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.step_retries must be >= 0, got %d", o.StepRetries))
	}
	for name, d := range map[string]time.Duration{
		"proposer_timeout": o.ProposerTimeout,
		"reviewer_timeout": o.ReviewerTimeout,
		"reporter_timeout": o.ReporterTimeout,
		"step_timeout":     o.StepTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("orchestrator.%s must be positive", name))
		}
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "none":
	case "openai", "anthropic":
		if c.LLM.Model == "" {
			errs = append(errs, fmt.Errorf("llm.model is required for provider %q", c.LLM.Provider))
		}
		if !c.LLM.APIKey.IsSet() && c.LLM.BaseURL == "" {
			errs = append(errs, fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider))
		}
		if strings.EqualFold(c.LLM.Provider, "anthropic") && c.LLM.BaseURL != "" {
			errs = append(errs, fmt.Errorf("llm.base_url is only supported for provider openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be none, openai or anthropic, got %q", c.LLM.Provider))
	}
	if c.LLM.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("llm.rate_limit must be positive"))
	}

	if c.Tools.DataDir == "" {
		errs = append(errs, errors.New("tools.data_dir is required"))
	}
	if c.Tools.OptimizerMaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("tools.optimizer_max_steps must be positive"))
	}
	if c.Tools.OptimizerFmax <= 0 {
		errs = append(errs, fmt.Errorf("tools.optimizer_fmax must be positive"))
	}

	for i, pattern := range c.Redaction.AllowList {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("redaction.allow_list[%d]: %w", i, err))
		}
	}

	if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
		errs = append(errs, fmt.Errorf("nats.subject_prefix %q is not a valid subject token", c.NATS.SubjectPrefix))
	}

	if c.Observability.EnableTelemetry && c.Observability.OTLPEndpoint == "" {
		errs = append(errs, errors.New("observability.otlp_endpoint is required when telemetry is enabled"))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
