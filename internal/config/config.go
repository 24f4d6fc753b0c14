/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package config loads the agent configuration: defaults, overlaid by an
// optional YAML file, overlaid by TWINWARD_* environment variables. The
// configuration is read once at startup and immutable afterwards; only the
// safety policy hot-reloads, through its own TTL.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can say "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML emits Go duration syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BreakerConfig holds circuit-breaker thresholds for one backend.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int      `yaml:"half_open_max_calls"`
}

// ServerConfig configures the public HTTP surface.
type ServerConfig struct {
	Addr               string              `yaml:"addr"`
	AuthMode           string              `yaml:"auth_mode"` // none | mtls
	DefaultRoles       []string            `yaml:"default_roles"`
	SubjectRoles       map[string][]string `yaml:"subject_roles"`
	TLSCertFile        string              `yaml:"tls_cert_file"`
	TLSKeyFile         string              `yaml:"tls_key_file"`
	ClientCAFile       string              `yaml:"client_ca_file"`
	ProxySubjectHeader string              `yaml:"proxy_subject_header"`
	DrainTimeout       Duration            `yaml:"drain_timeout"`
}

// TwinConfig configures the twin repository transport.
type TwinConfig struct {
	BaseURL string        `yaml:"base_url"`
	ShellID string        `yaml:"shell_id"`
	Timeout Duration      `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BusConfig configures the MQTT event-bus client.
type BusConfig struct {
	BrokerURL           string   `yaml:"broker_url"`
	ClientID            string   `yaml:"client_id"`
	AASRepoID           string   `yaml:"aas_repo_id"`
	SubmodelRepoID      string   `yaml:"submodel_repo_id"`
	QoS                 int      `yaml:"qos"`
	ReconnectBaseDelay  Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay   Duration `yaml:"reconnect_max_delay"`
	ReconnectMultiplier float64  `yaml:"reconnect_multiplier"`
}

// SafetyConfig configures the safety kernel and audit log.
type SafetyConfig struct {
	PolicySubmodelID           string   `yaml:"policy_submodel_id"`
	PolicyVerificationRequired bool     `yaml:"policy_verification_required"`
	PolicyCacheTTL             Duration `yaml:"policy_cache_ttl"`
	PolicyMaxAge               Duration `yaml:"policy_max_age"`
	InterlockFailSafe          bool     `yaml:"interlock_fail_safe"`
	ApprovalTimeout            Duration `yaml:"approval_timeout"`
	ApprovalPollInterval       Duration `yaml:"approval_poll_interval"`
	AuditLogPath               string   `yaml:"audit_log_path"`
}

// JobsConfig configures asynchronous job monitoring.
type JobsConfig struct {
	PollInterval      Duration `yaml:"poll_interval"`
	Timeout           Duration `yaml:"timeout"`
	HTTPFallbackPolls int      `yaml:"http_fallback_polls"`
}

// CapabilityConfig configures tool retrieval.
type CapabilityConfig struct {
	TopK          int      `yaml:"top_k"`
	AlwaysInclude []string `yaml:"always_include"`
}

// LLMConfig configures the language-model clients.
type LLMConfig struct {
	Provider         string        `yaml:"provider"` // rules | anthropic | openai
	FallbackProvider string        `yaml:"fallback_provider"`
	Model            string        `yaml:"model"`
	APIKey           string        `yaml:"api_key"`
	Endpoint         string        `yaml:"endpoint"`
	MaxTokens        int           `yaml:"max_tokens"`
	ConcurrencyLimit int           `yaml:"concurrency_limit"`
	Breaker          BreakerConfig `yaml:"breaker"`
}

// OrchestratorConfig configures the request loop.
type OrchestratorConfig struct {
	ToolConcurrencyLimit int `yaml:"tool_concurrency_limit"`
	HistoryLimit         int `yaml:"history_limit"`
}

// RateLimitConfig configures per-client admission control.
type RateLimitConfig struct {
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	ExcludedPaths     []string `yaml:"excluded_paths"`
	EntryTTL          Duration `yaml:"entry_ttl"`
}

// IdempotencyConfig selects the action-id store backend.
type IdempotencyConfig struct {
	Backend     string   `yaml:"backend"` // memory | postgres
	PostgresDSN string   `yaml:"postgres_dsn"`
	TTL         Duration `yaml:"ttl"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Config is the whole agent configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Twin         TwinConfig         `yaml:"twin"`
	Bus          BusConfig          `yaml:"bus"`
	Safety       SafetyConfig       `yaml:"safety"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Capability   CapabilityConfig   `yaml:"capability"`
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:               ":8080",
			AuthMode:           "none",
			DefaultRoles:       []string{"viewer"},
			ProxySubjectHeader: "X-Client-Subject",
			DrainTimeout:       Duration(30 * time.Second),
		},
		Twin: TwinConfig{
			BaseURL: "http://localhost:8081",
			ShellID: "urn:example:aas:pump-001",
			Timeout: Duration(10 * time.Second),
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  Duration(30 * time.Second),
				HalfOpenMaxCalls: 3,
			},
		},
		Bus: BusConfig{
			BrokerURL:           "tcp://localhost:1883",
			ClientID:            "twinward-agent",
			AASRepoID:           "default",
			SubmodelRepoID:      "default",
			QoS:                 1,
			ReconnectBaseDelay:  Duration(1 * time.Second),
			ReconnectMaxDelay:   Duration(60 * time.Second),
			ReconnectMultiplier: 2.0,
		},
		Safety: SafetyConfig{
			PolicySubmodelID:           "urn:example:submodel:policy",
			PolicyVerificationRequired: true,
			PolicyCacheTTL:             Duration(300 * time.Second),
			InterlockFailSafe:          true,
			ApprovalTimeout:            Duration(time.Hour),
			ApprovalPollInterval:       Duration(2 * time.Second),
			AuditLogPath:               "audit_logs/audit.jsonl",
		},
		Jobs: JobsConfig{
			PollInterval:      Duration(1 * time.Second),
			Timeout:           Duration(300 * time.Second),
			HTTPFallbackPolls: 5,
		},
		Capability: CapabilityConfig{TopK: 12},
		LLM: LLMConfig{
			Provider:         "rules",
			FallbackProvider: "rules",
			MaxTokens:        4096,
			ConcurrencyLimit: 4,
			Breaker: BreakerConfig{
				FailureThreshold: 3,
				RecoveryTimeout:  Duration(60 * time.Second),
				HalfOpenMaxCalls: 3,
			},
		},
		Orchestrator: OrchestratorConfig{
			ToolConcurrencyLimit: 4,
			HistoryLimit:         50,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Burst:             10,
			ExcludedPaths:     []string{"/health", "/ready", "/metrics"},
			EntryTTL:          Duration(5 * time.Minute),
		},
		Idempotency: IdempotencyConfig{
			Backend: "memory",
			TTL:     Duration(24 * time.Hour),
		},
		Telemetry: TelemetryConfig{ServiceName: "twinward"},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	str("TWINWARD_LISTEN_ADDR", &cfg.Server.Addr)
	str("TWINWARD_AUTH_MODE", &cfg.Server.AuthMode)
	str("TWINWARD_TWIN_URL", &cfg.Twin.BaseURL)
	str("TWINWARD_TWIN_SHELL_ID", &cfg.Twin.ShellID)
	str("TWINWARD_BUS_BROKER_URL", &cfg.Bus.BrokerURL)
	str("TWINWARD_BUS_CLIENT_ID", &cfg.Bus.ClientID)
	str("TWINWARD_POLICY_SUBMODEL_ID", &cfg.Safety.PolicySubmodelID)
	boolean("TWINWARD_POLICY_VERIFICATION_REQUIRED", &cfg.Safety.PolicyVerificationRequired)
	boolean("TWINWARD_INTERLOCK_FAIL_SAFE", &cfg.Safety.InterlockFailSafe)
	str("TWINWARD_AUDIT_LOG_PATH", &cfg.Safety.AuditLogPath)
	dur("TWINWARD_APPROVAL_TIMEOUT", &cfg.Safety.ApprovalTimeout)
	str("TWINWARD_LLM_PROVIDER", &cfg.LLM.Provider)
	str("TWINWARD_LLM_MODEL", &cfg.LLM.Model)
	str("TWINWARD_LLM_API_KEY", &cfg.LLM.APIKey)
	str("TWINWARD_LLM_ENDPOINT", &cfg.LLM.Endpoint)
	str("TWINWARD_IDEMPOTENCY_BACKEND", &cfg.Idempotency.Backend)
	str("TWINWARD_IDEMPOTENCY_DSN", &cfg.Idempotency.PostgresDSN)
	str("TWINWARD_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Server.AuthMode {
	case "none", "mtls":
	default:
		return fmt.Errorf("server.auth_mode %q: must be none or mtls", c.Server.AuthMode)
	}
	if c.Server.AuthMode == "mtls" && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		if c.Server.ProxySubjectHeader == "" {
			return fmt.Errorf("auth_mode mtls requires TLS material or a trusted proxy subject header")
		}
	}
	if c.Twin.BaseURL == "" {
		return fmt.Errorf("twin.base_url is required")
	}
	if c.Twin.ShellID == "" {
		return fmt.Errorf("twin.shell_id is required")
	}
	switch c.LLM.Provider {
	case "rules", "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider %q: must be rules, anthropic, or openai", c.LLM.Provider)
	}
	if c.LLM.Provider != "rules" && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.provider %s requires llm.api_key", c.LLM.Provider)
	}
	switch c.Idempotency.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("idempotency.backend %q: must be memory or postgres", c.Idempotency.Backend)
	}
	if c.Idempotency.Backend == "postgres" && c.Idempotency.PostgresDSN == "" {
		return fmt.Errorf("idempotency.backend postgres requires postgres_dsn")
	}
	if c.Jobs.HTTPFallbackPolls <= 0 {
		return fmt.Errorf("jobs.http_fallback_polls must be positive")
	}
	if c.Capability.TopK <= 0 {
		return fmt.Errorf("capability.top_k must be positive")
	}
	return nil
}
