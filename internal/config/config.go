// Package config loads runtime settings from the environment and an
// optional YAML or JSON config file. Environment variables win over
// file values; file values win over defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "SMITH_"

// Config holds every tunable the runtime reads. Zero value is not
// usable; construct via Load or Default.
type Config struct {
	// DefaultTimeoutSec bounds a single tool invocation when the plan
	// does not set a node timeout.
	DefaultTimeoutSec float64 `json:"default_timeout,omitempty" yaml:"default_timeout,omitempty"`
	// MaxRetries is the per-node retry budget when the plan does not
	// set one.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	// TraceLimitChars caps the serialized trace handed to the final
	// synthesis call.
	TraceLimitChars int `json:"trace_limit_chars,omitempty" yaml:"trace_limit_chars,omitempty"`
	// RequireApproval gates dangerous tools behind an approval decision.
	RequireApproval *bool `json:"require_approval,omitempty" yaml:"require_approval,omitempty"`
	// AutoApprove lists tool:function glob patterns that are granted
	// without asking.
	AutoApprove []string `json:"auto_approve,omitempty" yaml:"auto_approve,omitempty"`
	// MaxWorkers bounds concurrent node execution.
	MaxWorkers int `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
	// PrimaryModel is the first reasoning model tried; the caller falls
	// back down the model chain on failure.
	PrimaryModel string `json:"primary_model,omitempty" yaml:"primary_model,omitempty"`
	// GroqAPIKey authenticates reasoning calls. Env only; never read
	// from a config file.
	GroqAPIKey string `json:"-" yaml:"-"`
	// GroqRPM and GroqTPM are the provider request and token budgets
	// per minute.
	GroqRPM int `json:"groq_rpm,omitempty" yaml:"groq_rpm,omitempty"`
	GroqTPM int `json:"groq_tpm,omitempty" yaml:"groq_tpm,omitempty"`
	// BackoffMaxSec caps any single throttler sleep.
	BackoffMaxSec float64 `json:"backoff_max_seconds,omitempty" yaml:"backoff_max_seconds,omitempty"`
	// DebugMode emits debug_args events with fully resolved tool inputs.
	DebugMode bool `json:"debug_mode,omitempty" yaml:"debug_mode,omitempty"`
	// RegistryPath points at an optional tool registry JSON document
	// merged over the built-in descriptors.
	RegistryPath string `json:"registry_path,omitempty" yaml:"registry_path,omitempty"`
	// ListenAddr is the serve-mode bind address.
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
}

// Default returns the baseline configuration before any file or env
// overrides.
func Default() Config {
	t := true
	return Config{
		DefaultTimeoutSec: 45,
		MaxRetries:        2,
		TraceLimitChars:   50_000,
		RequireApproval:   &t,
		MaxWorkers:        4,
		PrimaryModel:      "llama-3.3-70b-versatile",
		GroqRPM:           30,
		GroqTPM:           6_000,
		BackoffMaxSec:     30,
		ListenAddr:        "127.0.0.1:8741",
	}
}

// Load builds the effective config: defaults, then the file at path
// (when non-empty), then SMITH_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := mergeEnv(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, cfg); err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, cfg); err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
	}
	return nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func mergeEnv(cfg *Config) error {
	var firstErr error
	getF := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s%s: %w", envPrefix, key, err)
				}
				return
			}
			*dst = f
		}
	}
	getI := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s%s: %w", envPrefix, key, err)
				}
				return
			}
			*dst = n
		}
	}
	getS := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	getB := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			*dst = parseBool(v, *dst)
		}
	}

	getF("TIMEOUT", &cfg.DefaultTimeoutSec)
	getI("MAX_RETRIES", &cfg.MaxRetries)
	getI("TRACE_LIMIT", &cfg.TraceLimitChars)
	if v, ok := lookup("REQUIRE_APPROVAL"); ok {
		b := parseBool(v, true)
		cfg.RequireApproval = &b
	}
	if v, ok := lookup("AUTO_APPROVE"); ok {
		cfg.AutoApprove = splitNonEmpty(v)
	}
	getI("MAX_WORKERS", &cfg.MaxWorkers)
	getS("LLM_MODEL", &cfg.PrimaryModel)
	getI("GROQ_RPM", &cfg.GroqRPM)
	getI("GROQ_TPM", &cfg.GroqTPM)
	getF("BACKOFF_MAX_SECONDS", &cfg.BackoffMaxSec)
	getB("DEBUG", &cfg.DebugMode)
	getS("REGISTRY", &cfg.RegistryPath)
	getS("LISTEN_ADDR", &cfg.ListenAddr)

	// GROQ_API_KEY is conventional and unprefixed; SMITH_GROQ_API_KEY
	// wins when both are set.
	if v, ok := lookup("GROQ_API_KEY"); ok {
		cfg.GroqAPIKey = strings.TrimSpace(v)
	} else if v := os.Getenv("GROQ_API_KEY"); strings.TrimSpace(v) != "" {
		cfg.GroqAPIKey = strings.TrimSpace(v)
	}
	return firstErr
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func validate(cfg *Config) error {
	if cfg.DefaultTimeoutSec <= 0 {
		return fmt.Errorf("default_timeout must be > 0")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if cfg.TraceLimitChars <= 0 {
		return fmt.Errorf("trace_limit_chars must be > 0")
	}
	if cfg.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be > 0")
	}
	if cfg.GroqRPM <= 0 || cfg.GroqTPM <= 0 {
		return fmt.Errorf("groq_rpm and groq_tpm must be > 0")
	}
	if cfg.BackoffMaxSec <= 0 {
		return fmt.Errorf("backoff_max_seconds must be > 0")
	}
	if strings.TrimSpace(cfg.PrimaryModel) == "" {
		return fmt.Errorf("primary_model is required")
	}
	return nil
}

// RequireApprovalEnabled resolves the tri-state pointer with the
// default of true.
func (c *Config) RequireApprovalEnabled() bool {
	if c == nil || c.RequireApproval == nil {
		return true
	}
	return *c.RequireApproval
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return def
	}
}

func splitNonEmpty(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
