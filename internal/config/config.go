// Package config loads and validates the proxy configuration from YAML.
// `${VAR}` and `${VAR:-default}` references are substituted from the
// environment before decoding. Validation failures are fatal: the process
// must not serve with a broken config.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Operating modes.
const (
	ModeRoute = "route"
	ModeMask  = "mask"
)

// Secret actions.
const (
	ActionBlock      = "block"
	ActionMask       = "mask"
	ActionRouteLocal = "route_local"
)

// Config is the root of the YAML surface.
type Config struct {
	Mode             string                 `yaml:"mode"`
	Server           ServerConfig           `yaml:"server"`
	Providers        ProvidersConfig        `yaml:"providers"`
	Masking          MaskingConfig          `yaml:"masking"`
	PIIDetection     PIIDetectionConfig     `yaml:"pii_detection"`
	SecretsDetection SecretsDetectionConfig `yaml:"secrets_detection"`
	RequestLog       RequestLogConfig       `yaml:"request_log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey, when set, gates the chat and /api endpoints.
	APIKey string `yaml:"api_key"`
	// RateLimit is requests per minute per client; 0 disables.
	RateLimit int `yaml:"rate_limit"`
}

type ProvidersConfig struct {
	Upstream *ProviderConfig `yaml:"upstream"`
	Local    *ProviderConfig `yaml:"local"`
}

type ProviderConfig struct {
	Type    string `yaml:"type"` // openai | anthropic
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type MaskingConfig struct {
	ShowMarkers bool     `yaml:"show_markers"`
	MarkerText  string   `yaml:"marker_text"`
	Whitelist   []string `yaml:"whitelist"`
}

type PIIDetectionConfig struct {
	Enabled          bool     `yaml:"enabled"`
	PresidioURL      string   `yaml:"presidio_url"`
	Languages        []string `yaml:"languages"`
	FallbackLanguage string   `yaml:"fallback_language"`
	ScoreThreshold   float64  `yaml:"score_threshold"`
	Entities         []string `yaml:"entities"`
	ScanRoles        []string `yaml:"scan_roles"`
}

type SecretsDetectionConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Action           string   `yaml:"action"`
	Entities         []string `yaml:"entities"`
	MaxScanChars     int      `yaml:"max_scan_chars"`
	LogDetectedTypes bool     `yaml:"log_detected_types"`
	ScanRoles        []string `yaml:"scan_roles"`
}

type RequestLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads, substitutes, decodes and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates raw YAML after env substitution.
func Parse(raw []byte) (*Config, error) {
	expanded, err := ExpandEnv(string(raw))
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Mode: ModeMask,
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Masking: MaskingConfig{
			MarkerText: "[protected]",
		},
		PIIDetection: PIIDetectionConfig{
			Enabled:          true,
			Languages:        []string{"en"},
			FallbackLanguage: "en",
			ScoreThreshold:   0.5,
		},
		SecretsDetection: SecretsDetectionConfig{
			Enabled: true,
			Action:  ActionMask,
		},
		RequestLog: RequestLogConfig{
			Path: "pasteguard.db",
		},
	}
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeRoute, ModeMask:
	default:
		return fmt.Errorf("invalid mode %q (want route or mask)", c.Mode)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("invalid server.rate_limit %d", c.Server.RateLimit)
	}

	if c.Providers.Upstream == nil {
		return fmt.Errorf("providers.upstream is required")
	}
	if err := validateProvider("upstream", c.Providers.Upstream); err != nil {
		return err
	}
	if c.Providers.Local != nil {
		if err := validateProvider("local", c.Providers.Local); err != nil {
			return err
		}
	}
	if c.Mode == ModeRoute && c.Providers.Local == nil {
		return fmt.Errorf("mode=route requires providers.local")
	}

	switch c.SecretsDetection.Action {
	case "", ActionBlock, ActionMask, ActionRouteLocal:
	default:
		return fmt.Errorf("invalid secrets_detection.action %q", c.SecretsDetection.Action)
	}
	if c.SecretsDetection.Action == ActionRouteLocal {
		if c.Mode == ModeMask {
			return fmt.Errorf("secrets_detection.action=route_local is invalid with mode=mask")
		}
		if c.Providers.Local == nil {
			return fmt.Errorf("secrets_detection.action=route_local requires providers.local")
		}
	}
	if c.SecretsDetection.MaxScanChars < 0 {
		return fmt.Errorf("invalid secrets_detection.max_scan_chars %d", c.SecretsDetection.MaxScanChars)
	}

	if c.PIIDetection.Enabled {
		if c.PIIDetection.PresidioURL == "" {
			return fmt.Errorf("pii_detection.presidio_url is required when pii_detection.enabled")
		}
		if len(c.PIIDetection.Languages) == 0 {
			return fmt.Errorf("pii_detection.languages must not be empty")
		}
		if c.PIIDetection.FallbackLanguage == "" {
			return fmt.Errorf("pii_detection.fallback_language is required")
		}
		if !containsFold(c.PIIDetection.Languages, c.PIIDetection.FallbackLanguage) {
			return fmt.Errorf("pii_detection.fallback_language %q is not in pii_detection.languages", c.PIIDetection.FallbackLanguage)
		}
		if c.PIIDetection.ScoreThreshold < 0 || c.PIIDetection.ScoreThreshold > 1 {
			return fmt.Errorf("invalid pii_detection.score_threshold %v (want 0..1)", c.PIIDetection.ScoreThreshold)
		}
	}

	if c.RequestLog.Enabled && c.RequestLog.Path == "" {
		return fmt.Errorf("request_log.path is required when request_log.enabled")
	}

	return nil
}

func validateProvider(name string, p *ProviderConfig) error {
	switch p.Type {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("invalid providers.%s.type %q (want openai or anthropic)", name, p.Type)
	}
	if p.BaseURL == "" {
		return fmt.Errorf("providers.%s.base_url is required", name)
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
