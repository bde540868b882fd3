package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	// Provider selects the outbound adapter: "telegram" or "lark".
	Provider string `json:"provider"`

	// Identity keys the credential cache (one credential per identity).
	Identity string `json:"identity"`

	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Lark     *LarkConfig     `json:"lark,omitempty"`

	Delivery DeliveryConfig `json:"delivery"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
}

type LarkConfig struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
	// BaseURL overrides the open-platform endpoint (tests, private deployments).
	BaseURL string `json:"base_url,omitempty"`
}

// DeliveryConfig tunes the streaming coordinator.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields fall back to the coordinator defaults.
type DeliveryConfig struct {
	MinUpdateInterval      string `json:"min_update_interval,omitempty"`
	IdleFinalizeAfter      string `json:"idle_finalize_after,omitempty"`
	TTL                    string `json:"ttl,omitempty"`
	SweepInterval          string `json:"sweep_interval,omitempty"`
	CredentialSafetyMargin string `json:"credential_safety_margin,omitempty"`
	MaxRetryAttempts       int    `json:"max_retry_attempts,omitempty"`
	RetryBaseDelay         string `json:"retry_base_delay,omitempty"`
	RatePerSec             int    `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

// DeliveryRuntime is DeliveryConfig with durations parsed.
type DeliveryRuntime struct {
	MinUpdateInterval      time.Duration
	IdleFinalizeAfter      time.Duration
	TTL                    time.Duration
	SweepInterval          time.Duration
	CredentialSafetyMargin time.Duration
	MaxRetryAttempts       int
	RetryBaseDelay         time.Duration
	RatePerSec             int
}

// DeliveryRuntime parses the duration fields. Zero values mean "use the
// component default"; invalid strings are configuration errors.
func (c *Config) DeliveryRuntime() (DeliveryRuntime, error) {
	d := c.Delivery
	var rt DeliveryRuntime
	var err error
	if rt.MinUpdateInterval, err = ParseDurationField("delivery.min_update_interval", d.MinUpdateInterval); err != nil {
		return rt, err
	}
	if rt.IdleFinalizeAfter, err = ParseDurationField("delivery.idle_finalize_after", d.IdleFinalizeAfter); err != nil {
		return rt, err
	}
	if rt.TTL, err = ParseDurationField("delivery.ttl", d.TTL); err != nil {
		return rt, err
	}
	if rt.SweepInterval, err = ParseDurationField("delivery.sweep_interval", d.SweepInterval); err != nil {
		return rt, err
	}
	if rt.CredentialSafetyMargin, err = ParseDurationField("delivery.credential_safety_margin", d.CredentialSafetyMargin); err != nil {
		return rt, err
	}
	if rt.RetryBaseDelay, err = ParseDurationField("delivery.retry_base_delay", d.RetryBaseDelay); err != nil {
		return rt, err
	}
	rt.MaxRetryAttempts = d.MaxRetryAttempts
	rt.RatePerSec = d.RatePerSec
	return rt, nil
}

// Validate checks cross-field requirements not expressible in the schema.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case "telegram":
		if c.Telegram == nil || strings.TrimSpace(c.Telegram.Token) == "" {
			return errors.New("provider telegram requires telegram.token")
		}
	case "lark":
		if c.Lark == nil || strings.TrimSpace(c.Lark.AppID) == "" || strings.TrimSpace(c.Lark.AppSecret) == "" {
			return errors.New("provider lark requires lark.app_id and lark.app_secret")
		}
	case "":
		return errors.New("provider is required")
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if strings.TrimSpace(c.Identity) == "" {
		return errors.New("identity is required")
	}
	if _, err := c.DeliveryRuntime(); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Load reads and strictly decodes a config file (JSON, or YAML coerced to
// JSON so unknown fields are rejected in both formats).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		if raw, err = yamlToJSON(raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	// Both formats funnel through one strict decoder so unknown keys fail
	// loudly instead of being silently ignored.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// yamlToJSON re-encodes a YAML document as JSON. yaml.v3 decodes mappings
// with string keys already, but nested documents can still surface
// map[any]any, so keys are stringified before the JSON pass.
func yamlToJSON(raw []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(stringifyKeys(doc))
}

func stringifyKeys(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = stringifyKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range t {
			t[k] = stringifyKeys(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = stringifyKeys(val)
		}
		return t
	}
	return v
}
