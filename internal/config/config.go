// Package config loads service configuration from an optional YAML file
// with REDACT_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Redaction RedactionConfig `koanf:"redaction"`
	Policy    PolicyConfig    `koanf:"policy"`
	Storage   StorageConfig   `koanf:"storage"`
	PubSub    PubSubConfig    `koanf:"pubsub"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// RedactionConfig holds the temporal safety margins. The numbers absorb
// detector boundary jitter and are deployment tuning, not contract.
type RedactionConfig struct {
	// FrameDurationMs is one video frame; visual candidates are padded
	// by this much on each side.
	FrameDurationMs int64 `koanf:"frame_duration_ms"`

	// AudioPadMs pads audio mute candidates on each side.
	AudioPadMs int64 `koanf:"audio_pad_ms"`
}

type PolicyConfig struct {
	// Strictness is "standard" (degraded jobs release with escalated
	// severity) or "strict" (any failed track blocks release).
	Strictness string `koanf:"strictness"`
}

type StorageConfig struct {
	// SQLitePath is the audit database location. Empty selects the
	// in-memory store.
	SQLitePath string `koanf:"sqlite_path"`
}

type PubSubConfig struct {
	Enabled   bool   `koanf:"enabled"`
	ProjectID string `koanf:"project_id"`
	TopicID   string `koanf:"topic_id"`
}

// Load reads configuration from path (if the file exists) and applies
// environment overrides, e.g. REDACT_REDACTION_AUDIO_PAD_MS=200.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults first, then file, then environment.
	defaults := map[string]any{
		"server.port":                 8080,
		"redaction.frame_duration_ms": int64(33),
		"redaction.audio_pad_ms":      int64(150),
		"policy.strictness":           "standard",
		"storage.sqlite_path":         "",
		"pubsub.enabled":              false,
	}
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("REDACT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "REDACT_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Redaction.FrameDurationMs < 0 || c.Redaction.AudioPadMs < 0 {
		return fmt.Errorf("redaction pads must be non-negative")
	}
	switch c.Policy.Strictness {
	case "standard", "strict":
	default:
		return fmt.Errorf("unknown policy strictness %q", c.Policy.Strictness)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub enabled but project_id or topic_id missing")
	}
	return nil
}
