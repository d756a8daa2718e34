package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":   {"gemini-live"},
	"audio": {"malgo", "null"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the API
// key environment fallback, and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Provider.Name == "" {
		c.Provider.Name = DefaultProvider
	}
	if c.Audio.Backend == "" {
		c.Audio.Backend = DefaultAudioBackend
	}
	if strings.TrimSpace(c.Provider.APIKey) == "" {
		c.Provider.APIKey = apiKeyFromEnv()
	}
}

func apiKeyFromEnv() string {
	for _, name := range APIKeyEnv {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
//
// A missing API key is not a validation failure: the conversation reports it
// as a configuration error when it is started.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("s2s", cfg.Provider.Name)
	validateProviderName("audio", cfg.Audio.Backend)
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty and no key found in the environment; conversations will fail to start",
			"env", APIKeyEnv,
		)
	}

	// Conversation
	conv := cfg.Conversation
	if conv.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("conversation.frame_size %d must not be negative", conv.FrameSize))
	}
	if conv.FrameSize > 0 && conv.FrameSize&(conv.FrameSize-1) != 0 {
		slog.Warn("conversation.frame_size is not a power of two", "frame_size", conv.FrameSize)
	}
	if conv.SendQueueSize < 0 {
		errs = append(errs, fmt.Errorf("conversation.send_queue_size %d must not be negative", conv.SendQueueSize))
	}
	if conv.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("conversation.connect_timeout %s must not be negative", conv.ConnectTimeout))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
