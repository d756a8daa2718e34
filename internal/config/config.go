// Package config provides the configuration schema, loader, and provider registry
// for the Aria voice tutor.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default provider and backend names.
const (
	DefaultProvider     = "gemini-live"
	DefaultAudioBackend = "malgo"
)

// Environment variables consulted, in order, when provider.api_key is empty.
var APIKeyEnv = []string{"ARIA_API_KEY", "GEMINI_API_KEY"}

// Config is the root configuration structure for Aria.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Provider     ProviderEntry      `yaml:"provider"`
	Conversation ConversationConfig `yaml:"conversation"`
	Audio        AudioConfig        `yaml:"audio"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP surface (e.g., ":8080").
	// Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry configures the remote speech-to-speech service. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key. When empty, the variables in
	// [APIKeyEnv] are consulted.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// ConversationConfig holds the per-conversation settings. Changes are picked
// up by the next conversation started after a reload.
type ConversationConfig struct {
	// Voice is the prebuilt voice name (e.g., "Zephyr").
	Voice string `yaml:"voice"`

	// SystemInstruction replaces the built-in tutor instruction when set.
	SystemInstruction string `yaml:"system_instruction"`

	// FrameSize is the capture frame length in samples.
	FrameSize int `yaml:"frame_size"`

	// SendQueueSize bounds the captured frames buffered before the session
	// opens.
	SendQueueSize int `yaml:"send_queue_size"`

	// ConnectTimeout bounds session setup (e.g., "15s"). Zero disables it.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// AudioConfig selects the local audio backend.
type AudioConfig struct {
	// Backend names a registered audio backend ("malgo" or "null").
	Backend string `yaml:"backend"`
}
