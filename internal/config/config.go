// Package config provides the configuration schema, loader, environment
// overlay, and provider registry for the windmill assistant.
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

// InputMode selects how the user talks to the assistant at startup.
type InputMode string

const (
	ModeText  InputMode = "text"
	ModeVoice InputMode = "voice"
)

// IsValid reports whether m is a recognised input mode.
func (m InputMode) IsValid() bool {
	return m == ModeText || m == ModeVoice
}

// DeliveryTransport selects the bus the reply values are published to.
type DeliveryTransport string

const (
	TransportMQTT      DeliveryTransport = "mqtt"
	TransportWebsocket DeliveryTransport = "websocket"

	// TransportNone disables publishing; replies are only shown.
	TransportNone DeliveryTransport = "none"
)

// IsValid reports whether t is a recognised transport.
func (t DeliveryTransport) IsValid() bool {
	switch t {
	case TransportMQTT, TransportWebsocket, TransportNone:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Conversation ConversationConfig `yaml:"conversation"`
	Audio        AudioConfig        `yaml:"audio"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
	Journal      JournalConfig      `yaml:"journal"`
	Network      NetworkConfig      `yaml:"network"`
}

// ServerConfig holds the observability listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves /metrics, /healthz and /readyz when set (e.g. ":9090").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares which implementation backs each external service.
// Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	Conversation ProviderEntry `yaml:"conversation"`
	STT          ProviderEntry `yaml:"stt"`

	// STTFallback, when named, is tried after STT fails.
	STTFallback ProviderEntry `yaml:"stt_fallback"`

	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g. "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// ConversationConfig shapes the assistant's behaviour.
type ConversationConfig struct {
	// Instructions is the system prompt. Hot-reloadable.
	Instructions string `yaml:"instructions"`

	// PromptID references a stored prompt (Responses API only).
	PromptID string `yaml:"prompt_id"`

	// Welcome is printed once at startup.
	Welcome string `yaml:"welcome"`

	// HistoryLimit caps the messages kept per conversation by stateless
	// chat-completion backends.
	HistoryLimit int `yaml:"history_limit"`

	// DisableSchema turns off the strict JSON schema response format.
	DisableSchema bool `yaml:"disable_schema"`
}

// AudioConfig controls voice capture.
type AudioConfig struct {
	// Mode is the input mode at startup.
	Mode InputMode `yaml:"mode"`

	// Calibrate measures the room's noise floor before listening.
	Calibrate *bool `yaml:"calibrate"`

	CalibrationDuration time.Duration `yaml:"calibration_duration"`

	// EnergyThreshold overrides the static RMS gate when non-zero.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// VoiceWaitTimeout overrides how long to wait for speech onset.
	VoiceWaitTimeout time.Duration `yaml:"voice_wait_timeout"`

	// Device is the capture device name; empty selects the system default.
	Device string `yaml:"device"`
}

// CalibrationEnabled reports whether startup calibration should run.
func (a AudioConfig) CalibrationEnabled() bool {
	return a.Calibrate == nil || *a.Calibrate
}

// DeliveryConfig describes the actuator bus.
type DeliveryConfig struct {
	Transport DeliveryTransport `yaml:"transport"`

	// MQTT settings.
	Broker         string `yaml:"broker"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	ClientID       string `yaml:"client_id"`
	UniqueClientID bool   `yaml:"unique_client_id"`

	// URL is the websocket bridge address.
	URL string `yaml:"url"`

	Topic string `yaml:"topic"`

	MaxAttempts     int           `yaml:"max_attempts"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
}

// JournalConfig configures the optional conversation journal.
type JournalConfig struct {
	// DSN is a PostgreSQL connection string. Empty disables the journal.
	DSN string `yaml:"dsn"`
}

// NetworkConfig holds outbound networking settings.
type NetworkConfig struct {
	// Proxy is a socks5:// URL used for provider API calls.
	Proxy string `yaml:"proxy"`
}
