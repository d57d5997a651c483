package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied to fields left empty.
const (
	DefaultConversationProvider = "openai"
	DefaultConversationModel    = "gpt-4.1-mini"
	DefaultSTTProvider          = "openai"
	DefaultTranscriptionModel   = "gpt-4o-transcribe"
	DefaultVADProvider          = "webrtc"
	DefaultWelcome              = "Hello! Ask a question to adjust the windmills."
	DefaultMQTTPort             = 1883
	DefaultClientID             = "windmill-assistant"
	DefaultMaxAttempts          = 5
	DefaultCalibration          = 1500 * time.Millisecond
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"conversation": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":          {"openai", "whisper", "whisper-native"},
	"vad":          {"webrtc"},
}

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an
// error when optional is true.
func LoadEnvFile(path string, optional bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %q: %w", path, err)
	}
	return nil
}

// Load reads the YAML configuration file at path, overlays the process
// environment, and validates the result. An empty path yields the defaults
// plus the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadWithEnv(bytes.NewReader(nil), os.LookupEnv)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadWithEnv(f, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return LoadWithEnv(r, nil)
}

// LoadWithEnv is [LoadFromReader] with an environment overlay read through
// lookup. A nil lookup skips the overlay.
func LoadWithEnv(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the recognised environment variables onto cfg. A set
// variable wins over the file.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("MQTT_BROKER", &cfg.Delivery.Broker)
	if v, ok := lookup("MQTT_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MQTT_PORT %q is not a number", v))
		} else {
			cfg.Delivery.Port = port
		}
	}
	str("MQTT_TOPIC", &cfg.Delivery.Topic)
	str("MQTT_USER", &cfg.Delivery.Username)
	str("MQTT_PASSWORD", &cfg.Delivery.Password)
	str("MQTT_CLIENT_ID", &cfg.Delivery.ClientID)

	if key, ok := lookup("OPENAI_API_KEY"); ok && key != "" {
		for _, e := range []*ProviderEntry{&cfg.Providers.Conversation, &cfg.Providers.STT, &cfg.Providers.STTFallback} {
			if (e.Name == "" || e.Name == "openai") && e.APIKey == "" {
				e.APIKey = key
			}
		}
	}
	str("OPENAI_PROMPT_ID", &cfg.Conversation.PromptID)
	str("PROMPT_INSTRUCTIONS", &cfg.Conversation.Instructions)
	str("OPENAI_CONVERSATION_MODEL", &cfg.Providers.Conversation.Model)
	str("TRANSCRIPTION_MODEL", &cfg.Providers.STT.Model)
	str("WELCOME_MESSAGE", &cfg.Conversation.Welcome)
	str("JOURNAL_DSN", &cfg.Journal.DSN)
	str("OPENAI_PROXY", &cfg.Network.Proxy)
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

// ApplyDefaults fills empty fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	p := &cfg.Providers
	if p.Conversation.Name == "" {
		p.Conversation.Name = DefaultConversationProvider
	}
	if p.Conversation.Model == "" && p.Conversation.Name == "openai" {
		p.Conversation.Model = DefaultConversationModel
	}
	if p.STT.Name == "" {
		p.STT.Name = DefaultSTTProvider
	}
	if p.STT.Model == "" && p.STT.Name == "openai" {
		p.STT.Model = DefaultTranscriptionModel
	}
	if p.VAD.Name == "" {
		p.VAD.Name = DefaultVADProvider
	}

	if cfg.Conversation.Welcome == "" {
		cfg.Conversation.Welcome = DefaultWelcome
	}

	if cfg.Audio.Mode == "" {
		cfg.Audio.Mode = ModeText
	}
	if cfg.Audio.CalibrationDuration == 0 {
		cfg.Audio.CalibrationDuration = DefaultCalibration
	}

	d := &cfg.Delivery
	if d.Transport == "" {
		d.Transport = TransportMQTT
	}
	if d.Port == 0 {
		d.Port = DefaultMQTTPort
	}
	if d.ClientID == "" {
		d.ClientID = DefaultClientID
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("conversation", cfg.Providers.Conversation.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("stt", cfg.Providers.STTFallback.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	if cfg.Providers.Conversation.Name == "" {
		errs = append(errs, errors.New("providers.conversation.name is required"))
	}
	for _, pe := range []struct {
		path  string
		entry ProviderEntry
	}{
		{"providers.conversation", cfg.Providers.Conversation},
		{"providers.stt", cfg.Providers.STT},
		{"providers.stt_fallback", cfg.Providers.STTFallback},
	} {
		if pe.entry.Name == "openai" && pe.entry.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for openai (or set OPENAI_API_KEY)", pe.path))
		}
	}
	if cfg.Providers.STTFallback.Name != "" && cfg.Providers.STTFallback.Name == cfg.Providers.STT.Name {
		slog.Warn("providers.stt_fallback names the same provider as providers.stt", "name", cfg.Providers.STT.Name)
	}
	if cfg.Conversation.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("conversation.history_limit %d must not be negative", cfg.Conversation.HistoryLimit))
	}

	if cfg.Audio.Mode != "" && !cfg.Audio.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("audio.mode %q is invalid; valid values: text, voice", cfg.Audio.Mode))
	}
	if cfg.Audio.CalibrationDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.calibration_duration %s must not be negative", cfg.Audio.CalibrationDuration))
	}
	if cfg.Audio.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("audio.energy_threshold %.1f must not be negative", cfg.Audio.EnergyThreshold))
	}
	if cfg.Audio.VoiceWaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("audio.voice_wait_timeout %s must not be negative", cfg.Audio.VoiceWaitTimeout))
	}

	errs = append(errs, validateDelivery(&cfg.Delivery)...)

	if cfg.Network.Proxy != "" {
		u, err := url.Parse(cfg.Network.Proxy)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("network.proxy: %w", err))
		case u.Scheme != "socks5" && u.Scheme != "socks5h":
			errs = append(errs, fmt.Errorf("network.proxy scheme %q is unsupported; use socks5 or socks5h", u.Scheme))
		case u.Host == "":
			errs = append(errs, errors.New("network.proxy has no host"))
		}
	}

	if cfg.Journal.DSN == "" {
		slog.Debug("journal.dsn is empty; conversations will not be journaled")
	}

	return errors.Join(errs...)
}

func validateDelivery(d *DeliveryConfig) []error {
	var errs []error
	if d.Transport != "" && !d.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("delivery.transport %q is invalid; valid values: mqtt, websocket, none", d.Transport))
	}
	switch d.Transport {
	case TransportMQTT:
		if d.Broker == "" {
			errs = append(errs, errors.New("delivery.broker is required for mqtt (or set MQTT_BROKER)"))
		}
		if d.Topic == "" {
			errs = append(errs, errors.New("delivery.topic is required for mqtt (or set MQTT_TOPIC)"))
		}
	case TransportWebsocket:
		if d.URL == "" {
			errs = append(errs, errors.New("delivery.url is required for websocket"))
		}
		if d.Topic == "" {
			errs = append(errs, errors.New("delivery.topic is required for websocket"))
		}
	}
	if d.Port < 0 || d.Port > 65535 {
		errs = append(errs, fmt.Errorf("delivery.port %d is out of range", d.Port))
	}
	if d.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("delivery.max_attempts %d must not be negative", d.MaxAttempts))
	}
	for _, dur := range []struct {
		name string
		v    time.Duration
	}{
		{"connect_timeout", d.ConnectTimeout},
		{"monitor_interval", d.MonitorInterval},
		{"idle_timeout", d.IdleTimeout},
		{"error_backoff", d.ErrorBackoff},
	} {
		if dur.v < 0 {
			errs = append(errs, fmt.Errorf("delivery.%s %s must not be negative", dur.name, dur.v))
		}
	}
	return errs
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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
