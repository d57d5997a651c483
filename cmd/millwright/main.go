// Command millwright is a text and voice assistant that steers windmill
// actuators over MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	flag "github.com/spf13/pflag"

	"github.com/MrWong99/millwright/internal/app"
	"github.com/MrWong99/millwright/internal/config"
	"github.com/MrWong99/millwright/internal/netx"
	"github.com/MrWong99/millwright/internal/observe"
	"github.com/MrWong99/millwright/internal/resilience"
	"github.com/MrWong99/millwright/pkg/audio/portaudio"
	"github.com/MrWong99/millwright/pkg/provider/conversation"
	"github.com/MrWong99/millwright/pkg/provider/conversation/anyllm"
	convopenai "github.com/MrWong99/millwright/pkg/provider/conversation/openai"
	"github.com/MrWong99/millwright/pkg/provider/stt"
	sttopenai "github.com/MrWong99/millwright/pkg/provider/stt/openai"
	"github.com/MrWong99/millwright/pkg/provider/stt/whisper"
	"github.com/MrWong99/millwright/pkg/provider/vad"
	"github.com/MrWong99/millwright/pkg/provider/vad/webrtc"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.StringP("config", "c", "config.yaml", "path to the YAML configuration file")
	envFile := flag.StringP("env-file", "e", ".env", "path to an optional .env file")
	mode := flag.StringP("mode", "m", "", "input mode at startup: text or voice")
	dev := flag.Bool("dev", false, "preview MQTT payloads instead of publishing them")
	calibrate := flag.Bool("calibrate", true, "measure the background noise before listening")
	logLevel := flag.StringP("log-level", "l", "", "log level: debug, info, warn or error")
	flag.Parse()

	// ── Environment + configuration ───────────────────────────────────────────
	if err := config.LoadEnvFile(*envFile, !flag.CommandLine.Changed("env-file")); err != nil {
		fmt.Fprintf(os.Stderr, "millwright: %v\n", err)
		return 1
	}

	path := *configPath
	if !flag.CommandLine.Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "millwright: %v\n", err)
		return 1
	}
	if err := applyFlags(cfg, *mode, *logLevel, flag.CommandLine.Changed("calibrate"), *calibrate); err != nil {
		fmt.Fprintf(os.Stderr, "millwright: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(os.Stderr, &level))

	slog.Info("millwright starting",
		"version", version,
		"config", path,
		"mode", cfg.Audio.Mode,
		"transport", cfg.Delivery.Transport,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "millwright",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	hc, err := netx.NewClient(cfg.Network.Proxy)
	if err != nil {
		slog.Error("invalid proxy", "proxy", cfg.Network.Proxy, "err", err)
		return 1
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg, hc)

	providers, closers, err := buildProviders(cfg, reg)
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("provider close error", "err", err)
			}
		}
	}()
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if path != "" {
		w, err := config.NewWatcher(path)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx, func(d config.ConfigDiff) {
				applyReload(d, &level, providers.Conversation)
			})
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(os.Stdout, cfg, *dev)

	var opts []app.Option
	if *dev {
		opts = append(opts, app.WithDev())
	}
	// The raw service is kept for hot reload; turns go through the breaker.
	guarded := *providers
	guarded.Conversation = resilience.NewConversation(providers.Conversation, resilience.CircuitBreakerConfig{
		Name:          "conversation/" + cfg.Providers.Conversation.Name,
		OnStateChange: logBreakerChange,
	})
	application, err := app.New(ctx, cfg, &guarded, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	return 0
}

// applyFlags layers explicit command-line choices over the loaded config.
func applyFlags(cfg *config.Config, mode, logLevel string, calibrateSet, calibrate bool) error {
	if mode != "" {
		m := config.InputMode(mode)
		if !m.IsValid() {
			return fmt.Errorf("--mode %q must be text or voice", mode)
		}
		cfg.Audio.Mode = m
	}
	if logLevel != "" {
		l := config.LogLevel(logLevel)
		if !l.IsValid() {
			return fmt.Errorf("--log-level %q must be debug, info, warn or error", logLevel)
		}
		cfg.Server.LogLevel = l
	}
	if calibrateSet {
		cfg.Audio.Calibrate = &calibrate
	}
	return nil
}

// instructionSetter is implemented by conversation services whose system
// prompt can change at runtime.
type instructionSetter interface {
	SetInstructions(string)
}

// applyReload applies the hot-reloadable part of a config change.
func applyReload(d config.ConfigDiff, level *slog.LevelVar, conv conversation.Service) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.InstructionsChanged {
		if s, ok := conv.(instructionSetter); ok {
			s.SetInstructions(d.NewInstructions)
			slog.Info("prompt instructions reloaded")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
	}
}

func logBreakerChange(name string, from, to resilience.State) {
	slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the chat-completion providers served through any-llm.
var anyllmBackends = []string{
	"anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Hosted APIs share hc so they honour the configured proxy.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config, hc *http.Client) {
	conv := cfg.Conversation

	// ── Conversation ──────────────────────────────────────────────────────────

	reg.RegisterConversation("openai", func(entry config.ProviderEntry) (conversation.Service, error) {
		opts := []convopenai.Option{
			convopenai.WithHTTPClient(hc),
			convopenai.WithInstructions(conv.Instructions),
			convopenai.WithPromptID(conv.PromptID),
		}
		if entry.BaseURL != "" {
			opts = append(opts, convopenai.WithBaseURL(entry.BaseURL))
		}
		if conv.DisableSchema {
			opts = append(opts, convopenai.WithoutSchema())
		}
		return convopenai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyllmBackends {
		reg.RegisterConversation(providerName, func(entry config.ProviderEntry) (conversation.Service, error) {
			var backend []anyllmlib.Option
			if entry.APIKey != "" {
				backend = append(backend, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				backend = append(backend, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, backend,
				anyllm.WithInstructions(conv.Instructions),
				anyllm.WithHistoryLimit(conv.HistoryLimit),
			)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		opts := []sttopenai.Option{sttopenai.WithHTTPClient(hc)}
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttopenai.WithLanguage(lang))
		}
		return sttopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("webrtc", func(config.ProviderEntry) (vad.Engine, error) {
		return webrtc.New(), nil
	})

	for _, kind := range []string{"conversation", "stt", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
// The returned closers release native resources and must run even on error.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, []func() error, error) {
	ps := &app.Providers{
		ConversationName: cfg.Providers.Conversation.Name,
		STTName:          cfg.Providers.STT.Name,
	}
	var closers []func() error
	track := func(v any) {
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c.Close)
		}
	}

	conv, err := reg.CreateConversation(cfg.Providers.Conversation)
	if err != nil {
		return nil, closers, fmt.Errorf("create conversation provider %q: %w", cfg.Providers.Conversation.Name, err)
	}
	ps.Conversation = conv
	slog.Info("provider created", "kind", "conversation", "name", cfg.Providers.Conversation.Name)

	if name := cfg.Providers.STT.Name; name != "" {
		primary, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, closers, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		track(primary)
		slog.Info("provider created", "kind", "stt", "name", name)

		group := resilience.NewTranscriber(primary, name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{OnStateChange: logBreakerChange},
		})
		if fb := cfg.Providers.STTFallback; fb.Name != "" {
			secondary, err := reg.CreateSTT(fb)
			if err != nil {
				slog.Warn("stt fallback unavailable", "name", fb.Name, "err", err)
			} else {
				track(secondary)
				group.AddFallback(fb.Name, secondary)
				slog.Info("provider created", "kind", "stt_fallback", "name", fb.Name)
			}
		}
		ps.STT = group
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		eng, err := reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return nil, closers, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = eng
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	// The microphone is optional: without it voice mode is refused at
	// runtime and the assistant stays in text mode.
	if ps.STT != nil && ps.VAD != nil {
		mic, err := portaudio.Open(portaudio.WithDevice(cfg.Audio.Device))
		if err != nil {
			slog.Warn("microphone unavailable; voice mode disabled", "err", err)
		} else {
			ps.Mic = mic
			closers = append(closers, mic.Close)
		}
	}

	return ps, closers, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, dev bool) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       millwright: startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "Conversation", cfg.Providers.Conversation.Name, cfg.Providers.Conversation.Model)
	printProvider(w, "STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider(w, "STT fallback", cfg.Providers.STTFallback.Name, cfg.Providers.STTFallback.Model)
	printProvider(w, "VAD", cfg.Providers.VAD.Name, "")
	printRow(w, "Mode", string(cfg.Audio.Mode))
	if dev {
		printRow(w, "Dev preview", "on")
	}
	switch d := cfg.Delivery; d.Transport {
	case config.TransportNone:
		printRow(w, "Delivery", "(disabled)")
	case config.TransportWebsocket:
		printRow(w, "Delivery", d.URL)
	default:
		printRow(w, "Delivery", fmt.Sprintf("%s:%d", d.Broker, d.Port))
	}
	printRow(w, "Topic", cfg.Delivery.Topic)
	if cfg.Journal.DSN != "" {
		printRow(w, "Journal", "postgres")
	}
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(w, kind, value)
}

func printRow(w io.Writer, key, value string) {
	if len(value) > 21 {
		value = value[:18] + "…"
	}
	fmt.Fprintf(w, "║  %-13s: %-21s  ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
