// Package app wires the millwright subsystems into a running assistant.
//
// The App struct owns the full lifecycle: New builds the delivery channel,
// the optional journal, and the turn dispatcher; Run connects the channel and
// drives the input loop; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithChannel,
// WithJournal, WithInput, ...). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/millwright/internal/config"
	"github.com/MrWong99/millwright/internal/delivery"
	"github.com/MrWong99/millwright/internal/delivery/mqtt"
	"github.com/MrWong99/millwright/internal/delivery/websocket"
	"github.com/MrWong99/millwright/internal/health"
	"github.com/MrWong99/millwright/internal/journal"
	"github.com/MrWong99/millwright/internal/observe"
	"github.com/MrWong99/millwright/internal/speech"
	"github.com/MrWong99/millwright/internal/turn"
	"github.com/MrWong99/millwright/pkg/audio"
	"github.com/MrWong99/millwright/pkg/provider/conversation"
	"github.com/MrWong99/millwright/pkg/provider/stt"
	"github.com/MrWong99/millwright/pkg/provider/vad"
)

// vadAggressiveness filters non-speech as eagerly as the classifier allows.
const vadAggressiveness = 3

// shutdownTimeout bounds the graceful stop of the observability server.
const shutdownTimeout = 5 * time.Second

// Capture errors in a row tolerated before voice mode is abandoned, and the
// pause between those attempts.
const (
	maxListenFailures  = 5
	defaultListenRetry = 500 * time.Millisecond
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Conversation conversation.Service
	STT          stt.Transcriber
	VAD          vad.Engine

	// Mic is the voice capture source. Voice mode is unavailable without it.
	Mic audio.FrameSource

	// Names label metrics and logs.
	ConversationName string
	STTName          string
}

// Journal is an optional exchange log that can report its own health.
type Journal interface {
	turn.Journal
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes and runs the turn loop.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	sink       *turn.ConsoleSink
	in         io.Reader
	channel    *delivery.Channel
	journal    Journal
	metrics    *observe.Metrics
	dispatcher *turn.Dispatcher
	dev        bool

	// Voice capture state. The segmenter is built on the first switch to
	// voice mode and calibration runs at most once.
	params     speech.Params
	segmenter  *speech.Segmenter
	floor      speech.NoiseFloor
	calibrated bool

	// listenFailures counts consecutive capture errors; after
	// maxListenFailures the loop falls back to text mode.
	listenFailures int
	retryDelay     time.Duration

	lines <-chan string

	// closers are called in order during Shutdown.
	mu      sync.Mutex
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithInput reads typed lines from r instead of os.Stdin.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.in = r }
}

// WithOutput writes the conversation to w instead of os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.sink = turn.NewConsoleSink(w) }
}

// WithChannel injects a delivery channel instead of building one from config.
func WithChannel(c *delivery.Channel) Option {
	return func(a *App) { a.channel = c }
}

// WithJournal injects a journal instead of opening one from journal.dsn.
func WithJournal(j Journal) Option {
	return func(a *App) { a.journal = j }
}

// WithMetrics records instruments on m instead of observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithParams overrides the segmentation constants. Audio config overrides
// are still applied on top.
func WithParams(p speech.Params) Option {
	return func(a *App) { a.params = p }
}

// WithListenRetry sets the pause after a microphone read error before the
// next listening attempt.
func WithListenRetry(d time.Duration) Option {
	return func(a *App) { a.retryDelay = d }
}

// WithDev starts in dev mode: replies are previewed, never published.
func WithDev() Option {
	return func(a *App) { a.dev = true }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Nothing connects
// to the bus until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Conversation == nil {
		return nil, errors.New("app: a conversation provider is required")
	}
	a := &App{
		cfg:        cfg,
		providers:  providers,
		params:     speech.DefaultParams(),
		retryDelay: defaultListenRetry,
	}
	for _, o := range opts {
		o(a)
	}
	if a.sink == nil {
		a.sink = turn.NewConsoleSink(os.Stdout)
	}
	if a.in == nil {
		a.in = os.Stdin
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.applyAudioConfig()

	// ── 1. Delivery channel ──────────────────────────────────────────────
	if err := a.initChannel(); err != nil {
		return nil, fmt.Errorf("app: init delivery: %w", err)
	}

	// ── 2. Journal ───────────────────────────────────────────────────────
	a.initJournal(ctx)

	// ── 3. Dispatcher ────────────────────────────────────────────────────
	a.initDispatcher()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// applyAudioConfig layers the audio section over the segmentation constants.
func (a *App) applyAudioConfig() {
	if v := a.cfg.Audio.EnergyThreshold; v > 0 {
		a.params.EnergyThreshold = v
	}
	if v := a.cfg.Audio.VoiceWaitTimeout; v > 0 {
		a.params.VoiceWaitTimeout = v
	}
}

// initChannel builds the configured transport and wraps it in a Channel.
func (a *App) initChannel() error {
	if a.channel != nil {
		return nil
	}
	d := a.cfg.Delivery

	var (
		t   delivery.Transport
		err error
	)
	switch d.Transport {
	case config.TransportNone:
		slog.Info("delivery disabled; replies are only shown")
		return nil
	case config.TransportWebsocket:
		t, err = websocket.New(d.URL, d.Topic)
	default:
		t, err = mqtt.New(mqtt.Config{
			Broker:         d.Broker,
			Port:           d.Port,
			Topic:          d.Topic,
			Username:       d.Username,
			Password:       d.Password,
			ClientID:       d.ClientID,
			UniqueClientID: d.UniqueClientID,
		})
	}
	if err != nil {
		return err
	}

	opts := []delivery.Option{
		delivery.WithName(string(d.Transport)),
		delivery.WithMonitor(
			orDefault(d.MonitorInterval, delivery.DefaultMonitorInterval),
			orDefault(d.IdleTimeout, delivery.DefaultIdleTimeout),
			orDefault(d.ErrorBackoff, delivery.DefaultErrorBackoff),
		),
		delivery.WithMetrics(a.metrics),
	}
	if d.ConnectTimeout > 0 {
		opts = append(opts, delivery.WithConnectTimeout(d.ConnectTimeout))
	}
	a.channel = delivery.New(t, opts...)
	return nil
}

// initJournal opens the PostgreSQL journal when a DSN is configured. A
// journal that cannot be opened is logged and skipped; turns never depend
// on it.
func (a *App) initJournal(ctx context.Context) {
	if a.journal != nil || a.cfg.Journal.DSN == "" {
		return
	}
	store, err := journal.Open(ctx, a.cfg.Journal.DSN)
	if err != nil {
		slog.Warn("journal unavailable; exchanges will not be recorded", "err", err)
		return
	}
	if err := store.Migrate(ctx); err != nil {
		slog.Warn("journal migration failed; exchanges will not be recorded", "err", err)
		store.Close()
		return
	}
	a.journal = store
	a.addCloser(func() error {
		store.Close()
		return nil
	})
}

// initDispatcher builds the turn dispatcher. It starts without a publisher;
// Run installs the channel once it has connected.
func (a *App) initDispatcher() {
	mode := turn.ModeText
	if a.cfg.Audio.Mode == config.ModeVoice && !a.dev {
		mode = turn.ModeVoice
	}
	opts := []turn.Option{
		turn.WithMetrics(a.metrics),
		turn.WithSession(turn.Session{Mode: mode, Dev: a.dev}),
		turn.WithProviderNames(a.providers.ConversationName, a.providers.STTName),
	}
	if a.journal != nil {
		opts = append(opts, turn.WithJournal(a.journal))
	}
	a.dispatcher = turn.New(a.providers.Conversation, a.providers.STT, a.sink, nil, opts...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the delivery channel and drives the input loop until the user
// quits, input ends, or ctx is cancelled. A channel that cannot connect
// leaves publishing disabled; the conversation keeps working.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	// ── Delivery ─────────────────────────────────────────────────────────
	if a.channel != nil {
		if err := a.channel.ConnectWithRetry(ctx, a.cfg.Delivery.MaxAttempts); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("delivery unavailable; publishing disabled", "err", err)
		} else {
			a.dispatcher.SetPublisher(a.channel)
			g.Go(func() error { return a.channel.Monitor(gctx) })
		}
	}

	// ── Observability server ─────────────────────────────────────────────
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("observability server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: observability server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	// ── Input loop ───────────────────────────────────────────────────────
	a.lines = readLines(a.in)
	g.Go(func() error {
		defer cancel()
		return a.loop(gctx)
	})

	return g.Wait()
}

// Handler returns the observability routes: /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler {
	var checks []health.Checker
	if a.channel != nil {
		checks = append(checks, health.Checker{Name: "delivery", Check: a.channel.Ready})
	}
	if a.journal != nil {
		checks = append(checks, health.Checker{Name: "journal", Check: a.journal.Ping, Optional: true})
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checks...).Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// Dispatcher exposes the turn dispatcher, e.g. for hot-reload hooks.
func (a *App) Dispatcher() *turn.Dispatcher { return a.dispatcher }

// readLines scans r on its own goroutine. The returned channel is closed at
// end of input. The goroutine is not stopped on shutdown because a blocked
// terminal read cannot be interrupted.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
		if err := sc.Err(); err != nil {
			slog.Warn("input closed", "err", err)
		}
	}()
	return ch
}

// loop is the single turn processor. It alternates between waiting for a
// typed line and, in voice mode, listening for one utterance at a time.
func (a *App) loop(ctx context.Context) error {
	if w := a.cfg.Conversation.Welcome; w != "" {
		a.sink.Say(w)
	}
	a.sink.Notice("Type /help to see the available commands.")

	if a.dispatcher.Session().Mode == turn.ModeVoice && !a.enterVoice(ctx) {
		a.dispatcher.Apply(turn.CmdText)
	}

	for ctx.Err() == nil {
		if a.dispatcher.Session().Mode == turn.ModeVoice {
			// Typed input wins over the next listening attempt.
			select {
			case line, ok := <-a.lines:
				if !ok {
					a.lines = nil
					continue
				}
				if a.handleLine(ctx, line) {
					return nil
				}
				continue
			default:
			}
			if a.listen(ctx) {
				return nil
			}
			continue
		}

		if a.lines == nil {
			return nil
		}
		a.sink.Prompt("\nYou: ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-a.lines:
			if !ok {
				return nil
			}
			if a.handleLine(ctx, line) {
				return nil
			}
		}
	}
	return nil
}

// handleLine submits one typed line and reports whether the user quit.
func (a *App) handleLine(ctx context.Context, line string) bool {
	text := strings.TrimSpace(line)
	if text == "" {
		return false
	}
	if _, isCmd := turn.ParseCommand(text); !isCmd && a.dispatcher.Session().Mode == turn.ModeVoice {
		a.dispatcher.SwitchToText()
	}

	return a.afterCommand(ctx, a.dispatcher.SubmitText(ctx, text))
}

// afterCommand carries out the loop side of a consumed command and reports
// whether the user quit.
func (a *App) afterCommand(ctx context.Context, out turn.Outcome) bool {
	if out.Status != turn.StatusCommand {
		return false
	}
	switch out.Command {
	case turn.CmdQuit:
		return true
	case turn.CmdVoice:
		if !a.enterVoice(ctx) {
			a.dispatcher.Apply(turn.CmdText)
		}
	}
	return false
}

// enterVoice prepares voice capture and reports whether it is usable.
func (a *App) enterVoice(ctx context.Context) bool {
	p := a.providers
	if p.Mic == nil || p.VAD == nil || p.STT == nil {
		slog.Warn("voice mode unavailable", "mic", p.Mic != nil, "vad", p.VAD != nil, "stt", p.STT != nil)
		a.sink.Notice("Voice input is not available.")
		return false
	}

	if a.segmenter == nil {
		sess, err := p.VAD.NewSession(vad.Config{
			SampleRate:     a.params.SampleRate,
			FrameSizeMs:    int(a.params.FrameDuration / time.Millisecond),
			Aggressiveness: vadAggressiveness,
		})
		if err != nil {
			slog.Error("failed to start VAD session", "err", err)
			a.sink.Notice("Voice input is not available.")
			return false
		}
		seg, err := speech.NewSegmenter(p.Mic, sess, a.params)
		if err != nil {
			_ = sess.Close()
			slog.Error("failed to create segmenter", "err", err)
			a.sink.Notice("Voice input is not available.")
			return false
		}
		a.segmenter = seg
		a.addCloser(sess.Close)
	}

	if !a.calibrated && a.cfg.Audio.CalibrationEnabled() {
		a.calibrate(ctx)
	}
	a.calibrated = true
	return true
}

// calibrate measures the ambient noise floor once.
func (a *App) calibrate(ctx context.Context) {
	d := a.cfg.Audio.CalibrationDuration
	if d <= 0 {
		d = speech.DefaultCalibrationDuration
	}
	a.sink.Notice("Calibrating for background noise... please stay quiet.")
	floor, err := speech.Calibrate(ctx, a.providers.Mic, d, a.params)
	if err != nil {
		slog.Warn("calibration failed; using the static energy threshold", "err", err)
		a.sink.Notice("Calibration unavailable; using the default speech threshold.")
		return
	}
	a.floor = floor
	a.sink.Notice(fmt.Sprintf("Noise floor %.0f, speech threshold %.0f.", float64(floor), a.params.DynamicThreshold(floor)))
}

// listen runs one listening attempt and submits the utterance, if any. It
// reports whether a spoken command asked to quit.
//
// A capture error is logged and the next attempt follows after retryDelay;
// only maxListenFailures errors in a row give up on voice input.
func (a *App) listen(ctx context.Context) bool {
	a.sink.Notice("Listening... (type a message to switch to text mode)")
	u, err := a.segmenter.Next(ctx, a.floor)
	if err != nil {
		var rej *speech.RejectError
		switch {
		case errors.As(err, &rej):
			a.listenFailures = 0
			a.metrics.RecordUtterance(ctx, string(rej.Reason))
			slog.Debug("no utterance", "reason", rej.Reason, "frames", rej.Frames)
			if rej.Reason == speech.ReasonStreamEnded {
				a.sink.Notice("The microphone stream ended.")
				a.dispatcher.Apply(turn.CmdText)
			}
		case ctx.Err() != nil:
		default:
			a.listenFailures++
			a.metrics.RecordUtterance(ctx, "error")
			if a.listenFailures >= maxListenFailures {
				slog.Error("listening failed repeatedly; leaving voice mode", "err", err, "failures", a.listenFailures)
				a.listenFailures = 0
				a.sink.Notice("Voice input failed.")
				a.dispatcher.Apply(turn.CmdText)
				return false
			}
			slog.Warn("listening failed; retrying", "err", err, "failures", a.listenFailures)
			select {
			case <-ctx.Done():
			case <-time.After(a.retryDelay):
			}
		}
		return false
	}
	a.listenFailures = 0
	a.metrics.RecordUtterance(ctx, "accepted")
	return a.afterCommand(ctx, a.dispatcher.SubmitVoice(ctx, u))
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the delivery channel and then every other subsystem. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		closers := a.closers
		a.mu.Unlock()
		slog.Info("shutting down", "closers", len(closers))

		// Disconnect from the bus first, best effort.
		if a.channel != nil {
			if err := a.channel.Close(); err != nil {
				slog.Warn("delivery close error", "err", err)
			}
		}

		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (a *App) addCloser(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
