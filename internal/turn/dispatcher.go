// Package turn runs conversational turns: it takes typed lines or sealed
// utterances, exchanges them with the conversation service, normalises the
// reply, shows it to the user, and hands the reply's values to the delivery
// channel.
//
// A Dispatcher processes one turn at a time. Submit, Reset, and command
// handling are serialised by a single mutex, so the continuation token can
// never be updated by two turns at once.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/millwright/internal/journal"
	"github.com/MrWong99/millwright/internal/observe"
	"github.com/MrWong99/millwright/internal/speech"
	"github.com/MrWong99/millwright/pkg/provider/conversation"
	"github.com/MrWong99/millwright/pkg/provider/stt"
)

// Fallback responses shown when the conversation service gives nothing usable.
const (
	ErrorResponse      = "An error occurred while processing your request"
	NoResponseResponse = "No response received"
)

// Publisher sends a payload to the actuator bus.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Journal records completed exchanges.
type Journal interface {
	Append(ctx context.Context, entries ...*journal.Entry) error
}

// Origin says where the input text came from.
type Origin string

const (
	OriginTyped       Origin = "typed"
	OriginTranscribed Origin = "transcribed"
)

// Input is the text of one turn.
type Input struct {
	Text   string
	Origin Origin
}

// Status classifies how a turn ended.
type Status int

const (
	// StatusReplied means the service answered and the reply was delivered.
	StatusReplied Status = iota
	// StatusFallback means the exchange failed and the error response was shown.
	StatusFallback
	// StatusEmptyInput means there was nothing to send; no exchange happened.
	StatusEmptyInput
	// StatusCommand means the input was a command and was consumed.
	StatusCommand
)

func (s Status) String() string {
	switch s {
	case StatusReplied:
		return "replied"
	case StatusFallback:
		return "fallback"
	case StatusEmptyInput:
		return "empty_input"
	case StatusCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Outcome reports what a submitted turn did.
type Outcome struct {
	Status  Status
	Input   Input
	Command Command

	// Reply is always populated for StatusReplied and StatusFallback.
	Reply conversation.StructuredReply

	// Published is true when Reply.Values reached the publisher.
	Published bool

	// Err is the upstream failure behind StatusFallback or StatusEmptyInput.
	Err error
}

// Dispatcher runs turns against a conversation service.
type Dispatcher struct {
	conv    conversation.Service
	stt     stt.Transcriber
	sink    Sink
	pub     Publisher
	journal Journal
	metrics *observe.Metrics

	convName string
	sttName  string

	mu      sync.Mutex
	session Session
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithJournal records every completed exchange.
func WithJournal(j Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

// WithMetrics replaces observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSession sets the initial session state.
func WithSession(s Session) Option {
	return func(d *Dispatcher) { d.session = s }
}

// WithProviderNames labels provider metrics.
func WithProviderNames(conversation, transcription string) Option {
	return func(d *Dispatcher) {
		d.convName = conversation
		d.sttName = transcription
	}
}

// New returns a Dispatcher. tr may be nil when voice input is unused; pub may
// be nil when publishing is disabled, in which case values are dropped with a
// logged notice.
func New(conv conversation.Service, tr stt.Transcriber, sink Sink, pub Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		conv:     conv,
		stt:      tr,
		sink:     sink,
		pub:      pub,
		convName: "conversation",
		sttName:  "stt",
		session:  Session{Mode: ModeText},
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Session returns a copy of the current session.
func (d *Dispatcher) Session() Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// SetPublisher replaces the publisher for subsequent turns. nil disables
// publishing. It waits for an in-flight turn.
func (d *Dispatcher) SetPublisher(p Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pub = p
}

// Reset clears the continuation token. It waits for an in-flight turn.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session.Token = ""
}

// SubmitText runs one turn for a typed line. Commands are handled and never
// sent to the conversation service.
func (d *Dispatcher) SubmitText(ctx context.Context, text string) Outcome {
	in := Input{Text: strings.TrimSpace(text), Origin: OriginTyped}
	d.mu.Lock()
	defer d.mu.Unlock()

	if cmd, ok := ParseCommand(in.Text); ok {
		d.apply(cmd)
		return Outcome{Status: StatusCommand, Input: in, Command: cmd}
	}
	if in.Text == "" {
		return Outcome{Status: StatusEmptyInput, Input: in}
	}
	return d.exchange(ctx, in)
}

// SubmitVoice transcribes u and runs one turn with the transcript. A failed or
// empty transcription yields StatusEmptyInput without an exchange. A spoken
// command is handled like a typed one.
func (d *Dispatcher) SubmitVoice(ctx context.Context, u *speech.Utterance) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()

	in := Input{Origin: OriginTranscribed}
	if u == nil || d.stt == nil {
		return Outcome{Status: StatusEmptyInput, Input: in}
	}

	wav, err := u.WAV()
	if err != nil {
		slog.Warn("turn: encode utterance", "error", err)
		return Outcome{Status: StatusEmptyInput, Input: in, Err: err}
	}

	ctx, span := observe.StartSpan(ctx, "turn.transcribe")
	start := time.Now()
	text, err := d.stt.Transcribe(ctx, wav)
	d.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", d.sttName)))
	observe.EndSpan(span, err)
	if err != nil {
		d.metrics.RecordProviderRequest(ctx, d.sttName, "stt", "error")
		d.metrics.RecordProviderError(ctx, d.sttName, "stt")
		observe.Logger(ctx).Warn("turn: transcription failed", "error", err)
		return Outcome{Status: StatusEmptyInput, Input: in, Err: err}
	}
	d.metrics.RecordProviderRequest(ctx, d.sttName, "stt", "ok")

	in.Text = strings.TrimSpace(text)
	if in.Text == "" {
		slog.Debug("turn: empty transcription", "duration", u.Duration())
		return Outcome{Status: StatusEmptyInput, Input: in}
	}
	d.sink.Notice("You (voice): " + in.Text)
	if cmd, ok := ParseCommand(in.Text); ok {
		d.apply(cmd)
		return Outcome{Status: StatusCommand, Input: in, Command: cmd}
	}
	return d.exchange(ctx, in)
}

// exchange runs the conversation round trip and delivery. d.mu must be held.
func (d *Dispatcher) exchange(ctx context.Context, in Input) Outcome {
	ctx, span := observe.StartSpan(ctx, "turn.exchange",
		trace.WithAttributes(attribute.String("origin", string(in.Origin))))
	out := Outcome{Status: StatusReplied, Input: in}
	defer func() { observe.EndSpan(span, out.Err) }()
	log := observe.Logger(ctx)
	turnStart := time.Now()

	start := time.Now()
	ex, err := d.conv.Exchange(ctx, d.session.Token, in.Text)
	d.metrics.ExchangeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", d.convName)))

	switch {
	case err != nil:
		d.metrics.RecordProviderRequest(ctx, d.convName, "exchange", "error")
		d.metrics.RecordProviderError(ctx, d.convName, "exchange")
		log.Warn("turn: exchange failed, using fallback reply", "error", err)
		out.Status = StatusFallback
		out.Err = err
		out.Reply = conversation.StructuredReply{Response: ErrorResponse, Values: map[string]json.Number{}}
	case ex == nil:
		d.metrics.RecordProviderRequest(ctx, d.convName, "exchange", "ok")
		out.Reply = conversation.StructuredReply{Response: NoResponseResponse, Values: map[string]json.Number{}}
	default:
		d.metrics.RecordProviderRequest(ctx, d.convName, "exchange", "ok")
		if ex.Token != "" {
			d.session.Token = ex.Token
		}
		if strings.TrimSpace(ex.Text) == "" {
			out.Reply = conversation.StructuredReply{Response: NoResponseResponse, Values: map[string]json.Number{}}
		} else {
			out.Reply = conversation.ParseReply(ex.Text)
		}
	}

	d.sink.Say(out.Reply.Response)
	out.Published = d.deliver(ctx, out.Reply)

	if out.Status == StatusReplied {
		d.record(ctx, in, out.Reply)
	}
	d.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds(),
		metric.WithAttributes(attribute.String("status", out.Status.String())))
	log.Debug("turn complete", "status", out.Status, "values", len(out.Reply.Values), "published", out.Published)
	return out
}

// deliver publishes the reply's values or, in dev mode, previews them.
func (d *Dispatcher) deliver(ctx context.Context, reply conversation.StructuredReply) bool {
	if !reply.HasValues() {
		return false
	}
	if d.session.Dev {
		d.sink.Notice(d.preview(reply))
		return false
	}
	payload, err := reply.Payload()
	if err != nil {
		slog.Error("turn: encode payload", "error", err)
		return false
	}
	if d.pub == nil {
		slog.Info("Skipping MQTT publish; publishing disabled.")
		return false
	}
	if err := d.pub.Publish(ctx, payload); err != nil {
		slog.Warn("Skipping MQTT publish; not connected.", "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) preview(reply conversation.StructuredReply) string {
	pretty, err := json.MarshalIndent(reply.Values, "", "  ")
	if err != nil {
		pretty = []byte(fmt.Sprint(reply.Values))
	}
	token := d.session.Token
	if token == "" {
		token = "(none)"
	}
	return fmt.Sprintf("[DEV] MQTT payload preview (not sent):\n%s\nLast response id: %s", pretty, token)
}

func (d *Dispatcher) record(ctx context.Context, in Input, reply conversation.StructuredReply) {
	if d.journal == nil {
		return
	}
	err := d.journal.Append(ctx,
		&journal.Entry{Conversation: d.session.Token, Role: journal.RoleUser, Origin: string(in.Origin), Content: in.Text},
		&journal.Entry{Conversation: d.session.Token, Role: journal.RoleAssistant, Content: reply.Response, Values: reply.Values},
	)
	if err != nil {
		slog.Warn("turn: journal append failed", "error", err)
	}
}

// Apply executes a command against the session and tells the user what
// changed. CmdQuit only prints the farewell; stopping is up to the caller.
func (d *Dispatcher) Apply(cmd Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.apply(cmd)
}

// apply is Apply with d.mu held.
func (d *Dispatcher) apply(cmd Command) {
	switch cmd {
	case CmdHelp:
		d.sink.Notice(HelpText)
	case CmdRestart:
		d.session.Token = ""
		d.sink.Notice("Conversation restarted.")
	case CmdVoice:
		d.session.Mode = ModeVoice
		d.session.Dev = false
		d.sink.Notice("Voice mode enabled. Speak after the prompt.")
	case CmdText:
		d.session.Mode = ModeText
		d.session.Dev = false
		d.sink.Notice("Text mode enabled. Type your message.")
	case CmdDev:
		d.session.Mode = ModeText
		d.session.Dev = true
		d.sink.Notice("Dev mode enabled. Text replies will show MQTT payloads without sending. Type /text to exit dev mode.")
	case CmdQuit:
		d.sink.Notice("Goodbye!")
	case CmdUnknown:
		d.sink.Notice("Unknown command. Type /help to see the available commands.")
	}
}

// SwitchToText leaves voice mode because the user typed a line.
func (d *Dispatcher) SwitchToText() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session.Mode == ModeText {
		return
	}
	d.session.Mode = ModeText
	d.session.Dev = false
	d.sink.Notice("Switched to text mode based on typed input.")
}
