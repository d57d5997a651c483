package turn_test

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/millwright/internal/journal"
	"github.com/MrWong99/millwright/internal/speech"
	"github.com/MrWong99/millwright/internal/turn"
	"github.com/MrWong99/millwright/internal/turn/mock"
	"github.com/MrWong99/millwright/pkg/audio"
	"github.com/MrWong99/millwright/pkg/provider/conversation"
	convmock "github.com/MrWong99/millwright/pkg/provider/conversation/mock"
	sttmock "github.com/MrWong99/millwright/pkg/provider/stt/mock"
)

type fixture struct {
	conv *convmock.Service
	stt  *sttmock.Transcriber
	sink *mock.Sink
	pub  *mock.Publisher
	jrnl *mock.Journal
	d    *turn.Dispatcher
}

func newFixture(t *testing.T, opts ...turn.Option) *fixture {
	t.Helper()
	f := &fixture{
		conv: &convmock.Service{},
		stt:  &sttmock.Transcriber{},
		sink: &mock.Sink{},
		pub:  &mock.Publisher{},
		jrnl: &mock.Journal{},
	}
	opts = append([]turn.Option{turn.WithJournal(f.jrnl)}, opts...)
	f.d = turn.New(f.conv, f.stt, f.sink, f.pub, opts...)
	return f
}

func utterance() *speech.Utterance {
	p := speech.DefaultParams()
	pcm := make([]byte, 20*audio.FrameBytes)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	return speech.NewUtterance(pcm, p)
}

func TestSubmitText_PublishesValues(t *testing.T) {
	f := newFixture(t)
	f.conv.Result = &conversation.Exchange{
		Text:  `{"response":"Spinning up","values":{"x":1}}`,
		Token: "resp_1",
	}

	out := f.d.SubmitText(t.Context(), "  faster please ")
	if out.Status != turn.StatusReplied {
		t.Fatalf("status = %v, want replied", out.Status)
	}
	if call, _ := f.conv.LastCall(); call.Text != "faster please" || call.Token != "" {
		t.Errorf("exchange call = %+v", call)
	}
	if f.sink.LastSaid() != "Spinning up" {
		t.Errorf("said = %q", f.sink.LastSaid())
	}
	if f.pub.Count() != 1 || string(f.pub.Payloads[0]) != `{"x":1}` {
		t.Errorf("payloads = %q", f.pub.Payloads)
	}
	if !out.Published {
		t.Error("expected Published")
	}
	if got := f.d.Session().Token; got != "resp_1" {
		t.Errorf("token = %q, want resp_1", got)
	}
	if len(f.jrnl.Entries) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(f.jrnl.Entries))
	}
	if e := f.jrnl.Entries[0]; e.Role != journal.RoleUser || e.Content != "faster please" || e.Origin != "typed" {
		t.Errorf("user entry = %+v", e)
	}
	if e := f.jrnl.Entries[1]; e.Role != journal.RoleAssistant || e.Values["x"] != "1" {
		t.Errorf("assistant entry = %+v", e)
	}
}

func TestSubmitText_PlainTextFallsBack(t *testing.T) {
	f := newFixture(t)
	f.conv.Result = &conversation.Exchange{Text: "not json", Token: "resp_1"}

	out := f.d.SubmitText(t.Context(), "hi")
	if out.Status != turn.StatusReplied {
		t.Fatalf("status = %v", out.Status)
	}
	if out.Reply.Response != "not json" || out.Reply.HasValues() {
		t.Errorf("reply = %+v", out.Reply)
	}
	if f.sink.LastSaid() != "not json" {
		t.Errorf("said = %q", f.sink.LastSaid())
	}
	if f.pub.Count() != 0 {
		t.Errorf("published %d payloads, want 0", f.pub.Count())
	}
}

func TestSubmitText_ChainsToken(t *testing.T) {
	f := newFixture(t)
	n := 0
	f.conv.Respond = func(token, text string) (*conversation.Exchange, error) {
		n++
		return &conversation.Exchange{Text: "ok", Token: "resp_" + strings.Repeat("x", n)}, nil
	}

	f.d.SubmitText(t.Context(), "one")
	f.d.SubmitText(t.Context(), "two")
	if f.conv.Calls[1].Token != "resp_x" {
		t.Errorf("second call token = %q, want resp_x", f.conv.Calls[1].Token)
	}
}

func TestSubmitText_FailureKeepsToken(t *testing.T) {
	f := newFixture(t, turn.WithSession(turn.Session{Token: "resp_1", Mode: turn.ModeText}))
	f.conv.Err = errors.New("upstream down")

	out := f.d.SubmitText(t.Context(), "hello")
	if out.Status != turn.StatusFallback {
		t.Fatalf("status = %v, want fallback", out.Status)
	}
	if out.Err == nil {
		t.Error("expected Err to be set")
	}
	if f.sink.LastSaid() != turn.ErrorResponse {
		t.Errorf("said = %q", f.sink.LastSaid())
	}
	if got := f.d.Session().Token; got != "resp_1" {
		t.Errorf("token = %q, want resp_1", got)
	}
	if f.conv.CallCount() != 1 {
		t.Errorf("exchange calls = %d, want 1", f.conv.CallCount())
	}
	if f.pub.Count() != 0 || len(f.jrnl.Entries) != 0 {
		t.Error("failed turn must not publish or journal")
	}
}

func TestSubmitText_EmptyReply(t *testing.T) {
	f := newFixture(t, turn.WithSession(turn.Session{Token: "resp_1", Mode: turn.ModeText}))
	f.conv.Result = &conversation.Exchange{Text: "   "}

	out := f.d.SubmitText(t.Context(), "hello")
	if out.Reply.Response != turn.NoResponseResponse {
		t.Errorf("response = %q", out.Reply.Response)
	}
	if got := f.d.Session().Token; got != "resp_1" {
		t.Errorf("token = %q, empty id must not replace it", got)
	}
}

func TestSubmitText_EmptyInput(t *testing.T) {
	f := newFixture(t)
	out := f.d.SubmitText(t.Context(), "   ")
	if out.Status != turn.StatusEmptyInput {
		t.Errorf("status = %v, want empty_input", out.Status)
	}
	if f.conv.CallCount() != 0 {
		t.Error("empty input must not reach the service")
	}
}

func TestSubmitText_PublishFailureDoesNotFailTurn(t *testing.T) {
	f := newFixture(t)
	f.pub.Err = errors.New("not connected")
	f.conv.Result = &conversation.Exchange{Text: `{"response":"ok","values":{"speed_para":3}}`, Token: "r"}

	out := f.d.SubmitText(t.Context(), "go")
	if out.Status != turn.StatusReplied {
		t.Errorf("status = %v, want replied", out.Status)
	}
	if out.Published {
		t.Error("Published must be false")
	}
	if f.sink.LastSaid() != "ok" {
		t.Errorf("said = %q", f.sink.LastSaid())
	}
}

func TestSubmitText_NilPublisher(t *testing.T) {
	conv := &convmock.Service{Result: &conversation.Exchange{Text: `{"response":"ok","values":{"a":1}}`}}
	sink := &mock.Sink{}
	d := turn.New(conv, nil, sink, nil)
	out := d.SubmitText(t.Context(), "go")
	if out.Published || out.Status != turn.StatusReplied {
		t.Errorf("outcome = %+v", out)
	}

	pub := &mock.Publisher{}
	d.SetPublisher(pub)
	if out := d.SubmitText(t.Context(), "go"); !out.Published || pub.Count() != 1 {
		t.Errorf("after SetPublisher: outcome = %+v, payloads = %d", out, pub.Count())
	}
}

func TestSubmitText_DevModePreviews(t *testing.T) {
	f := newFixture(t)
	f.conv.Result = &conversation.Exchange{Text: `{"response":"ok","values":{"dir_para":1}}`, Token: "resp_9"}

	f.d.SubmitText(t.Context(), "/dev")
	if s := f.d.Session(); !s.Dev || s.Mode != turn.ModeText {
		t.Fatalf("session = %+v", s)
	}
	out := f.d.SubmitText(t.Context(), "left")
	if out.Published || f.pub.Count() != 0 {
		t.Error("dev mode must not publish")
	}
	preview := f.sink.LastNotice()
	for _, want := range []string{"[DEV] MQTT payload preview (not sent):", `"dir_para": 1`, "Last response id: resp_9"} {
		if !strings.Contains(preview, want) {
			t.Errorf("preview %q missing %q", preview, want)
		}
	}

	f.d.SubmitText(t.Context(), "/text")
	if f.d.Session().Dev {
		t.Error("/text must leave dev mode")
	}
}

func TestSubmitText_DevModeSkipsEmptyValues(t *testing.T) {
	f := newFixture(t)
	f.conv.Result = &conversation.Exchange{Text: `{"response":"Nothing to change.","values":{}}`}

	f.d.SubmitText(t.Context(), "/dev")
	f.d.SubmitText(t.Context(), "how are the mills?")
	for _, n := range f.sink.Notices {
		if strings.Contains(n, "[DEV]") {
			t.Errorf("preview shown without values: %q", n)
		}
	}
}

func TestSubmitText_NilExchange(t *testing.T) {
	f := newFixture(t)
	f.d.Apply(turn.CmdRestart)
	f.conv.Respond = func(string, string) (*conversation.Exchange, error) { return nil, nil }

	out := f.d.SubmitText(t.Context(), "status")
	if out.Status != turn.StatusReplied || out.Reply.Response != turn.NoResponseResponse {
		t.Errorf("outcome = %+v, want the no-response reply", out)
	}
	if out.Published || f.pub.Count() != 0 {
		t.Error("nothing should be published")
	}
}

func TestSubmitText_LargeIntegerIsPublishedExactly(t *testing.T) {
	f := newFixture(t)
	f.conv.Result = &conversation.Exchange{Text: `{"response":"ok","values":{"x":9007199254740993}}`}

	if out := f.d.SubmitText(t.Context(), "count"); !out.Published {
		t.Fatalf("outcome = %+v", out)
	}
	if got := string(f.pub.Payloads[0]); got != `{"x":9007199254740993}` {
		t.Errorf("payload = %s", got)
	}
}

func TestSubmitText_CommandsAreConsumed(t *testing.T) {
	tests := []struct {
		line   string
		cmd    turn.Command
		notice string
		mode   turn.Mode
	}{
		{"/help", turn.CmdHelp, "/restart", turn.ModeText},
		{"/VOICE", turn.CmdVoice, "Voice mode enabled", turn.ModeVoice},
		{"/text now", turn.CmdText, "Text mode enabled", turn.ModeText},
		{"/quit", turn.CmdQuit, "Goodbye!", turn.ModeText},
		{"/frobnicate", turn.CmdUnknown, "Unknown command", turn.ModeText},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			f := newFixture(t)
			out := f.d.SubmitText(t.Context(), tt.line)
			if out.Status != turn.StatusCommand || out.Command != tt.cmd {
				t.Errorf("outcome = %+v", out)
			}
			if f.conv.CallCount() != 0 {
				t.Error("commands must not reach the service")
			}
			if !strings.Contains(f.sink.LastNotice(), tt.notice) {
				t.Errorf("notice = %q, want it to contain %q", f.sink.LastNotice(), tt.notice)
			}
			if f.d.Session().Mode != tt.mode {
				t.Errorf("mode = %q, want %q", f.d.Session().Mode, tt.mode)
			}
		})
	}
}

func TestRestartClearsToken(t *testing.T) {
	f := newFixture(t)
	f.conv.Result = &conversation.Exchange{Text: "ok", Token: "resp_1"}
	f.d.SubmitText(t.Context(), "hello")

	f.d.SubmitText(t.Context(), "/restart")
	if got := f.d.Session().Token; got != "" {
		t.Errorf("token = %q, want empty", got)
	}
	f.d.SubmitText(t.Context(), "again")
	if call, _ := f.conv.LastCall(); call.Token != "" {
		t.Errorf("exchange after restart used token %q", call.Token)
	}
}

func TestResetWaitsForInFlightTurn(t *testing.T) {
	f := newFixture(t)
	block := make(chan struct{})
	f.conv.Block = block
	f.conv.Result = &conversation.Exchange{Text: "ok", Token: "resp_late"}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.d.SubmitText(t.Context(), "slow")
	}()
	deadline := time.Now().Add(2 * time.Second)
	for f.conv.CallCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("exchange never started")
		}
		time.Sleep(time.Millisecond)
	}

	reset := make(chan struct{})
	go func() {
		f.d.Reset()
		close(reset)
	}()
	select {
	case <-reset:
		t.Fatal("Reset returned while a turn was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(block)
	wg.Wait()
	<-reset
	if got := f.d.Session().Token; got != "" {
		t.Errorf("token = %q, want empty after reset", got)
	}
}

func TestSubmitVoice(t *testing.T) {
	t.Run("transcript is exchanged", func(t *testing.T) {
		f := newFixture(t)
		f.stt.Text = " turn left "
		f.conv.Result = &conversation.Exchange{Text: `{"response":"Turning","values":{"dir_para":-1}}`, Token: "r1"}

		u := utterance()
		out := f.d.SubmitVoice(t.Context(), u)
		if out.Status != turn.StatusReplied || out.Input.Origin != turn.OriginTranscribed {
			t.Fatalf("outcome = %+v", out)
		}
		if call, _ := f.conv.LastCall(); call.Text != "turn left" {
			t.Errorf("exchange text = %q", call.Text)
		}
		want, _ := u.WAV()
		if f.stt.CallCount() != 1 || string(f.stt.Calls[0]) != string(want) {
			t.Error("transcriber did not receive the utterance WAV")
		}
		if f.sink.Notices[0] != "You (voice): turn left" {
			t.Errorf("notice = %q", f.sink.Notices[0])
		}
	})

	t.Run("empty transcription", func(t *testing.T) {
		f := newFixture(t)
		f.stt.Text = "   "
		out := f.d.SubmitVoice(t.Context(), utterance())
		if out.Status != turn.StatusEmptyInput {
			t.Errorf("status = %v, want empty_input", out.Status)
		}
		if f.conv.CallCount() != 0 {
			t.Error("empty transcription must not reach the service")
		}
	})

	t.Run("transcription error", func(t *testing.T) {
		f := newFixture(t)
		f.stt.Err = errors.New("stt down")
		out := f.d.SubmitVoice(t.Context(), utterance())
		if out.Status != turn.StatusEmptyInput || out.Err == nil {
			t.Errorf("outcome = %+v", out)
		}
		if f.conv.CallCount() != 0 {
			t.Error("failed transcription must not reach the service")
		}
	})

	t.Run("spoken command is consumed", func(t *testing.T) {
		f := newFixture(t)
		f.d.Apply(turn.CmdVoice)
		f.conv.Result = &conversation.Exchange{Token: "r1"}
		f.d.SubmitText(t.Context(), "hello")
		f.stt.Text = " /restart "

		out := f.d.SubmitVoice(t.Context(), utterance())
		if out.Status != turn.StatusCommand || out.Command != turn.CmdRestart {
			t.Fatalf("outcome = %+v, want restart command", out)
		}
		if f.conv.CallCount() != 1 {
			t.Errorf("exchange calls = %d, the spoken command must not be sent", f.conv.CallCount())
		}
		if f.d.Session().Token != "" {
			t.Error("spoken /restart did not clear the token")
		}
		if f.sink.LastNotice() != "Conversation restarted." {
			t.Errorf("notice = %q", f.sink.LastNotice())
		}
	})

	t.Run("spoken quit is reported", func(t *testing.T) {
		f := newFixture(t)
		f.stt.Text = "/quit"
		if out := f.d.SubmitVoice(t.Context(), utterance()); out.Command != turn.CmdQuit {
			t.Errorf("outcome = %+v, want quit", out)
		}
		if f.conv.CallCount() != 0 {
			t.Error("spoken /quit reached the service")
		}
	})

	t.Run("nil utterance", func(t *testing.T) {
		f := newFixture(t)
		if out := f.d.SubmitVoice(t.Context(), nil); out.Status != turn.StatusEmptyInput {
			t.Errorf("status = %v", out.Status)
		}
	})
}

func TestSwitchToText(t *testing.T) {
	f := newFixture(t, turn.WithSession(turn.Session{Mode: turn.ModeVoice}))
	f.d.SwitchToText()
	if f.d.Session().Mode != turn.ModeText {
		t.Error("expected text mode")
	}
	n := len(f.sink.Notices)
	f.d.SwitchToText()
	if len(f.sink.Notices) != n {
		t.Error("switching while already in text mode must be silent")
	}
}

func TestJournalFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.jrnl.Err = errors.New("db down")
	f.conv.Result = &conversation.Exchange{Text: "ok", Token: "r"}
	if out := f.d.SubmitText(t.Context(), "hi"); out.Status != turn.StatusReplied {
		t.Errorf("status = %v", out.Status)
	}
}
