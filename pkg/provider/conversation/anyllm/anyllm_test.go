package anyllm

import (
	"context"
	"errors"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
)

type fakeBackend struct {
	replies []string
	err     error
	calls   []anyllmlib.CompletionParams
}

func (f *fakeBackend) complete(_ context.Context, params anyllmlib.CompletionParams) (string, error) {
	f.calls = append(f.calls, params)
	if f.err != nil {
		return "", f.err
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o", nil); err == nil {
		t.Error("expected error for empty provider")
	}
	if _, err := New("openai", "", nil); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "m", []anyllmlib.Option{anyllmlib.WithAPIKey("dummy")}); err == nil {
		t.Error("expected error for unsupported provider")
	}
	s, err := New("openai", "gpt-4o", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}, WithInstructions("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.model != "gpt-4o" || s.instructions != "hi" {
		t.Errorf("unexpected service %+v", s)
	}
}

func TestExchange_ChainsHistory(t *testing.T) {
	fb := &fakeBackend{replies: []string{
		`{"response":"first","values":{}}`,
		`{"response":"second","values":{"speed_para":2}}`,
	}}
	s := newService(fb.complete, "m", WithInstructions("You control windmills."))

	ex1, err := s.Exchange(t.Context(), "", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex1.Token == "" {
		t.Fatal("expected a continuation token")
	}
	if ex1.Text != `{"response":"first","values":{}}` {
		t.Errorf("text = %q", ex1.Text)
	}

	ex2, err := s.Exchange(t.Context(), ex1.Token, "faster")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex2.Token == ex1.Token {
		t.Error("expected a fresh token per exchange")
	}

	msgs := fb.calls[1].Messages
	// system, user, assistant, user
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != anyllmlib.RoleSystem || !strings.Contains(msgs[0].ContentString(), "You control windmills.") {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[1].ContentString() != "hello" || msgs[3].ContentString() != "faster" {
		t.Errorf("unexpected history %+v", msgs)
	}
	if s.Conversations() != 1 {
		t.Errorf("conversations = %d, want 1", s.Conversations())
	}
}

func TestExchange_FailureKeepsHistory(t *testing.T) {
	fb := &fakeBackend{replies: []string{"ok"}}
	s := newService(fb.complete, "m")
	ex, err := s.Exchange(t.Context(), "", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fb.err = errors.New("upstream down")
	if _, err := s.Exchange(t.Context(), ex.Token, "again"); err == nil {
		t.Fatal("expected error")
	}
	s.mu.Lock()
	_, ok := s.histories[ex.Token]
	s.mu.Unlock()
	if !ok {
		t.Error("history for the previous token must survive a failed exchange")
	}
}

func TestExchange_UnknownTokenStartsFresh(t *testing.T) {
	fb := &fakeBackend{replies: []string{"ok"}}
	s := newService(fb.complete, "m")
	if _, err := s.Exchange(t.Context(), "stale", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(fb.calls[0].Messages); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

func TestExchange_HistoryLimit(t *testing.T) {
	fb := &fakeBackend{replies: []string{"a", "b", "c"}}
	s := newService(fb.complete, "m", WithHistoryLimit(2))
	token := ""
	for _, in := range []string{"1", "2", "3"} {
		ex, err := s.Exchange(t.Context(), token, in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		token = ex.Token
	}
	// system + last pair + new user
	if n := len(fb.calls[2].Messages); n != 4 {
		t.Errorf("messages = %d, want 4", n)
	}
}
