// Package anyllm provides a conversation service backed by
// github.com/mozilla-ai/any-llm-go, so any chat-completion provider it
// supports (OpenAI, Anthropic, Gemini, Ollama, Mistral, ...) can drive the
// windmill assistant.
//
// Chat-completion APIs are stateless, so continuation tokens are mapped onto
// an in-process message history. Each successful exchange issues a fresh
// token and retires the one it continued from.
package anyllm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/millwright/pkg/provider/conversation"
)

// DefaultHistoryLimit caps the number of user and assistant messages kept
// per conversation.
const DefaultHistoryLimit = 40

// replyFormat is appended to the instructions because the chat-completion
// path has no portable strict response format.
const replyFormat = `Always answer with a single JSON object of the form {"response": "<text for the user>", "values": {"<name>": <number>, ...}}. Use an empty "values" object when nothing should change.`

type completeFunc func(ctx context.Context, params anyllmlib.CompletionParams) (string, error)

// Service implements conversation.Service on top of any-llm-go.
type Service struct {
	complete completeFunc
	model    string
	limit    int

	mu           sync.Mutex
	instructions string
	histories    map[string][]anyllmlib.Message
}

// Option is a functional option for Service.
type Option func(*Service)

// WithInstructions sets the system prompt prepended to every request.
func WithInstructions(s string) Option {
	return func(svc *Service) { svc.instructions = s }
}

// WithHistoryLimit caps the messages kept per conversation. Values below 2
// are ignored.
func WithHistoryLimit(n int) Option {
	return func(svc *Service) {
		if n >= 2 {
			svc.limit = n
		}
	}
}

// New creates a Service for the named provider.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". backendOpts are
// any-llm-go options such as anyllmlib.WithAPIKey; without an API key option
// the provider falls back to its usual environment variable.
func New(providerName, model string, backendOpts []anyllmlib.Option, opts ...Option) (*Service, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	backend, err := createBackend(providerName, backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return newService(fromBackend(backend), model, opts...), nil
}

func newService(complete completeFunc, model string, opts ...Option) *Service {
	s := &Service{
		complete:  complete,
		model:     model,
		limit:     DefaultHistoryLimit,
		histories: make(map[string][]anyllmlib.Message),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func fromBackend(b anyllmlib.Provider) completeFunc {
	return func(ctx context.Context, params anyllmlib.CompletionParams) (string, error) {
		resp, err := b.Completion(ctx, params)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("empty choices in response")
		}
		return resp.Choices[0].Message.ContentString(), nil
	}
}

// SetInstructions replaces the system prompt for subsequent requests.
func (s *Service) SetInstructions(instructions string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructions = instructions
}

// Exchange implements conversation.Service. An unknown token starts a new
// conversation.
func (s *Service) Exchange(ctx context.Context, token, text string) (*conversation.Exchange, error) {
	s.mu.Lock()
	history, known := s.histories[token]
	history = append([]anyllmlib.Message(nil), history...)
	instructions := s.instructions
	s.mu.Unlock()

	if token != "" && !known {
		slog.Warn("anyllm: unknown continuation token, starting a new conversation", "token", token)
	}

	user := anyllmlib.Message{Role: "user", Content: text}
	params := anyllmlib.CompletionParams{
		Model:    s.model,
		Messages: s.buildMessages(instructions, history, user),
	}

	reply, err := s.complete(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}

	history = append(history, user, anyllmlib.Message{Role: "assistant", Content: reply})
	if over := len(history) - s.limit; over > 0 {
		history = history[over:]
	}

	next := uuid.NewString()
	s.mu.Lock()
	delete(s.histories, token)
	s.histories[next] = history
	s.mu.Unlock()

	return &conversation.Exchange{
		Text:  conversation.SelectReply([]conversation.Message{{Parts: []conversation.Part{{Text: reply}}}}),
		Token: next,
	}, nil
}

// Conversations returns the number of live continuation tokens.
func (s *Service) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.histories)
}

func (s *Service) buildMessages(instructions string, history []anyllmlib.Message, user anyllmlib.Message) []anyllmlib.Message {
	system := replyFormat
	if strings.TrimSpace(instructions) != "" {
		system = instructions + "\n\n" + replyFormat
	}
	msgs := make([]anyllmlib.Message, 0, len(history)+2)
	msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: system})
	msgs = append(msgs, history...)
	return append(msgs, user)
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

var _ conversation.Service = (*Service)(nil)
