// Package openai provides a conversation service backed by the OpenAI
// Responses API. Continuation tokens are response ids passed back as
// previous_response_id, so the conversation state lives server-side.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/MrWong99/millwright/pkg/provider/conversation"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4.1-mini"

// SchemaName is the name of the strict response format sent with each request.
const SchemaName = "windmill_spin_data"

// WindmillParameters lists the numeric keys the response format requires
// inside "values".
var WindmillParameters = []string{
	"speed_para", "dir_para",
	"speed_old", "dir_old",
	"speed_reg", "dir_reg",
}

// Service implements conversation.Service using the Responses API.
type Service struct {
	client   oai.Client
	model    string
	promptID string
	schema   bool

	mu           sync.RWMutex
	instructions string
}

type config struct {
	baseURL      string
	httpClient   *http.Client
	instructions string
	promptID     string
	schema       bool
}

// Option is a functional option for Service.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls, for example one
// that dials through a proxy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithInstructions sets the system instructions sent with every request.
func WithInstructions(s string) Option {
	return func(c *config) { c.instructions = s }
}

// WithPromptID references a stored prompt by id.
func WithPromptID(id string) Option {
	return func(c *config) { c.promptID = id }
}

// WithoutSchema disables the strict windmill response format. The model is
// then free to answer in any shape and replies fall back to plain text.
func WithoutSchema() Option {
	return func(c *config) { c.schema = false }
}

// New constructs a Service. model defaults to DefaultModel when empty.
func New(apiKey, model string, opts ...Option) (*Service, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{schema: true}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// The dispatcher owns failure handling: one call per turn.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &Service{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		promptID:     cfg.promptID,
		schema:       cfg.schema,
		instructions: cfg.instructions,
	}, nil
}

// SetInstructions replaces the system instructions for subsequent requests.
func (s *Service) SetInstructions(instructions string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructions = instructions
}

// Instructions returns the current system instructions.
func (s *Service) Instructions() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instructions
}

// Exchange implements conversation.Service.
func (s *Service) Exchange(ctx context.Context, token, text string) (*conversation.Exchange, error) {
	resp, err := s.client.Responses.New(ctx, s.buildParams(token, text))
	if err != nil {
		return nil, fmt.Errorf("openai: create response: %w", err)
	}
	return &conversation.Exchange{
		Text:  conversation.SelectReply(s.messages(resp)),
		Token: resp.ID,
	}, nil
}

func (s *Service) buildParams(token, text string) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: s.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: oai.String(text)},
	}
	if token != "" {
		params.PreviousResponseID = oai.String(token)
	}
	if instr := s.Instructions(); strings.TrimSpace(instr) != "" {
		params.Instructions = oai.String(instr)
	}
	if s.promptID != "" {
		params.Prompt = responses.ResponsePromptParam{ID: s.promptID}
	}
	if s.schema {
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   SchemaName,
					Schema: windmillSchema(),
					Strict: oai.Bool(true),
				},
			},
		}
	}
	return params
}

// messages converts the response's message output items. Other item types
// (reasoning, tool calls) carry nothing to show.
func (s *Service) messages(resp *responses.Response) []conversation.Message {
	var out []conversation.Message
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		var msg conversation.Message
		for _, c := range item.Content {
			switch c.Type {
			case "output_text":
				kind := conversation.PartText
				if s.schema {
					kind = conversation.PartStructured
				}
				msg.Parts = append(msg.Parts, conversation.Part{Kind: kind, Text: c.Text})
			case "refusal":
				msg.Parts = append(msg.Parts, conversation.Part{Text: c.Refusal})
			}
		}
		out = append(out, msg)
	}
	return out
}

func windmillSchema() map[string]any {
	props := make(map[string]any, len(WindmillParameters))
	for _, k := range WindmillParameters {
		props[k] = map[string]any{"type": "number"}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"response": map[string]any{"type": "string"},
			"values": map[string]any{
				"type":                 "object",
				"properties":           props,
				"required":             WindmillParameters,
				"additionalProperties": false,
			},
		},
		"required":             []string{"response", "values"},
		"additionalProperties": false,
	}
}

var _ conversation.Service = (*Service)(nil)
