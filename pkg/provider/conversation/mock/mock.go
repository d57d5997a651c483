// Package mock provides a test double for the conversation.Service interface.
//
// Example:
//
//	svc := &mock.Service{
//	    Result: &conversation.Exchange{Text: `{"response":"ok","values":{}}`, Token: "resp_1"},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/millwright/pkg/provider/conversation"
)

// ExchangeCall records a single invocation of Exchange.
type ExchangeCall struct {
	Token string
	Text  string
}

// Service is a mock implementation of conversation.Service.
// A nil Result with a nil Err returns an empty Exchange.
type Service struct {
	mu sync.Mutex

	// Result is returned by Exchange when Respond is nil.
	Result *conversation.Exchange

	// Err, if non-nil, is returned by Exchange.
	Err error

	// Respond, if set, computes the result for each call.
	Respond func(token, text string) (*conversation.Exchange, error)

	// Block, if non-nil, makes Exchange wait until it is closed or ctx ends.
	Block chan struct{}

	// Calls records every invocation of Exchange in order.
	Calls []ExchangeCall
}

// Exchange records the call and returns the configured result.
func (s *Service) Exchange(ctx context.Context, token, text string) (*conversation.Exchange, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, ExchangeCall{Token: token, Text: text})
	block, respond, result, err := s.Block, s.Respond, s.Result, s.Err
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if respond != nil {
		return respond(token, text)
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &conversation.Exchange{}, nil
	}
	out := *result
	return &out, nil
}

// CallCount returns the number of Exchange calls so far.
func (s *Service) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// LastCall returns the most recent call, or false when none happened.
func (s *Service) LastCall() (ExchangeCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Calls) == 0 {
		return ExchangeCall{}, false
	}
	return s.Calls[len(s.Calls)-1], true
}

var _ conversation.Service = (*Service)(nil)
