package resilience

import (
	"context"

	"github.com/MrWong99/millwright/pkg/provider/conversation"
)

// Conversation wraps a [conversation.Service] in a circuit breaker. Backends
// are not interchangeable mid-conversation because continuation tokens are
// backend-specific, so there is no failover; an open breaker fails the turn
// fast instead of waiting on a dead backend.
type Conversation struct {
	svc     conversation.Service
	breaker *CircuitBreaker
}

var _ conversation.Service = (*Conversation)(nil)

// NewConversation guards svc with a breaker built from cfg.
func NewConversation(svc conversation.Service, cfg CircuitBreakerConfig) *Conversation {
	return &Conversation{svc: svc, breaker: NewCircuitBreaker(cfg)}
}

// Exchange forwards to the wrapped service unless the breaker is open, in
// which case it returns [ErrCircuitOpen].
func (c *Conversation) Exchange(ctx context.Context, token, text string) (*conversation.Exchange, error) {
	var ex *conversation.Exchange
	err := c.breaker.Execute(func() error {
		var err error
		ex, err = c.svc.Exchange(ctx, token, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

// State reports the breaker's state.
func (c *Conversation) State() State { return c.breaker.State() }
