// Package conversation defines the Service interface for remote structured
// conversation backends.
//
// A Service wraps a hosted model API and performs one request/response round
// trip per call. Multi-turn context is carried by an opaque continuation token:
// an empty token starts a new conversation, and the token returned with each
// Exchange chains the next call onto it. How a backend maps tokens onto its own
// state (a server-side response id, an in-process history) is private to the
// backend.
//
// Replies are expected to carry a StructuredReply encoded as JSON. The helpers
// in reply.go normalise whatever the backend returns into that shape.
//
// Implementations must be safe for concurrent use.
package conversation

import "context"

// Exchange is the result of one conversational round trip.
type Exchange struct {
	// Text is the assistant's reply after multi-part normalisation. It is
	// usually a JSON-encoded StructuredReply but may be arbitrary text when the
	// backend ignored the response format.
	Text string

	// Token identifies this exchange for continuation. Empty when the backend
	// did not return one; callers then keep their previous token.
	Token string
}

// Service is the abstraction over a remote conversation backend.
type Service interface {
	// Exchange sends text as the next user turn of the conversation identified
	// by token (empty for a new conversation) and waits for the reply. The call
	// is made exactly once; retries are the caller's decision.
	Exchange(ctx context.Context, token, text string) (*Exchange, error)
}

// PartKind classifies one content part of an assistant message.
type PartKind int

const (
	// PartText is free-form text. It may still contain a JSON object.
	PartText PartKind = iota

	// PartStructured is output the backend produced under a structured
	// response format.
	PartStructured
)

// Part is one content item of an assistant message.
type Part struct {
	Kind PartKind
	Text string
}

// Message is one assistant message as returned by a backend. Backends list
// messages in the order they were produced; the last one is the newest.
type Message struct {
	Parts []Part
}

// Text returns the message's text parts concatenated in order.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}
