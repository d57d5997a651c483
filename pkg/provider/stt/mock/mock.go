// Package mock provides a test double for the stt.Transcriber interface.
//
// Example:
//
//	tr := &mock.Transcriber{Text: "turn left"}
//	text, _ := tr.Transcribe(ctx, wav)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/millwright/pkg/provider/stt"
)

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Text is returned by Transcribe when Err is nil.
	Text string

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// Calls records the audio passed to every Transcribe call.
	Calls [][]byte
}

// Transcribe records the call and returns Text, Err.
func (t *Transcriber) Transcribe(_ context.Context, wav []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(wav))
	copy(cp, wav)
	t.Calls = append(t.Calls, cp)
	if t.Err != nil {
		return "", t.Err
	}
	return t.Text, nil
}

// CallCount returns the number of Transcribe calls so far.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

var _ stt.Transcriber = (*Transcriber)(nil)
