// Package mock provides a test double for the delivery.Transport interface.
//
// Example:
//
//	tr := mock.NewTransport()
//	tr.ConnectErrs = []error{errors.New("refused"), nil}
//	ch := delivery.New(tr)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/millwright/internal/delivery"
)

// Transport is a mock implementation of delivery.Transport.
type Transport struct {
	mu sync.Mutex

	// ConnectErrs is consumed one entry per Connect call. When it is empty,
	// ConnectErr is returned.
	ConnectErrs []error
	ConnectErr  error

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// BlockConnect, if non-nil, makes Connect wait until it is closed or ctx
	// ends.
	BlockConnect chan struct{}

	ConnectCalls    int
	DisconnectCalls int
	Sent            [][]byte

	lost chan error
}

// NewTransport returns a Transport that connects successfully.
func NewTransport() *Transport {
	return &Transport{lost: make(chan error, 1)}
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.ConnectCalls++
	block := t.BlockConnect
	var err error
	if len(t.ConnectErrs) > 0 {
		err = t.ConnectErrs[0]
		t.ConnectErrs = t.ConnectErrs[1:]
	} else {
		err = t.ConnectErr
	}
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (t *Transport) Send(_ context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return t.SendErr
	}
	t.Sent = append(t.Sent, append([]byte(nil), payload...))
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DisconnectCalls++
	return nil
}

func (t *Transport) Lost() <-chan error { return t.lost }

// Drop simulates an unexpected connection loss.
func (t *Transport) Drop(err error) {
	t.lost <- err
}

// Connects returns the number of Connect calls so far.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ConnectCalls
}

// SentCount returns the number of successful sends.
func (t *Transport) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Sent)
}

var _ delivery.Transport = (*Transport)(nil)
