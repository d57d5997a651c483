// Package mock provides test doubles for the turn package's Sink, Publisher
// and Journal interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/millwright/internal/journal"
	"github.com/MrWong99/millwright/internal/turn"
)

// Sink records everything shown to the user.
type Sink struct {
	mu      sync.Mutex
	Said    []string
	Notices []string
}

func (s *Sink) Say(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Said = append(s.Said, text)
}

func (s *Sink) Notice(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Notices = append(s.Notices, text)
}

// LastSaid returns the most recent Say text, or "".
func (s *Sink) LastSaid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Said) == 0 {
		return ""
	}
	return s.Said[len(s.Said)-1]
}

// LastNotice returns the most recent Notice text, or "".
func (s *Sink) LastNotice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Notices) == 0 {
		return ""
	}
	return s.Notices[len(s.Notices)-1]
}

// Publisher records published payloads.
type Publisher struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by Publish and nothing is recorded.
	Err error

	Payloads [][]byte
}

func (p *Publisher) Publish(_ context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Payloads = append(p.Payloads, append([]byte(nil), payload...))
	return nil
}

// Count returns the number of successful publishes.
func (p *Publisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Payloads)
}

// Journal records appended entries.
type Journal struct {
	mu      sync.Mutex
	Err     error
	Entries []journal.Entry
}

func (j *Journal) Append(_ context.Context, entries ...*journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Err != nil {
		return j.Err
	}
	for _, e := range entries {
		j.Entries = append(j.Entries, *e)
	}
	return nil
}

var (
	_ turn.Sink      = (*Sink)(nil)
	_ turn.Publisher = (*Publisher)(nil)
	_ turn.Journal   = (*Journal)(nil)
)
