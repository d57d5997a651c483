// Package mock provides scripted voice-activity classifiers for tests.
package mock

import (
	"sync"

	"github.com/MrWong99/millwright/pkg/provider/vad"
)

// Engine hands out Session (or a fresh silent [Session] when nil) and records
// the configs it was asked for.
type Engine struct {
	Session vad.SessionHandle
	Err     error

	mu      sync.Mutex
	configs []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	switch {
	case e.Err != nil:
		return nil, e.Err
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns the configs passed to NewSession so far.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session classifies every frame with Classify, or returns EventResult when
// Classify is nil. ProcessFrameErr fails every frame.
type Session struct {
	EventResult     vad.VADEvent
	Classify        func(frame []byte) vad.VADEvent
	ProcessFrameErr error
	CloseErr        error

	mu             sync.Mutex
	frames         int
	ResetCallCount int
	closed         bool
}

func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.ProcessFrameErr != nil {
		return vad.VADEvent{}, s.ProcessFrameErr
	}
	if s.Classify != nil {
		return s.Classify(frame), nil
	}
	return s.EventResult, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.ResetCallCount++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.CloseErr
}

// Calls returns how many frames were classified.
func (s *Session) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
