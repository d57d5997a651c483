// Package webrtc implements vad.Engine on top of the WebRTC voice activity
// detector (github.com/maxhawkins/go-webrtcvad, cgo).
//
// The detector is a binary classifier: every frame is either speech or not.
// Sessions translate the binary decision into start/continue/end events.
package webrtc

import (
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/millwright/pkg/provider/vad"
)

// DefaultAggressiveness is the most aggressive WebRTC mode.
const DefaultAggressiveness = 3

// Compile-time assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// Engine creates WebRTC VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and allocates a detector instance.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	det, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create detector: %w", err)
	}
	if err := det.SetMode(cfg.Aggressiveness); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode %d: %w", cfg.Aggressiveness, err)
	}
	if !det.ValidRateAndFrameLength(cfg.SampleRate, cfg.FrameBytes()/2) {
		return nil, fmt.Errorf("webrtc vad: unsupported rate %d Hz with %d ms frames", cfg.SampleRate, cfg.FrameSizeMs)
	}
	return &session{det: det, cfg: cfg}, nil
}

type session struct {
	mu        sync.Mutex
	det       *webrtcvad.VAD
	cfg       vad.Config
	wasSpeech bool
	closed    bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("webrtc vad: session closed")
	}
	if want := s.cfg.FrameBytes(); len(frame) != want {
		return vad.VADEvent{}, fmt.Errorf("webrtc vad: frame is %d bytes, want %d", len(frame), want)
	}
	speech, err := s.det.Process(s.cfg.SampleRate, frame)
	if err != nil {
		return vad.VADEvent{}, fmt.Errorf("webrtc vad: process: %w", err)
	}
	ev := vad.Transition(s.wasSpeech, speech)
	s.wasSpeech = speech
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wasSpeech = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
