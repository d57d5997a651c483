// Package vad defines the Engine interface for voice activity classifiers.
//
// A VAD engine wraps a frame-level speech detector (WebRTC VAD, or a test
// double) and surfaces it as a per-stream session. The speech segmenter only
// asks one question of a session: is this frame speech? Sessions additionally
// report speech start/end transitions so that callers which care about edges
// do not have to track them.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection result.
// A single SessionHandle must not be shared across goroutines unless the
// implementation documents otherwise.
package vad

import "fmt"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. WebRTC VAD accepts 8000, 16000, 32000 and
	// 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Only 10,
	// 20 and 30 ms frames are accepted.
	FrameSizeMs int

	// Aggressiveness selects how eagerly non-speech is filtered out, from 0
	// (least aggressive) to 3 (most aggressive).
	Aggressiveness int
}

// FrameBytes returns the byte length of one 16-bit mono frame for cfg.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate reports whether the configuration can be served by a frame-level
// classifier.
func (c Config) Validate() error {
	switch c.FrameSizeMs {
	case 10, 20, 30:
	default:
		return fmt.Errorf("vad: frame size %d ms not supported; use 10, 20 or 30", c.FrameSizeMs)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("vad: invalid sample rate %d", c.SampleRate)
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		return fmt.Errorf("vad: aggressiveness %d out of range [0,3]", c.Aggressiveness)
	}
	return nil
}

// SessionHandle represents an active VAD session for a single audio stream.
// Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies a single frame of raw little-endian PCM at the
	// configured SampleRate and FrameSizeMs. Returns an error if the frame size
	// is wrong or the engine fails internally.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
