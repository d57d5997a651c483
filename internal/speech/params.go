// Package speech turns a continuous microphone frame stream into discrete,
// bounded utterances.
//
// The [Segmenter] gates every frame on RMS energy and a voice activity
// classifier, keeps a short pre-roll so the first phoneme is not clipped,
// tolerates short pauses through a hangover window, and caps utterance length.
// [Calibrate] measures the ambient noise floor once before listening starts so
// the energy gate adapts to the room.
package speech

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/millwright/pkg/audio"
)

// NoiseFloor is the ambient RMS baseline measured by [Calibrate]. It is read
// only by the segmenter; a new value requires a new calibration.
type NoiseFloor float64

// Params holds the segmentation constants. Frame counts are derived from
// durations with integer millisecond division.
type Params struct {
	// SampleRate of the incoming frames in Hz.
	SampleRate int

	// FrameDuration is the length of one frame.
	FrameDuration time.Duration

	// PreSpeechFrames is the capacity of the pre-roll ring kept while idle.
	PreSpeechFrames int

	// PostSpeechFrames is the capacity of the trailing (hangover) buffer.
	PostSpeechFrames int

	// SilenceFramesLimit is the number of consecutive unvoiced frames after
	// which the utterance is sealed.
	SilenceFramesLimit int

	// MaxFrames caps the utterance length, excluding the final trailing flush.
	MaxFrames int

	// MinVoiceFrames is the shortest utterance that is accepted.
	MinVoiceFrames int

	// VoiceWaitTimeout bounds how long the segmenter waits for speech onset.
	VoiceWaitTimeout time.Duration

	// EnergyThreshold is the static RMS floor of the energy gate.
	EnergyThreshold float64
}

// DefaultParams returns the constants used for 16 kHz / 30 ms capture.
func DefaultParams() Params {
	frame := audio.FrameDuration
	return Params{
		SampleRate:         audio.SampleRate,
		FrameDuration:      frame,
		PreSpeechFrames:    framesIn(180*time.Millisecond, frame),
		PostSpeechFrames:   framesIn(400*time.Millisecond, frame),
		SilenceFramesLimit: framesIn(900*time.Millisecond, frame),
		MaxFrames:          framesIn(10*time.Second, frame),
		MinVoiceFrames:     framesIn(350*time.Millisecond, frame),
		VoiceWaitTimeout:   8 * time.Second,
		EnergyThreshold:    300,
	}
}

func framesIn(d, frame time.Duration) int {
	return int(d.Milliseconds() / frame.Milliseconds())
}

// FrameSamples returns the number of samples in one frame.
func (p Params) FrameSamples() int {
	return int(int64(p.SampleRate) * p.FrameDuration.Milliseconds() / 1000)
}

// DynamicThreshold returns the energy gate for the given noise floor:
// max(EnergyThreshold, 2*floor).
func (p Params) DynamicThreshold(floor NoiseFloor) float64 {
	return max(p.EnergyThreshold, 2*float64(floor))
}

// Validate checks that the constants describe a usable state machine.
func (p Params) Validate() error {
	var errs []error
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", p.SampleRate))
	}
	if p.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("frame duration must be positive, got %s", p.FrameDuration))
	}
	if p.PreSpeechFrames < 1 {
		errs = append(errs, fmt.Errorf("pre-speech frames must be at least 1, got %d", p.PreSpeechFrames))
	}
	if p.PostSpeechFrames < 0 {
		errs = append(errs, fmt.Errorf("post-speech frames must not be negative, got %d", p.PostSpeechFrames))
	}
	if p.SilenceFramesLimit < 1 {
		errs = append(errs, fmt.Errorf("silence frame limit must be at least 1, got %d", p.SilenceFramesLimit))
	}
	if p.MinVoiceFrames < 1 {
		errs = append(errs, fmt.Errorf("min voice frames must be at least 1, got %d", p.MinVoiceFrames))
	}
	if p.MaxFrames <= p.PreSpeechFrames || p.MaxFrames < p.MinVoiceFrames {
		errs = append(errs, fmt.Errorf("max frames %d must exceed pre-speech frames and min voice frames", p.MaxFrames))
	}
	if p.VoiceWaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("voice wait timeout must be positive, got %s", p.VoiceWaitTimeout))
	}
	if p.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("energy threshold must not be negative, got %v", p.EnergyThreshold))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("speech: invalid params: %w", err)
	}
	return nil
}
