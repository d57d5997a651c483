package speech

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/millwright/pkg/audio"
)

// ErrNoUtterance reports that a listening attempt produced no usable speech.
// It is not a failure: the caller simply listens again.
var ErrNoUtterance = errors.New("speech: no utterance")

// RejectReason names why a listening attempt produced no utterance.
type RejectReason string

const (
	// ReasonTimeout means no speech onset was seen within the wait timeout.
	ReasonTimeout RejectReason = "timeout"

	// ReasonTooShort means the sealed span had fewer than MinVoiceFrames.
	ReasonTooShort RejectReason = "too_short"

	// ReasonStreamEnded means the frame source ended before speech onset.
	ReasonStreamEnded RejectReason = "stream_ended"

	// ReasonTooQuiet means the mean voiced energy failed the post-seal check.
	ReasonTooQuiet RejectReason = "too_quiet"
)

// RejectError carries the details of a discarded listening attempt. It
// matches [ErrNoUtterance] under errors.Is.
type RejectError struct {
	Reason     RejectReason
	Frames     int
	MeanEnergy float64
	Threshold  float64
}

func (e *RejectError) Error() string {
	switch e.Reason {
	case ReasonTimeout:
		return "speech: no utterance: no speech onset before timeout"
	case ReasonStreamEnded:
		return "speech: no utterance: frame stream ended"
	case ReasonTooShort:
		return fmt.Sprintf("speech: no utterance: %d frames is too short", e.Frames)
	default:
		return fmt.Sprintf("speech: no utterance: mean energy %.1f below %.1f", e.MeanEnergy, e.Threshold)
	}
}

func (e *RejectError) Unwrap() error { return ErrNoUtterance }

// Utterance is one sealed span of speech frames. It is immutable: accessors
// return copies.
type Utterance struct {
	pcm        []byte
	frames     int
	sampleRate int
	frameDur   time.Duration
	meanEnergy float64
}

func seal(frames [][]byte, p Params, meanEnergy float64) *Utterance {
	size := 0
	for _, f := range frames {
		size += len(f)
	}
	pcm := make([]byte, 0, size)
	for _, f := range frames {
		pcm = append(pcm, f...)
	}
	return &Utterance{
		pcm:        pcm,
		frames:     len(frames),
		sampleRate: p.SampleRate,
		frameDur:   p.FrameDuration,
		meanEnergy: meanEnergy,
	}
}

// NewUtterance wraps already captured 16-bit mono PCM, e.g. audio read from a
// file. Frames are counted in whole frames of p.
func NewUtterance(pcm []byte, p Params) *Utterance {
	frameBytes := p.FrameSamples() * 2
	n := 0
	if frameBytes > 0 {
		n = len(pcm) / frameBytes
	}
	return &Utterance{
		pcm:        append([]byte(nil), pcm...),
		frames:     n,
		sampleRate: p.SampleRate,
		frameDur:   p.FrameDuration,
		meanEnergy: audio.RMS(pcm),
	}
}

// PCM returns a copy of the concatenated 16-bit mono samples.
func (u *Utterance) PCM() []byte {
	out := make([]byte, len(u.pcm))
	copy(out, u.pcm)
	return out
}

// Frames returns the number of frames in the utterance.
func (u *Utterance) Frames() int { return u.frames }

// SampleRate returns the capture rate in Hz.
func (u *Utterance) SampleRate() int { return u.sampleRate }

// Duration returns the nominal length of the utterance.
func (u *Utterance) Duration() time.Duration { return time.Duration(u.frames) * u.frameDur }

// MeanEnergy returns the mean RMS of the frames collected as voiced.
func (u *Utterance) MeanEnergy() float64 { return u.meanEnergy }

// WAV encodes the utterance as a mono 16-bit WAV container. Encoding the same
// utterance repeatedly yields identical bytes.
func (u *Utterance) WAV() ([]byte, error) {
	return audio.EncodeWAV(u.pcm, u.sampleRate, 1)
}
