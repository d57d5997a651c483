// Package audio defines the PCM frame type that flows from the microphone into
// the speech segmenter, the FrameSource interface implemented by capture
// backends, and the helpers shared by every stage that touches raw samples:
// energy measurement, sample conversion and WAV containers.
//
// All PCM in this package is signed 16-bit little-endian. Capture backends
// live in sub-packages (see portaudio) so that code which only needs the
// types does not pull in cgo.
package audio

import (
	"context"
	"time"
)

const (
	// SampleRate is the capture rate expected by the voice classifier and the
	// transcription backends.
	SampleRate = 16000

	// FrameDuration is the length of one capture frame.
	FrameDuration = 30 * time.Millisecond

	// FrameSamples is the number of mono samples in one frame (480).
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000

	// BytesPerSample is the width of one sample in bytes.
	BytesPerSample = 2

	// FrameBytes is the byte length of one mono frame (960).
	FrameBytes = FrameSamples * BytesPerSample
)

// Frame is one fixed-duration block of mono PCM audio. A Frame is immutable
// once produced: consumers must copy the Data slice before modifying it.
type Frame struct {
	// Data is the raw signed 16-bit little-endian PCM payload.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Empty reports whether the frame carries no samples.
func (f Frame) Empty() bool { return len(f.Data) == 0 }

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameSource yields fixed-duration PCM frames from a capture device.
//
// Read blocks for at most one frame period. A returned Frame with no data
// means nothing was available yet and the caller should simply read again.
// Errors are device failures; callers treat them as transient and may retry
// with a new attempt.
type FrameSource interface {
	Read(ctx context.Context) (Frame, error)
}
