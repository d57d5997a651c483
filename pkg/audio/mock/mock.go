// Package mock provides an in-memory [audio.FrameSource] for unit tests.
//
// The Source replays a scripted list of frames in order. Once the script is
// exhausted every Read returns [Source.ExhaustedErr] (io.EOF by default), so a
// consumer that keeps reading terminates deterministically.
//
// Typical usage:
//
//	src := &mock.Source{Frames: []audio.Frame{loud, loud, quiet}}
//	f, err := src.Read(ctx)
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/millwright/pkg/audio"
)

// Source is a mock implementation of [audio.FrameSource].
type Source struct {
	mu sync.Mutex

	// Frames is the script returned by successive Read calls.
	Frames []audio.Frame

	// ReadErr, if non-nil, is returned by every Read call instead of a frame.
	ReadErr error

	// Glitches are returned, one per call, by the first Read calls before
	// any scripted frame.
	Glitches []error

	// ExhaustedErr is returned once Frames is used up. Defaults to io.EOF.
	ExhaustedErr error

	// OnRead, if set, is invoked after each Read with the zero-based index of
	// the frame being returned. Tests use it to advance fake clocks.
	OnRead func(i int)

	// ReadCallCount is the number of times Read was called.
	ReadCallCount int

	next int
}

// Read returns the next scripted frame.
func (s *Source) Read(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}

	s.mu.Lock()
	s.ReadCallCount++
	if s.ReadErr != nil {
		err := s.ReadErr
		s.mu.Unlock()
		return audio.Frame{}, err
	}
	if len(s.Glitches) > 0 {
		err := s.Glitches[0]
		s.Glitches = s.Glitches[1:]
		s.mu.Unlock()
		return audio.Frame{}, err
	}
	if s.next >= len(s.Frames) {
		err := s.ExhaustedErr
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return audio.Frame{}, err
	}
	i := s.next
	f := s.Frames[i]
	s.next++
	hook := s.OnRead
	s.mu.Unlock()

	if hook != nil {
		hook(i)
	}
	return f, nil
}

// Remaining reports how many scripted frames have not been read yet.
func (s *Source) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames) - s.next
}

// Tone returns a frame whose samples alternate between +amp and -amp, which
// gives an RMS energy of exactly amp.
func Tone(amp int16) audio.Frame {
	samples := make([]int16, audio.FrameSamples)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	return audio.Frame{Data: audio.Int16ToPCM(samples), SampleRate: audio.SampleRate}
}

// Silence returns an all-zero frame.
func Silence() audio.Frame {
	return audio.Frame{Data: make([]byte, audio.FrameBytes), SampleRate: audio.SampleRate}
}

// Repeat returns n copies of f.
func Repeat(f audio.Frame, n int) []audio.Frame {
	out := make([]audio.Frame, n)
	for i := range out {
		out[i] = f
	}
	return out
}

// Ensure Source implements audio.FrameSource at compile time.
var _ audio.FrameSource = (*Source)(nil)
