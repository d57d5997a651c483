// Package portaudio captures microphone audio through the PortAudio C library
// and exposes it as an audio.FrameSource.
//
// The PortAudio shared library and headers must be available at build time
// (cgo).
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/millwright/pkg/audio"
)

// Compile-time assertion that Source satisfies audio.FrameSource.
var _ audio.FrameSource = (*Source)(nil)

// Source reads mono 16-bit frames from an input device.
type Source struct {
	mu         sync.Mutex
	stream     *pa.Stream
	buf        []int16
	sampleRate int
	device     string
	started    time.Time
	closed     bool
}

// Option configures a Source.
type Option func(*Source)

// WithSampleRate overrides the capture rate. Defaults to audio.SampleRate.
func WithSampleRate(rate int) Option {
	return func(s *Source) { s.sampleRate = rate }
}

// WithFrameSamples overrides the number of samples per frame. Defaults to
// audio.FrameSamples.
func WithFrameSamples(n int) Option {
	return func(s *Source) { s.buf = make([]int16, n) }
}

// WithDevice selects the input device by its exact name. Empty selects the
// system default.
func WithDevice(name string) Option {
	return func(s *Source) { s.device = name }
}

// Open initialises PortAudio, opens the input stream and starts it.
// The caller must call Close to release the device.
func Open(opts ...Option) (*Source, error) {
	s := &Source{
		sampleRate: audio.SampleRate,
		buf:        make([]int16, audio.FrameSamples),
	}
	for _, o := range opts {
		o(s)
	}

	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialise: %w", err)
	}
	stream, err := s.open()
	if err != nil {
		_ = pa.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}
	s.stream = stream
	s.started = time.Now()
	return s, nil
}

func (s *Source) open() (*pa.Stream, error) {
	if s.device == "" {
		stream, err := pa.OpenDefaultStream(1, 0, float64(s.sampleRate), len(s.buf), s.buf)
		if err != nil {
			return nil, fmt.Errorf("portaudio: open default stream: %w", err)
		}
		return stream, nil
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name != s.device || d.MaxInputChannels < 1 {
			continue
		}
		p := pa.LowLatencyParameters(d, nil)
		p.Input.Channels = 1
		p.SampleRate = float64(s.sampleRate)
		p.FramesPerBuffer = len(s.buf)
		stream, err := pa.OpenStream(p, s.buf)
		if err != nil {
			return nil, fmt.Errorf("portaudio: open device %q: %w", s.device, err)
		}
		return stream, nil
	}
	return nil, fmt.Errorf("portaudio: no input device named %q", s.device)
}

// Read blocks for one frame period and returns the captured frame. An input
// overflow is reported as an empty frame so the caller simply reads again.
func (s *Source) Read(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.Frame{}, errors.New("portaudio: source closed")
	}

	if err := s.stream.Read(); err != nil {
		if errors.Is(err, pa.InputOverflowed) {
			slog.Debug("portaudio: input overflowed, dropping frame")
			return audio.Frame{}, nil
		}
		return audio.Frame{}, fmt.Errorf("portaudio: read: %w", err)
	}

	return audio.Frame{
		Data:       audio.Int16ToPCM(s.buf),
		SampleRate: s.sampleRate,
		Timestamp:  time.Since(s.started),
	}, nil
}

// Close stops the stream and terminates PortAudio. Calling Close more than
// once is safe.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop stream: %w", err))
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
	}
	if err := pa.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
	}
	return errors.Join(errs...)
}
