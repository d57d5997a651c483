package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/millwright/pkg/audio"
	"github.com/MrWong99/millwright/pkg/provider/vad"
)

// State is the segmenter's position within one listening attempt.
type State int

const (
	// StateIdle buffers a pre-roll ring while waiting for speech onset.
	StateIdle State = iota
	// StateVoiced accumulates voiced frames.
	StateVoiced
	// StateTrailing buffers unvoiced frames after voice ceased.
	StateTrailing
	// StateSealed is terminal for the attempt.
	StateSealed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateVoiced:
		return "voiced"
	case StateTrailing:
		return "trailing"
	case StateSealed:
		return "sealed"
	default:
		return "unknown"
	}
}

// Segmenter reads frames from a source and cuts them into utterances. One
// Segmenter serves one capture stream; Next must not be called concurrently.
type Segmenter struct {
	src    audio.FrameSource
	vad    vad.SessionHandle
	params Params
	now    func() time.Time
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithClock replaces time.Now for the voice wait timeout.
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) { s.now = now }
}

// NewSegmenter returns a Segmenter over src using sess as the voice classifier.
func NewSegmenter(src audio.FrameSource, sess vad.SessionHandle, p Params, opts ...Option) (*Segmenter, error) {
	if src == nil {
		return nil, fmt.Errorf("speech: frame source must not be nil")
	}
	if sess == nil {
		return nil, fmt.Errorf("speech: vad session must not be nil")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &Segmenter{src: src, vad: sess, params: p, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Params returns the segmentation constants in use.
func (s *Segmenter) Params() Params { return s.params }

type scoredFrame struct {
	data   []byte
	energy float64
}

// Next listens for one utterance. It returns a *RejectError (matching
// ErrNoUtterance) when no speech starts within the wait timeout or when the
// sealed span fails the length or energy checks. A source that reports
// io.EOF ends the attempt as if the speaker stopped. Frame source and classifier
// failures are returned wrapped; context cancellation returns ctx.Err().
func (s *Segmenter) Next(ctx context.Context, floor NoiseFloor) (*Utterance, error) {
	p := s.params
	dynamic := p.DynamicThreshold(floor)

	var (
		pre      = newRing[scoredFrame](p.PreSpeechFrames)
		post     = newRing[[]byte](p.PostSpeechFrames)
		frames   [][]byte
		energies []float64
		silence  int
		state    = StateIdle
		start    = s.now()
	)
	s.vad.Reset()

	for state != StateSealed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := s.src.Read(ctx)
		if errors.Is(err, io.EOF) {
			if state == StateIdle {
				return nil, &RejectError{Reason: ReasonStreamEnded, Threshold: dynamic}
			}
			frames = append(frames, post.drain()...)
			break
		}
		if err != nil {
			return nil, fmt.Errorf("speech: read frame: %w", err)
		}
		if f.Empty() {
			if state == StateIdle && s.now().Sub(start) > p.VoiceWaitTimeout {
				return nil, &RejectError{Reason: ReasonTimeout, Threshold: dynamic}
			}
			continue
		}

		energy := audio.RMS(f.Data)
		voiced, err := s.classify(f.Data, energy, dynamic)
		if err != nil {
			return nil, err
		}

		if state == StateIdle {
			pre.push(scoredFrame{data: f.Data, energy: energy})
			if voiced {
				for _, sf := range pre.drain() {
					frames = append(frames, sf.data)
					energies = append(energies, sf.energy)
				}
				silence = 0
				state = StateVoiced
				slog.Debug("speech onset", "energy", energy, "threshold", dynamic, "preroll", len(frames))
			} else if s.now().Sub(start) > p.VoiceWaitTimeout {
				return nil, &RejectError{Reason: ReasonTimeout, Threshold: dynamic}
			}
			continue
		}

		if voiced {
			frames = append(frames, f.Data)
			energies = append(energies, energy)
			silence = 0
			post.clear()
			state = StateVoiced
		} else {
			post.push(f.Data)
			silence++
			state = StateTrailing
			if silence > p.SilenceFramesLimit {
				frames = append(frames, post.drain()...)
				state = StateSealed
				continue
			}
		}

		if len(frames) >= p.MaxFrames {
			frames = append(frames, post.drain()...)
			state = StateSealed
		}
	}

	mean := meanOf(energies)
	if len(frames) < p.MinVoiceFrames {
		slog.Debug("speech rejected", "reason", ReasonTooShort, "frames", len(frames))
		return nil, &RejectError{Reason: ReasonTooShort, Frames: len(frames), MeanEnergy: mean, Threshold: dynamic}
	}
	if mean < dynamic*1.1 {
		slog.Debug("speech rejected", "reason", ReasonTooQuiet, "mean_energy", mean, "threshold", dynamic)
		return nil, &RejectError{Reason: ReasonTooQuiet, Frames: len(frames), MeanEnergy: mean, Threshold: dynamic * 1.1}
	}

	u := seal(frames, p, mean)
	slog.Debug("speech sealed", "frames", u.Frames(), "duration", u.Duration(), "mean_energy", mean)
	return u, nil
}

// classify applies the energy gate first and only consults the voice
// classifier for frames that pass it.
func (s *Segmenter) classify(frame []byte, energy, threshold float64) (bool, error) {
	if energy < threshold {
		return false, nil
	}
	ev, err := s.vad.ProcessFrame(frame)
	if err != nil {
		return false, fmt.Errorf("speech: classify frame: %w", err)
	}
	return ev.IsSpeech(), nil
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
