package resilience

import (
	"context"

	"github.com/MrWong99/millwright/pkg/provider/stt"
)

// Transcriber implements [stt.Transcriber] with failover across several
// transcription backends, each behind its own circuit breaker. An empty
// transcript is a success and does not trigger failover.
type Transcriber struct {
	group *FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*Transcriber)(nil)

// NewTranscriber creates a [Transcriber] with primary as the preferred backend.
func NewTranscriber(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *Transcriber {
	return &Transcriber{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (t *Transcriber) AddFallback(name string, tr stt.Transcriber) {
	t.group.AddFallback(name, tr)
}

// Transcribe sends wav to the first healthy backend.
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", stt.ErrEmptyAudio
	}
	return ExecuteWithResult(ctx, t.group, func(tr stt.Transcriber) (string, error) {
		return tr.Transcribe(ctx, wav)
	})
}
