// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A Transcriber turns one complete utterance, encoded as a WAV container, into
// text. Utterances are already segmented by the caller, so backends are
// request/response rather than streaming. An empty result is valid and means
// nothing intelligible was said.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

const (
	// DefaultLanguage is the recognition language hint used by all backends
	// unless overridden.
	DefaultLanguage = "en"

	// FileName is the upload name used for multipart audio uploads.
	FileName = "speech.wav"

	// ContentType is the MIME type of the uploaded audio.
	ContentType = "audio/wav"
)

// ErrEmptyAudio is returned when Transcribe is called without audio.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Transcriber is the abstraction over any batch transcription backend.
type Transcriber interface {
	// Transcribe returns the text spoken in wav. Errors are returned for
	// transport or backend failures; silence yields "" and a nil error.
	Transcribe(ctx context.Context, wav []byte) (string, error)
}
