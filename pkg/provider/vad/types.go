package vad

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0). Binary
	// classifiers report 0 or 1.
	Probability float64
}

// IsSpeech reports whether the frame was classified as speech.
func (e VADEvent) IsSpeech() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns a lowercase name for the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// Transition maps a binary speech decision onto an event, given whether the
// previous frame was speech.
func Transition(wasSpeech, isSpeech bool) VADEvent {
	switch {
	case isSpeech && !wasSpeech:
		return VADEvent{Type: VADSpeechStart, Probability: 1}
	case isSpeech:
		return VADEvent{Type: VADSpeechContinue, Probability: 1}
	case wasSpeech:
		return VADEvent{Type: VADSpeechEnd}
	default:
		return VADEvent{Type: VADSilence}
	}
}
