package turn

import "fmt"

// Mode is how the user currently provides input.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// ParseMode validates s as a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeText, ModeVoice:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("turn: unknown mode %q (want text or voice)", s)
	}
}

// Session is the conversational state owned by a Dispatcher. Callers only
// ever see copies.
type Session struct {
	// Token continues the remote conversation. Empty before the first
	// successful exchange and after a reset.
	Token string

	Mode Mode

	// Dev shows would-be payloads instead of publishing them.
	Dev bool
}
