package turn

import "strings"

// Command is a slash command typed by the user.
type Command int

const (
	CmdNone Command = iota
	CmdHelp
	CmdRestart
	CmdVoice
	CmdText
	CmdDev
	CmdQuit
	// CmdUnknown is any other token starting with "/". It is consumed like a
	// command so it never reaches the conversation service.
	CmdUnknown
)

var commandNames = map[string]Command{
	"/help":    CmdHelp,
	"/restart": CmdRestart,
	"/voice":   CmdVoice,
	"/text":    CmdText,
	"/dev":     CmdDev,
	"/quit":    CmdQuit,
}

func (c Command) String() string {
	for name, cmd := range commandNames {
		if cmd == c {
			return name
		}
	}
	if c == CmdUnknown {
		return "unknown"
	}
	return "none"
}

// HelpText lists the available commands.
const HelpText = `Commands:
/help    Show this message
/restart Start a new conversation
/voice   Switch to voice mode
/text    Switch to text mode
/dev     Enable dev mode (text + MQTT preview)
/quit    Exit the program`

// ParseCommand reports whether line is a command and which one. Only the
// first word counts and matching is case-insensitive.
func ParseCommand(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return CmdNone, false
	}
	word := strings.ToLower(strings.Fields(line)[0])
	if cmd, ok := commandNames[word]; ok {
		return cmd, true
	}
	return CmdUnknown, true
}
