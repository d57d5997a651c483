package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only log level and instructions are applied live; everything else is
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	InstructionsChanged bool
	NewInstructions     string

	// RestartRequired names the top-level sections that changed in ways
	// that only take effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.InstructionsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Conversation.Instructions != new.Conversation.Instructions {
		d.InstructionsChanged = true
		d.NewInstructions = new.Conversation.Instructions
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	oc, nc := old.Conversation, new.Conversation
	oc.Instructions, nc.Instructions = "", ""
	if oc != nc {
		d.RestartRequired = append(d.RestartRequired, "conversation")
	}
	if !reflect.DeepEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Delivery != new.Delivery {
		d.RestartRequired = append(d.RestartRequired, "delivery")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	if old.Network != new.Network {
		d.RestartRequired = append(d.RestartRequired, "network")
	}
	return d
}
