package config

// Diff describes what changed between two configs. Only fields that can be
// hot-reloaded without a restart are tracked; connection-level changes
// (switch credentials, server listen address) require a restart and are
// reported under RestartRequired.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	InboundChanged bool
	TTSChanged     bool
	ASRChanged     bool

	// RestartRequired is set when a change cannot be applied live.
	RestartRequired bool
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.InboundChanged && !d.TTSChanged &&
		!d.ASRChanged && !d.RestartRequired
}

// Compare returns what changed between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Inbound != new.Inbound {
		d.InboundChanged = true
	}
	if old.TTS != new.TTS {
		d.TTSChanged = true
	}
	if !asrEqual(old.ASR, new.ASR) {
		d.ASRChanged = true
	}
	if old.Switch != new.Switch ||
		old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.APIKey != new.Server.APIKey ||
		old.Capture != new.Capture ||
		old.Webhook != new.Webhook ||
		old.Allowlist != new.Allowlist {
		d.RestartRequired = true
	}
	return d
}

// asrEqual compares ASR settings by value; MaxReconnectAttempts is a pointer
// and must not be compared by identity.
func asrEqual(a, b ASRConfig) bool {
	return a.URL == b.URL &&
		a.Language == b.Language &&
		a.ReconnectDelayMs == b.ReconnectDelayMs &&
		intPtrEqual(a.MaxReconnectAttempts, b.MaxReconnectAttempts)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
