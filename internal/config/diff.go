package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider, device
// and listen address changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ConversationModeChanged bool
	NewConversationMode     string

	ExpiryChanged bool
	NewExpiry     int // seconds

	AutoPlayChanged bool
	NewAutoPlay     bool

	LoopPlayChanged bool
	NewLoopPlay     bool

	TemperatureChanged bool
	NewTemperature     float64

	PrePromptChanged bool
	NewPrePrompt     string

	MaxTokensChanged bool
	NewMaxTokens     int

	// WaitWordsChanged is set when the wait-word sources differ. The new
	// sources are only rendered after a restart.
	WaitWordsChanged bool

	// RestartRequired lists the sections whose changes are ignored until the
	// process restarts.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable value changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ConversationModeChanged || d.ExpiryChanged ||
		d.AutoPlayChanged || d.LoopPlayChanged || d.TemperatureChanged ||
		d.PrePromptChanged || d.MaxTokensChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Assistant.ConversationMode != new.Assistant.ConversationMode {
		d.ConversationModeChanged = true
		d.NewConversationMode = new.Assistant.ConversationMode
	}
	if old.Assistant.ExpirySeconds != new.Assistant.ExpirySeconds {
		d.ExpiryChanged = true
		d.NewExpiry = new.Assistant.ExpirySeconds
	}
	if oldAP, newAP := boolOr(old.Assistant.WaitWords.AutoPlay, true), boolOr(new.Assistant.WaitWords.AutoPlay, true); oldAP != newAP {
		d.AutoPlayChanged = true
		d.NewAutoPlay = newAP
	}
	if old.Assistant.WaitWords.LoopPlay != new.Assistant.WaitWords.LoopPlay {
		d.LoopPlayChanged = true
		d.NewLoopPlay = new.Assistant.WaitWords.LoopPlay
	}
	if oldT, newT := floatOr(old.LLM.Temperature, DefaultTemperature), floatOr(new.LLM.Temperature, DefaultTemperature); oldT != newT {
		d.TemperatureChanged = true
		d.NewTemperature = newT
	}
	if old.LLM.PrePrompt != new.LLM.PrePrompt {
		d.PrePromptChanged = true
		d.NewPrePrompt = new.LLM.PrePrompt
	}
	if old.LLM.MaxTokens != new.LLM.MaxTokens {
		d.MaxTokensChanged = true
		d.NewMaxTokens = new.LLM.MaxTokens
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	d.WaitWordsChanged = !slices.Equal(old.Assistant.WaitWords.Sources, new.Assistant.WaitWords.Sources)
	if d.WaitWordsChanged ||
		old.Assistant.InvalidWords != new.Assistant.InvalidWords ||
		old.Assistant.RootPath != new.Assistant.RootPath {
		d.RestartRequired = append(d.RestartRequired, "assistant.wait_words")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) && entryEqual(a.STT, b.STT) &&
		entryEqual(a.TTS, b.TTS) && entryEqual(a.Device, b.Device)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for k, v := range a.Options {
		if w, ok := b.Options[k]; !ok || !scalarEqual(v, w) {
			return false
		}
	}
	for i := range a.Fallbacks {
		if !entryEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

// scalarEqual compares option values. Nested maps and lists compare unequal
// so any edit to them is reported.
func scalarEqual(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return false
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
