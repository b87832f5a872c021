package assistant

import (
	"os"
	"time"

	"github.com/MrWong99/aily/pkg/types"
)

// Defaults applied by [DefaultConfig] and [New].
const (
	DefaultModel       = "gpt-3.5-turbo"
	DefaultTemperature = 0.5
	DefaultMaxTokens   = 16384
	DefaultExpiry      = 5 * time.Minute
)

// fillerDir is the directory below the root path that holds the
// materialized wait-word clips.
const fillerDir = "wait_words_voice"

// LLMSettings is the generation configuration handed to the LLM collaborator.
type LLMSettings struct {
	Key         string
	Server      string
	Model       string
	Temperature float64
	PrePrompt   string
	MaxTokens   int
}

// Config configures an [Assistant]. Zero values are replaced by the defaults
// from [DefaultConfig] when the assistant is constructed, except for the two
// wait-word flags which are taken as given.
type Config struct {
	// ConversationMode is forwarded to the device during Init.
	ConversationMode types.ConversationMode

	// LLM holds the initial generation settings.
	LLM LLMSettings

	// Expiry is the idle time after which the chat history is cleared.
	Expiry time.Duration

	// WaitWords lists the filler sources: audio file paths or phrases.
	WaitWords []string

	// WaitWordsAutoPlay plays a random filler on every record-end event.
	WaitWordsAutoPlay bool

	// WaitWordsLoopPlay asks the device to repeat the filler until the next
	// clip arrives.
	WaitWordsLoopPlay bool

	// InvalidWords is the source of the clip played for empty input.
	InvalidWords string

	// RootPath is where materialized clips are written.
	RootPath string
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		ConversationMode: types.ConversationMulti,
		LLM: LLMSettings{
			Model:       DefaultModel,
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultMaxTokens,
		},
		Expiry:            DefaultExpiry,
		WaitWordsAutoPlay: true,
		RootPath:          os.TempDir(),
	}
}

// withDefaults fills the zero fields of c. Temperature 0 is a valid setting
// and therefore kept.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConversationMode == "" {
		c.ConversationMode = def.ConversationMode
	}
	if c.LLM.Model == "" {
		c.LLM.Model = def.LLM.Model
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = def.LLM.MaxTokens
	}
	if c.Expiry == 0 {
		c.Expiry = def.Expiry
	}
	if c.RootPath == "" {
		c.RootPath = def.RootPath
	}
	c.WaitWords = append([]string(nil), c.WaitWords...)
	return c
}
