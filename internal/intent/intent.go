// Package intent turns configured voice phrases into intents that can travel
// through cloud scenarios and come back as local events.
package intent

import (
	"strings"
	"unicode/utf8"
)

const (
	// Marker prefixes owned scenario names and separates a speakable phrase
	// from the encoded intent id.
	Marker = "---"

	// StubPhrase carries the encoded id when there is nothing meaningful to say.
	StubPhrase = "Сделай громкость"

	// MaxPhraseLength is the longest encoded phrase the cloud accepts, in characters.
	MaxPhraseLength = 100

	// EventName is fired on the host bus for every recognized intent.
	EventName = "yandex_intent"
)

// Intent is one configured voice intent. Intents are immutable once built.
type Intent struct {
	ID             int
	Name           string
	TriggerPhrases []string

	// SayPhrase is a literal reply; SayTemplate a rendered one. At most one is set.
	SayPhrase   string
	SayTemplate Renderable

	ExecuteCommand Renderable
}

// ScenarioName is the name of the cloud scenario owned by this intent
func (i *Intent) ScenarioName() string {
	return Marker + " " + i.Name
}

// EncodedPhrase is the speakable phrase with the intent id appended behind the marker.
// A literal reply is spoken instead of the stub unless a command follows it.
func (i *Intent) EncodedPhrase() string {
	var b strings.Builder
	if i.SayPhrase != "" && i.ExecuteCommand == nil {
		b.WriteString(i.SayPhrase)
	} else {
		b.WriteString(StubPhrase)
	}
	b.WriteString(Marker)
	b.WriteString(Encode(uint64(i.ID)))
	return b.String()
}

// HasReply reports whether the intent speaks something back
func (i *Intent) HasReply() bool {
	return i.SayPhrase != "" || i.SayTemplate != nil
}

func phraseLength(s string) int {
	return utf8.RuneCountInString(s)
}
