package intent

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Config is the configuration of one intent as the operator wrote it
type Config struct {
	Name           string
	ExtraPhrases   []string
	SayPhrase      string
	ExecuteCommand string
}

// phraseRe restricts trigger phrases to Russian letters, digits and spaces
var phraseRe = regexp.MustCompile(`^[а-яёА-ЯЁ0-9 ]+$`)

// ValidationError describes one invalid intent
type ValidationError struct {
	Intent string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("intent %q: %s", e.Intent, e.Reason)
}

func invalid(name, format string, args ...any) error {
	return &ValidationError{Intent: name, Reason: fmt.Sprintf(format, args...)}
}

// Build validates configs and returns intents ordered by case-insensitive name,
// with ids assigned 0..N-1 in that order. Every problem found is reported in the
// returned error; no intents are returned when there is any.
func Build(configs []Config) ([]*Intent, error) {
	sorted := make([]Config, len(configs))
	copy(sorted, configs)

	coll := collate.New(language.Russian, collate.IgnoreCase)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := coll.CompareString(sorted[i].Name, sorted[j].Name); c != 0 {
			return c < 0
		}
		return sorted[i].Name < sorted[j].Name
	})

	var errs []error
	intents := make([]*Intent, 0, len(sorted))
	seen := make(map[string]bool)

	for idx, cfg := range sorted {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			errs = append(errs, invalid(cfg.Name, "name is empty"))
			continue
		}
		if seen[strings.ToLower(name)] {
			errs = append(errs, invalid(name, "duplicate intent name"))
			continue
		}
		seen[strings.ToLower(name)] = true

		in := &Intent{ID: idx, Name: name}

		in.TriggerPhrases = append(in.TriggerPhrases, name)
		for _, p := range cfg.ExtraPhrases {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			in.TriggerPhrases = append(in.TriggerPhrases, p)
		}
		for _, p := range in.TriggerPhrases {
			if !phraseRe.MatchString(p) {
				errs = append(errs, invalid(name, "phrase %q may contain only Russian letters, digits and spaces", p))
			}
		}

		if cfg.SayPhrase != "" {
			if IsTemplate(cfg.SayPhrase) {
				tmpl, err := ParseTemplate(cfg.SayPhrase)
				if err != nil {
					errs = append(errs, invalid(name, "say_phrase: %v", err))
				} else {
					in.SayTemplate = tmpl
				}
			} else {
				in.SayPhrase = cfg.SayPhrase
			}
		}

		if cfg.ExecuteCommand != "" {
			if IsTemplate(cfg.SayPhrase) {
				errs = append(errs, invalid(name, "a templated say_phrase cannot be combined with execute_command"))
			}
			tmpl, err := ParseTemplate(cfg.ExecuteCommand)
			if err != nil {
				errs = append(errs, invalid(name, "execute_command: %v", err))
			} else {
				in.ExecuteCommand = tmpl
			}
		}

		if _, encoded, _ := strings.Cut(in.EncodedPhrase(), Marker); encoded != Encode(uint64(in.ID)) {
			errs = append(errs, invalid(name, "say_phrase must not contain %q or end with %q", Marker, "-"))
		}

		if l := phraseLength(in.EncodedPhrase()); l > MaxPhraseLength {
			errs = append(errs, invalid(name, "spoken phrase is too long (%d > %d characters): %q",
				l, MaxPhraseLength, in.EncodedPhrase()))
		}

		intents = append(intents, in)
	}

	errs = append(errs, checkCommandCollisions(intents)...)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return intents, nil
}

// checkCommandCollisions rejects commands that are also activation phrases: the
// cloud cannot tell "activate intent" and "run command" apart for them.
func checkCommandCollisions(intents []*Intent) []error {
	triggers := make(map[string]string)
	for _, in := range intents {
		for _, p := range in.TriggerPhrases {
			triggers[strings.ToLower(p)] = in.Name
		}
	}

	var errs []error
	for _, in := range intents {
		if in.ExecuteCommand == nil {
			continue
		}
		cmd := strings.ToLower(strings.TrimSpace(in.ExecuteCommand.Source()))
		if owner, ok := triggers[cmd]; ok {
			errs = append(errs, invalid(in.Name, "execute_command %q matches an activation phrase of intent %q",
				in.ExecuteCommand.Source(), owner))
		}
	}
	return errs
}
