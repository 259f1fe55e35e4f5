package app

import (
	"context"

	"github.com/vthunder/quasar-intents/internal/intent"
	"github.com/vthunder/quasar-intents/internal/quasar"
)

// IntentInfo describes an intent for people and tools
type IntentInfo struct {
	ID             int      `json:"id"`
	Name           string   `json:"name"`
	TriggerPhrases []string `json:"trigger_phrases"`
	SayPhrase      string   `json:"say_phrase,omitempty"`
	SayTemplate    string   `json:"say_template,omitempty"`
	ExecuteCommand string   `json:"execute_command,omitempty"`
	ScenarioName   string   `json:"scenario_name"`
	EncodedPhrase  string   `json:"encoded_phrase"`
}

// Describe renders an intent
func Describe(in *intent.Intent) IntentInfo {
	info := IntentInfo{
		ID:             in.ID,
		Name:           in.Name,
		TriggerPhrases: in.TriggerPhrases,
		SayPhrase:      in.SayPhrase,
		ScenarioName:   in.ScenarioName(),
		EncodedPhrase:  in.EncodedPhrase(),
	}
	if in.SayTemplate != nil {
		info.SayTemplate = in.SayTemplate.Source()
	}
	if in.ExecuteCommand != nil {
		info.ExecuteCommand = in.ExecuteCommand.Source()
	}
	return info
}

// DescribeAll renders intents in order
func DescribeAll(intents []*intent.Intent) []IntentInfo {
	out := make([]IntentInfo, 0, len(intents))
	for _, in := range intents {
		out = append(out, Describe(in))
	}
	return out
}

// Diagnostics is a snapshot of one account
type Diagnostics struct {
	Account   string                  `json:"account"`
	Mode      string                  `json:"mode"`
	Stream    string                  `json:"stream,omitempty"`
	Devices   []quasar.Device         `json:"devices"`
	Scenarios []quasar.RemoteScenario `json:"scenarios,omitempty"`
	// ScenariosError is set instead of Scenarios when listing failed
	ScenariosError string       `json:"scenarios_error,omitempty"`
	Intents        []IntentInfo `json:"intents"`
}

// Diagnostics collects the account's devices, its remote scenarios and intents
func (ac *Account) Diagnostics(ctx context.Context) Diagnostics {
	d := Diagnostics{
		Account: ac.Name(),
		Mode:    string(ac.cfg.Mode),
		Devices: ac.Client.Devices(),
		Intents: DescribeAll(ac.Registry.Intents()),
	}
	if ac.Stream != nil {
		d.Stream = ac.Stream.State().String()
	}

	scenarios, err := ac.Client.Scenarios(ctx)
	if err != nil {
		d.ScenariosError = err.Error()
	} else {
		d.Scenarios = scenarios
	}
	return d
}
