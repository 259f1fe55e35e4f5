package quasar

import "github.com/vthunder/quasar-intents/internal/intent"

// StepKind enumerates the scenario actions this system produces
type StepKind int

const (
	// StepSwitchChannel sets channel N on the intent player device
	StepSwitchChannel StepKind = iota
	// StepSpeak reads text aloud on the speaker. It does not show up in device events.
	StepSpeak
	// StepSpeakAndContinue reads text aloud and is reported as a phrase_action event
	StepSpeakAndContinue
	// StepRunCommand runs text as a voice command and is reported as a text_action event
	StepRunCommand
)

const (
	capabilityServerAction = "devices.capabilities.quasar.server_action"
	capabilityQuasar       = "devices.capabilities.quasar"
	capabilityRange        = "devices.capabilities.range"

	instanceTextAction   = "text_action"
	instancePhraseAction = "phrase_action"
)

// Step is one scenario action
type Step struct {
	Kind    StepKind
	Text    string
	Device  *Device
	Channel int
}

// StepsFor chooses the scenario actions for an intent. With a target player
// device the id travels as a channel number; otherwise it travels inside the
// encoded phrase of the step that shows up in the event stream.
func StepsFor(in *intent.Intent, target *Device) []Step {
	var steps []Step

	if target != nil {
		if in.SayPhrase != "" {
			steps = append(steps, Step{Kind: StepSpeak, Text: in.SayPhrase})
		}
		return append(steps, Step{Kind: StepSwitchChannel, Device: target, Channel: in.ID})
	}

	switch {
	case in.SayPhrase != "" && in.ExecuteCommand != nil:
		steps = append(steps,
			Step{Kind: StepSpeak, Text: in.SayPhrase},
			Step{Kind: StepRunCommand, Text: in.EncodedPhrase()},
		)
	case in.SayPhrase != "":
		steps = append(steps, Step{Kind: StepSpeakAndContinue, Text: in.EncodedPhrase()})
	default:
		steps = append(steps, Step{Kind: StepRunCommand, Text: in.EncodedPhrase()})
	}
	return steps
}

func (s Step) wire() map[string]any {
	switch s.Kind {
	case StepSwitchChannel:
		return map[string]any{
			"id":   s.Device.ID,
			"type": "step.action.item.device",
			"value": map[string]any{
				"id": s.Device.ID,
				"capabilities": []any{
					map[string]any{
						"type": capabilityRange,
						"state": map[string]any{
							"instance": "channel",
							"value":    s.Channel,
						},
					},
				},
			},
		}
	case StepSpeak:
		return requestedDevice(map[string]any{
			"type": capabilityQuasar,
			"state": map[string]any{
				"instance": "tts",
				"value":    map[string]any{"text": s.Text},
			},
		})
	case StepSpeakAndContinue:
		return requestedDevice(map[string]any{
			"type": capabilityServerAction,
			"state": map[string]any{
				"instance": instancePhraseAction,
				"value":    s.Text,
			},
		})
	default:
		return requestedDevice(map[string]any{
			"type": capabilityServerAction,
			"state": map[string]any{
				"instance": instanceTextAction,
				"value":    s.Text,
			},
		})
	}
}

// requestedDevice targets whichever speaker activated the scenario
func requestedDevice(value map[string]any) map[string]any {
	return map[string]any{
		"id":    "requested-device",
		"type":  "step.action.item.requested_device_with_assistant",
		"value": value,
	}
}

// ScenarioPayload is the wire shape of a scenario
type ScenarioPayload struct {
	Name     string            `json:"name"`
	Icon     string            `json:"icon"`
	Triggers []ScenarioTrigger `json:"triggers"`
	Steps    []ScenarioStep    `json:"steps"`
}

// ScenarioTrigger activates a scenario
type ScenarioTrigger struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ScenarioStep groups scenario actions
type ScenarioStep struct {
	Type       string             `json:"type"`
	Parameters ScenarioParameters `json:"parameters"`
}

// ScenarioParameters holds the rendered actions of a step
type ScenarioParameters struct {
	Items []map[string]any `json:"items"`
}

// BuildPayload renders the scenario owned by an intent
func BuildPayload(in *intent.Intent, target *Device) ScenarioPayload {
	triggers := make([]ScenarioTrigger, 0, len(in.TriggerPhrases))
	for _, p := range in.TriggerPhrases {
		triggers = append(triggers, ScenarioTrigger{Type: "scenario.trigger.voice", Value: p})
	}

	steps := StepsFor(in, target)
	items := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		items = append(items, s.wire())
	}

	return ScenarioPayload{
		Name:     in.ScenarioName(),
		Icon:     "home",
		Triggers: triggers,
		Steps: []ScenarioStep{{
			Type:       "scenarios.steps.actions.v2",
			Parameters: ScenarioParameters{Items: items},
		}},
	}
}
