package quasar_test

import (
	"encoding/json"
	"testing"

	"github.com/vthunder/quasar-intents/internal/intent"
	"github.com/vthunder/quasar-intents/internal/quasar"
)

func kinds(steps []quasar.Step) []quasar.StepKind {
	out := make([]quasar.StepKind, len(steps))
	for i, s := range steps {
		out[i] = s.Kind
	}
	return out
}

func sameKinds(a, b []quasar.StepKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStepsFor(t *testing.T) {
	player := &quasar.Device{ID: "player", EntityID: "media_player.yandex_station_intents"}

	tests := []struct {
		name   string
		config intent.Config
		target *quasar.Device
		want   []quasar.StepKind
	}{
		{"bare", intent.Config{Name: "свет"}, nil,
			[]quasar.StepKind{quasar.StepRunCommand}},
		{"say", intent.Config{Name: "свет", SayPhrase: "Включаю"}, nil,
			[]quasar.StepKind{quasar.StepSpeakAndContinue}},
		{"command", intent.Config{Name: "свет", ExecuteCommand: "включи музыку"}, nil,
			[]quasar.StepKind{quasar.StepRunCommand}},
		{"say and command", intent.Config{Name: "свет", SayPhrase: "Хорошо", ExecuteCommand: "включи музыку"}, nil,
			[]quasar.StepKind{quasar.StepSpeak, quasar.StepRunCommand}},
		{"templated say", intent.Config{Name: "свет", SayPhrase: "{{ .text }}"}, nil,
			[]quasar.StepKind{quasar.StepRunCommand}},
		{"player bare", intent.Config{Name: "свет"}, player,
			[]quasar.StepKind{quasar.StepSwitchChannel}},
		{"player say", intent.Config{Name: "свет", SayPhrase: "Включаю"}, player,
			[]quasar.StepKind{quasar.StepSpeak, quasar.StepSwitchChannel}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := buildIntents(t, tt.config)[0]
			got := kinds(quasar.StepsFor(in, tt.target))
			if !sameKinds(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestStepsFor_EncodedText(t *testing.T) {
	in := buildIntents(t,
		intent.Config{Name: "а"},
		intent.Config{Name: "б", SayPhrase: "Хорошо", ExecuteCommand: "включи музыку"},
	)[1]

	steps := quasar.StepsFor(in, nil)
	if steps[0].Text != "Хорошо" {
		t.Errorf("expected spoken reply first, got %q", steps[0].Text)
	}
	if steps[1].Text != intent.StubPhrase+"---." {
		t.Errorf("expected stub with id 1, got %q", steps[1].Text)
	}
}

func TestStepsFor_ChannelIsID(t *testing.T) {
	player := &quasar.Device{ID: "player"}
	intents := buildIntents(t, intent.Config{Name: "а"}, intent.Config{Name: "б"}, intent.Config{Name: "в"})

	steps := quasar.StepsFor(intents[2], player)
	if steps[0].Channel != 2 {
		t.Errorf("expected channel 2, got %d", steps[0].Channel)
	}
	if steps[0].Device != player {
		t.Error("expected channel step to target the player")
	}
}

// --- Payload ---

func TestBuildPayload(t *testing.T) {
	in := buildIntents(t, intent.Config{Name: "свет", ExtraPhrases: []string{"включи свет"}, SayPhrase: "Включаю"})[0]

	p := quasar.BuildPayload(in, nil)
	if p.Name != "--- свет" {
		t.Errorf("expected name '--- свет', got %q", p.Name)
	}
	if len(p.Triggers) != 2 {
		t.Fatalf("expected 2 triggers, got %d", len(p.Triggers))
	}
	for _, tr := range p.Triggers {
		if tr.Type != "scenario.trigger.voice" {
			t.Errorf("unexpected trigger type %q", tr.Type)
		}
	}
	if len(p.Steps) != 1 || p.Steps[0].Type != "scenarios.steps.actions.v2" {
		t.Fatalf("unexpected steps: %+v", p.Steps)
	}

	items := p.Steps[0].Parameters.Items
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	raw, _ := json.Marshal(items[0])
	var item struct {
		Type  string `json:"type"`
		Value struct {
			Type  string `json:"type"`
			State struct {
				Instance string `json:"instance"`
				Value    string `json:"value"`
			} `json:"state"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if item.Type != "step.action.item.requested_device_with_assistant" {
		t.Errorf("unexpected item type %q", item.Type)
	}
	if item.Value.Type != "devices.capabilities.quasar.server_action" {
		t.Errorf("unexpected capability %q", item.Value.Type)
	}
	if item.Value.State.Instance != "phrase_action" {
		t.Errorf("expected phrase_action, got %q", item.Value.State.Instance)
	}
	if item.Value.State.Value != "Включаю---," {
		t.Errorf("expected 'Включаю---,', got %q", item.Value.State.Value)
	}
}

func TestBuildPayload_Channel(t *testing.T) {
	in := buildIntents(t, intent.Config{Name: "свет"})[0]
	p := quasar.BuildPayload(in, &quasar.Device{ID: "player"})

	raw, _ := json.Marshal(p.Steps[0].Parameters.Items[0])
	var item struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Value struct {
			Capabilities []struct {
				Type  string `json:"type"`
				State struct {
					Instance string `json:"instance"`
					Value    int    `json:"value"`
				} `json:"state"`
			} `json:"capabilities"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if item.ID != "player" || item.Type != "step.action.item.device" {
		t.Errorf("unexpected item: %+v", item)
	}
	if len(item.Value.Capabilities) != 1 {
		t.Fatalf("expected 1 capability, got %d", len(item.Value.Capabilities))
	}
	c := item.Value.Capabilities[0]
	if c.Type != "devices.capabilities.range" || c.State.Instance != "channel" || c.State.Value != 0 {
		t.Errorf("unexpected capability: %+v", c)
	}
}
