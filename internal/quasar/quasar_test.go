package quasar_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/vthunder/quasar-intents/internal/intent"
	"github.com/vthunder/quasar-intents/internal/quasar"
	"github.com/vthunder/quasar-intents/internal/quasar/quasartest"
)

func station(id, room, stationID string) map[string]any {
	return map[string]any{
		"id":          id,
		"name":        "Станция",
		"type":        "devices.types.smart_speaker.yandex.station.mini",
		"room_name":   room,
		"quasar_info": map[string]any{"device_id": stationID},
	}
}

func intentPlayer(id, entityID string) map[string]any {
	return map[string]any{
		"id":   id,
		"name": "Интенты",
		"type": "devices.types.media_device.receiver",
		"parameters": map[string]any{
			"device_info": map[string]any{"model": entityID},
		},
	}
}

func buildIntents(t *testing.T, configs ...intent.Config) []*intent.Intent {
	t.Helper()
	intents, err := intent.Build(configs)
	if err != nil {
		t.Fatalf("build intents: %v", err)
	}
	return intents
}

// --- Devices ---

func TestFetchDevices(t *testing.T) {
	srv := quasartest.NewServer(t)
	srv.AddDevice(station("dev-1", "Кухня", "st-1"))
	srv.AddDevice(map[string]any{"id": "lamp", "type": "devices.types.light"})
	srv.AddDevice(intentPlayer("dev-2", "media_player.yandex_station_intents"))
	srv.AddSharedDevice(station("dev-3", "Гостиная", "st-3"))

	c := srv.Client()
	devices, updatesURL, err := c.FetchDevices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updatesURL != srv.UpdatesURL() {
		t.Errorf("expected updates url %q, got %q", srv.UpdatesURL(), updatesURL)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d: %+v", len(devices), devices)
	}
	if devices[0].ID != "dev-1" || devices[0].Room != "Кухня" || devices[0].StationID != "st-1" {
		t.Errorf("unexpected station: %+v", devices[0])
	}
	if devices[1].EntityID != "media_player.yandex_station_intents" {
		t.Errorf("unexpected intent player: %+v", devices[1])
	}
}

func TestInitAndLookup(t *testing.T) {
	srv := quasartest.NewServer(t)
	srv.AddDevice(station("dev-1", "Кухня", "st-1"))
	srv.AddDevice(intentPlayer("dev-2", "media_player.yandex_station_intents"))

	c := srv.Client()
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if d, ok := c.DeviceByID("dev-1"); !ok || d.Room != "Кухня" {
		t.Errorf("expected dev-1 in Кухня, got %+v (found=%v)", d, ok)
	}
	if _, ok := c.DeviceByID("missing"); ok {
		t.Error("expected missing device not to be found")
	}
	if d := c.IntentPlayerDevice("media_player.yandex_station_intents"); d == nil || d.ID != "dev-2" {
		t.Errorf("expected intent player dev-2, got %+v", d)
	}
	if d := c.IntentPlayerDevice("media_player.other"); d != nil {
		t.Errorf("expected no player, got %+v", d)
	}
}

// --- Scenarios ---

func TestOwnedScenarios(t *testing.T) {
	srv := quasartest.NewServer(t)
	lightID := srv.AddScenario("--- свет")
	srv.AddScenario("Утро")
	musicID := srv.AddScenario("--- музыка")

	owned, err := srv.Client().OwnedScenarios(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := map[string]string{"свет": lightID, "музыка": musicID}
	if !reflect.DeepEqual(owned, expected) {
		t.Errorf("expected %v, got %v", expected, owned)
	}
}

func TestUpsert_CreateThenUpdate(t *testing.T) {
	srv := quasartest.NewServer(t)
	c := srv.Client()
	ctx := context.Background()
	intents := buildIntents(t, intent.Config{Name: "свет", ExtraPhrases: []string{"включи свет"}})

	if err := c.Upsert(ctx, intents[0], "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	owned, _ := c.OwnedScenarios(ctx)
	id, ok := owned["свет"]
	if !ok {
		t.Fatalf("expected scenario to be created, got %v", owned)
	}

	if err := c.Upsert(ctx, intents[0], id, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if names := srv.ScenarioNames(); len(names) != 1 {
		t.Errorf("expected one scenario after update, got %v", names)
	}

	p, ok := srv.Payload("--- свет")
	if !ok {
		t.Fatal("expected stored payload")
	}
	if len(p.Triggers) != 2 || p.Triggers[1].Value != "включи свет" {
		t.Errorf("unexpected triggers: %+v", p.Triggers)
	}
}

func TestUpsert_UnknownRemoteID(t *testing.T) {
	srv := quasartest.NewServer(t)
	intents := buildIntents(t, intent.Config{Name: "свет"})

	err := srv.Client().Upsert(context.Background(), intents[0], "sc-404", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if _, ok := err.(*quasar.StatusError); !ok {
		t.Errorf("expected StatusError, got %T: %v", err, err)
	}
}

func TestDeleteStale(t *testing.T) {
	srv := quasartest.NewServer(t)
	srv.AddScenario("--- свет")
	srv.AddScenario("--- старое")
	srv.AddScenario("Чужой сценарий")
	c := srv.Client()
	ctx := context.Background()

	intents := buildIntents(t, intent.Config{Name: "свет"})
	if err := c.DeleteStale(ctx, intents); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	owned, err := c.OwnedScenarios(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(owned) != 1 {
		t.Errorf("expected only свет to remain owned, got %v", owned)
	}
	if _, ok := owned["свет"]; !ok {
		t.Errorf("expected свет to remain, got %v", owned)
	}
	expected := []string{"--- свет", "Чужой сценарий"}
	if names := srv.ScenarioNames(); !reflect.DeepEqual(names, expected) {
		t.Errorf("expected %v, got %v", expected, names)
	}
}

func TestDeleteStale_ContinuesAfterFailure(t *testing.T) {
	srv := quasartest.NewServer(t)
	srv.AddScenario("--- а")
	srv.AddScenario("--- б")
	srv.FailDelete("--- а")

	if err := srv.Client().DeleteStale(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []string{"--- а"}
	if names := srv.ScenarioNames(); !reflect.DeepEqual(names, expected) {
		t.Errorf("expected %v, got %v", expected, names)
	}
}

func TestClearAll(t *testing.T) {
	srv := quasartest.NewServer(t)
	srv.AddScenario("--- свет")
	srv.AddScenario("Утро")

	n, err := srv.Client().ClearAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}
	if names := srv.ScenarioNames(); len(names) != 0 {
		t.Errorf("expected no scenarios, got %v", names)
	}
}

func TestClearAll_Stopped(t *testing.T) {
	srv := quasartest.NewServer(t)
	srv.AddScenario("--- свет")
	c := srv.Client()
	c.Stop()

	n, err := c.ClearAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing deleted after stop, got %d", n)
	}
	if names := srv.ScenarioNames(); len(names) != 1 {
		t.Errorf("expected scenario to remain, got %v", names)
	}
}
