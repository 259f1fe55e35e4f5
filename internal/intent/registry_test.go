package intent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type firedEvent struct {
	name string
	data map[string]any
}

type fakeBus struct {
	mu     sync.Mutex
	events []firedEvent
	err    error
}

func (b *fakeBus) Fire(ctx context.Context, event string, data map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, firedEvent{name: event, data: data})
	return b.err
}

type serviceCall struct {
	domain, service string
	data            map[string]any
}

type fakeActions struct {
	mu    sync.Mutex
	calls []serviceCall
}

func (a *fakeActions) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, serviceCall{domain: domain, service: service, data: data})
	return nil
}

type fakeJournal struct {
	kinds []string
}

func (j *fakeJournal) Record(kind, subject, summary string, data map[string]any) {
	j.kinds = append(j.kinds, kind)
}

func newTestRegistry(t *testing.T, configs []Config) (*Registry, *fakeBus, *fakeActions) {
	t.Helper()
	bus := &fakeBus{}
	actions := &fakeActions{}
	r, err := New(configs, Options{Account: "alice", Bus: bus, Actions: actions})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return r, bus, actions
}

// --- Resolve ---

func TestResolve_RoundTrip(t *testing.T) {
	r, _, _ := newTestRegistry(t, []Config{
		{Name: "привет"},
		{Name: "погода", SayPhrase: "Сейчас солнечно"},
		{Name: "свет", ExecuteCommand: "включи лампу"},
	})
	for _, in := range r.Intents() {
		got := r.Resolve(in.EncodedPhrase())
		if got != in {
			t.Errorf("Resolve(%q): expected %s, got %v", in.EncodedPhrase(), in.Name, got)
		}
	}
}

func TestResolve_TrimsSurroundingWhitespace(t *testing.T) {
	r, _, _ := newTestRegistry(t, []Config{{Name: "привет"}, {Name: "погода"}})
	in := r.Get(1)
	if got := r.Resolve(in.EncodedPhrase() + " \n"); got != in {
		t.Errorf("expected %s, got %v", in.Name, got)
	}
}

func TestResolve_NoMarker(t *testing.T) {
	r, _, _ := newTestRegistry(t, []Config{{Name: "привет"}})
	if got := r.Resolve("random phrase with no marker"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestResolve_OutOfRange(t *testing.T) {
	r, _, _ := newTestRegistry(t, []Config{{Name: "привет"}, {Name: "погода"}})
	if got := r.Resolve(Marker + Encode(999999)); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestResolve_ForeignMarkerText(t *testing.T) {
	r, _, _ := newTestRegistry(t, []Config{{Name: "привет"}})
	for _, phrase := range []string{"чужой сценарий --- с текстом", "---", "Сделай громкость---,x"} {
		if got := r.Resolve(phrase); got != nil {
			t.Errorf("Resolve(%q): expected nil, got %v", phrase, got)
		}
	}
}

func TestResolve_SplitsOnFirstMarker(t *testing.T) {
	r, _, _ := newTestRegistry(t, []Config{{Name: "привет"}})
	// a second marker makes the remainder undecodable
	if got := r.Resolve("а---,---,"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

// --- Dispatch ---

func TestResolveAndDispatch_FiresEvent(t *testing.T) {
	r, bus, actions := newTestRegistry(t, []Config{{Name: "свет"}})
	ok := r.ResolveAndDispatch(context.Background(), StubPhrase+Marker+",", Origin{
		Room:            "Кухня",
		SpeakerEntityID: "media_player.kitchen",
	})
	if !ok {
		t.Fatal("expected phrase to resolve")
	}
	if len(bus.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(bus.events))
	}
	ev := bus.events[0]
	if ev.name != EventName {
		t.Errorf("expected event %s, got %s", EventName, ev.name)
	}
	if ev.data["text"] != "свет" || ev.data["room"] != "Кухня" || ev.data["entity_id"] != "media_player.kitchen" || ev.data["account"] != "alice" {
		t.Errorf("unexpected event data: %v", ev.data)
	}
	if len(actions.calls) != 0 {
		t.Errorf("expected no service calls, got %d", len(actions.calls))
	}
}

func TestResolveAndDispatch_Unknown(t *testing.T) {
	r, bus, _ := newTestRegistry(t, []Config{{Name: "свет"}})
	if r.ResolveAndDispatch(context.Background(), "просто фраза", Origin{}) {
		t.Error("expected no dispatch")
	}
	if len(bus.events) != 0 {
		t.Errorf("expected no events, got %d", len(bus.events))
	}
}

func TestDispatch_CommandAndTemplatedReply(t *testing.T) {
	r, bus, actions := newTestRegistry(t, []Config{
		{Name: "свет", ExecuteCommand: "включи свет в {{ .event.room }}"},
		{Name: "погода", SayPhrase: "Погода в {{ .event.room }}"},
	})
	origin := Origin{Room: "зале", SpeakerEntityID: "media_player.station"}

	for _, in := range r.Intents() {
		r.Dispatch(context.Background(), in, origin)
	}

	if len(bus.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(bus.events))
	}
	if len(actions.calls) != 2 {
		t.Fatalf("expected 2 service calls, got %d", len(actions.calls))
	}

	reply := actions.calls[0] // погода has id 0
	if reply.domain != "media_player" || reply.service != "play_media" {
		t.Errorf("unexpected service %s.%s", reply.domain, reply.service)
	}
	if reply.data["media_content_type"] != "text" || reply.data["media_content_id"] != "Погода в зале" {
		t.Errorf("unexpected reply data: %v", reply.data)
	}

	cmd := actions.calls[1]
	if cmd.data["media_content_type"] != "command" || cmd.data["media_content_id"] != "включи свет в зале" {
		t.Errorf("unexpected command data: %v", cmd.data)
	}
	if cmd.data["entity_id"] != "media_player.station" {
		t.Errorf("expected command sent to station, got %v", cmd.data["entity_id"])
	}
}

func TestDispatch_NoSpeakerSwallowed(t *testing.T) {
	r, bus, actions := newTestRegistry(t, []Config{{Name: "свет", ExecuteCommand: "включи лампу"}})
	r.Dispatch(context.Background(), r.Get(0), Origin{Room: "зал"})
	if len(bus.events) != 1 {
		t.Errorf("expected event to still fire, got %d", len(bus.events))
	}
	if len(actions.calls) != 0 {
		t.Errorf("expected no service calls without a speaker, got %d", len(actions.calls))
	}
}

func TestDispatch_NoActionsSwallowed(t *testing.T) {
	bus := &fakeBus{}
	r, err := New([]Config{{Name: "свет", ExecuteCommand: "включи лампу"}}, Options{Bus: bus})
	if err != nil {
		t.Fatal(err)
	}
	r.Dispatch(context.Background(), r.Get(0), Origin{SpeakerEntityID: "media_player.x"})
	if len(bus.events) != 1 {
		t.Errorf("expected 1 event, got %d", len(bus.events))
	}
}

func TestDispatch_BusErrorDoesNotStopCommand(t *testing.T) {
	bus := &fakeBus{err: errors.New("host down")}
	actions := &fakeActions{}
	journal := &fakeJournal{}
	r, err := New([]Config{{Name: "свет", ExecuteCommand: "включи лампу"}}, Options{Bus: bus, Actions: actions, Journal: journal})
	if err != nil {
		t.Fatal(err)
	}
	r.Dispatch(context.Background(), r.Get(0), Origin{SpeakerEntityID: "media_player.x"})
	if len(actions.calls) != 1 {
		t.Errorf("expected command to be sent, got %d calls", len(actions.calls))
	}
	want := []string{"intent", "error", "command"}
	if len(journal.kinds) != len(want) {
		t.Fatalf("expected journal %v, got %v", want, journal.kinds)
	}
	for i := range want {
		if journal.kinds[i] != want[i] {
			t.Errorf("journal[%d]: expected %s, got %s", i, want[i], journal.kinds[i])
		}
	}
}

func TestDispatch_LoopGuardRefusesCommand(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	guard := NewLoopGuard()
	guard.now = func() time.Time { return now }

	bus := &fakeBus{}
	actions := &fakeActions{}
	r, err := New([]Config{{Name: "свет", ExecuteCommand: "включи лампу"}}, Options{Bus: bus, Actions: actions, Guard: guard})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		r.Dispatch(context.Background(), r.Get(0), Origin{SpeakerEntityID: "media_player.x"})
		now = now.Add(time.Second)
	}
	if len(bus.events) != 4 {
		t.Errorf("expected every event to fire, got %d", len(bus.events))
	}
	if len(actions.calls) != 3 {
		t.Errorf("expected the 4th command to be refused, got %d calls", len(actions.calls))
	}
}

func TestDispatchFromID(t *testing.T) {
	r, bus, _ := newTestRegistry(t, []Config{{Name: "привет"}, {Name: "погода"}})
	if !r.DispatchFromID(context.Background(), 1) {
		t.Fatal("expected dispatch")
	}
	if r.DispatchFromID(context.Background(), 2) {
		t.Error("expected out-of-range id to be ignored")
	}
	if r.DispatchFromID(context.Background(), -1) {
		t.Error("expected negative id to be ignored")
	}
	if len(bus.events) != 1 || bus.events[0].data["text"] != "привет" {
		t.Errorf("unexpected events: %+v", bus.events)
	}
}
