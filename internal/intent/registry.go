package intent

import (
	"context"
	"strings"

	"github.com/vthunder/quasar-intents/internal/logging"
)

// EventBus fires named events on the host automation platform
type EventBus interface {
	Fire(ctx context.Context, event string, data map[string]any) error
}

// Actions calls named actions (services) on the host automation platform
type Actions interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Journal records what the registry did. Implementations must not block for long.
type Journal interface {
	Record(kind, subject, summary string, data map[string]any)
}

// Origin describes where a recognized phrase came from
type Origin struct {
	DeviceID string
	Room     string
	// SpeakerEntityID is the host media player linked to the speaker, if resolvable
	SpeakerEntityID string
}

// Options wires a registry to its host
type Options struct {
	Account string
	Bus     EventBus
	Actions Actions
	Journal Journal
	Guard   *LoopGuard
}

// Registry holds the intents of one account and dispatches recognized ones
type Registry struct {
	intents []*Intent
	account string
	bus     EventBus
	actions Actions
	journal Journal
	guard   *LoopGuard
}

// New builds the intents from configs and returns a registry for them
func New(configs []Config, opts Options) (*Registry, error) {
	intents, err := Build(configs)
	if err != nil {
		return nil, err
	}
	return NewRegistry(intents, opts), nil
}

// NewRegistry wraps already built intents
func NewRegistry(intents []*Intent, opts Options) *Registry {
	guard := opts.Guard
	if guard == nil {
		guard = NewLoopGuard()
	}
	return &Registry{
		intents: intents,
		account: opts.Account,
		bus:     opts.Bus,
		actions: opts.Actions,
		journal: opts.Journal,
		guard:   guard,
	}
}

// Account returns the account the registry belongs to
func (r *Registry) Account() string {
	return r.account
}

// Intents returns the intents ordered by id
func (r *Registry) Intents() []*Intent {
	out := make([]*Intent, len(r.intents))
	copy(out, r.intents)
	return out
}

// Get returns the intent with the given id, or nil
func (r *Registry) Get(id int) *Intent {
	if id < 0 || id >= len(r.intents) {
		return nil
	}
	return r.intents[id]
}

// Resolve maps a phrase heard by a speaker back to its intent. Phrases without
// the marker, with a malformed id, or with an id out of range resolve to nil:
// foreign scenarios may use the marker too.
func (r *Registry) Resolve(phrase string) *Intent {
	_, encoded, ok := strings.Cut(phrase, Marker)
	if !ok {
		return nil
	}
	id, err := Decode(strings.TrimSpace(encoded))
	if err != nil {
		logging.Debug("intent", "Not an intent phrase %q: %v", phrase, err)
		return nil
	}
	return r.Get(id)
}

// DispatchFromID fires the event for the intent with the given id. It is the
// entry point for local invocations, which carry no speaker context.
func (r *Registry) DispatchFromID(ctx context.Context, id int) bool {
	in := r.Get(id)
	if in == nil {
		logging.Warn("intent", "Unknown intent id %d", id)
		return false
	}
	data := map[string]any{"text": in.Name}
	if r.account != "" {
		data["account"] = r.account
	}
	r.fire(ctx, in, data)
	return true
}

// ResolveAndDispatch resolves a phrase and dispatches the intent it carries
func (r *Registry) ResolveAndDispatch(ctx context.Context, phrase string, origin Origin) bool {
	in := r.Resolve(phrase)
	if in == nil {
		return false
	}
	r.Dispatch(ctx, in, origin)
	return true
}

// Dispatch fires the intent event, then runs its follow-up command and its
// templated reply on the originating speaker. Follow-ups are best effort.
func (r *Registry) Dispatch(ctx context.Context, in *Intent, origin Origin) {
	data := eventData(in, origin, r.account)
	r.fire(ctx, in, data)

	if in.ExecuteCommand != nil {
		r.executeCommand(ctx, in, data, origin.SpeakerEntityID)
	}
	if in.SayTemplate != nil {
		r.say(ctx, in, data, origin.SpeakerEntityID)
	}
}

func eventData(in *Intent, origin Origin, account string) map[string]any {
	data := map[string]any{"text": in.Name}
	if origin.Room != "" {
		data["room"] = origin.Room
	}
	if origin.SpeakerEntityID != "" {
		data["entity_id"] = origin.SpeakerEntityID
	}
	if account != "" {
		data["account"] = account
	}
	return data
}

func (r *Registry) fire(ctx context.Context, in *Intent, data map[string]any) {
	logging.Debug("intent", "Received intent: %v", data)
	r.record("intent", in.Name, "intent recognized", data)

	if r.bus == nil {
		logging.Warn("intent", "No event bus configured, dropping %q", in.Name)
		return
	}
	if err := r.bus.Fire(ctx, EventName, data); err != nil {
		logging.Error("intent", "Failed to fire %s for %q: %v", EventName, in.Name, err)
		r.record("error", in.Name, "event not delivered", map[string]any{"error": err.Error()})
	}
}

func (r *Registry) executeCommand(ctx context.Context, in *Intent, data map[string]any, speaker string) {
	if !r.guard.Allow() {
		r.record("refused", in.Name, "command loop detected", nil)
		return
	}

	command, err := in.ExecuteCommand.Render(map[string]any{"event": data})
	if err != nil {
		logging.Error("intent", "Failed to render command for %q: %v", in.Name, err)
		return
	}
	if r.playMedia(ctx, in, speaker, "command", command) {
		r.record("command", in.Name, command, map[string]any{"entity_id": speaker})
	}
}

func (r *Registry) say(ctx context.Context, in *Intent, data map[string]any, speaker string) {
	text, err := in.SayTemplate.Render(map[string]any{"event": data})
	if err != nil {
		logging.Error("intent", "Failed to render reply for %q: %v", in.Name, err)
		return
	}
	if r.playMedia(ctx, in, speaker, "text", text) {
		r.record("reply", in.Name, text, map[string]any{"entity_id": speaker})
	}
}

func (r *Registry) playMedia(ctx context.Context, in *Intent, speaker, contentType, content string) bool {
	if speaker == "" {
		logging.Warn("intent", "No speaker linked to the device that heard %q, skipping %s", in.Name, contentType)
		return false
	}
	if r.actions == nil {
		logging.Warn("intent", "No action caller configured, skipping %s for %q", contentType, in.Name)
		return false
	}

	err := r.actions.CallService(ctx, "media_player", "play_media", map[string]any{
		"entity_id":          speaker,
		"media_content_type": contentType,
		"media_content_id":   content,
	})
	if err != nil {
		logging.Error("intent", "Failed to send %s to %s: %v", contentType, speaker, err)
		return false
	}
	return true
}

func (r *Registry) record(kind, subject, summary string, data map[string]any) {
	if r.journal != nil {
		r.journal.Record(kind, subject, summary, data)
	}
}
