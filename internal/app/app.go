// Package app wires the configured accounts together: a cloud session, the
// scenario client, the intent registry and, in websocket mode, the update stream.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vthunder/quasar-intents/internal/activity"
	"github.com/vthunder/quasar-intents/internal/config"
	"github.com/vthunder/quasar-intents/internal/intent"
	"github.com/vthunder/quasar-intents/internal/logging"
	"github.com/vthunder/quasar-intents/internal/quasar"
	"github.com/vthunder/quasar-intents/internal/senses"
)

// ClearConfirmation must be typed verbatim to delete every scenario of an account
const ClearConfirmation = "я действительно хочу удалить все сценарии из удя"

const notificationTitle = "Yandex Station Intents"

var (
	ErrNotConfirmed   = errors.New("confirmation text does not match")
	ErrPlayerNotFound = errors.New("intent player device not found")
	ErrUnknownAccount = errors.New("unknown account")
	ErrNotAuthorized  = errors.New("account is not authorized")
)

// Host is the automation platform intents are delivered to
type Host interface {
	intent.EventBus
	intent.Actions
	Notify(ctx context.Context, notificationID, title, message string) error
}

// Options overrides cloud endpoints and timings, mostly for tests
type Options struct {
	BaseURL        string
	Endpoints      *quasar.Endpoints
	ReconnectDelay time.Duration
}

// App holds every configured account
type App struct {
	host     Host
	journal  *activity.Log
	intents  []*intent.Intent
	accounts []*Account

	mu      sync.Mutex
	started bool
}

// New builds the intents and one Account per configured account. journal may be nil.
func New(cfg *config.Config, host Host, journal *activity.Log, opts Options) (*App, error) {
	intents, err := intent.Build(cfg.IntentConfigs())
	if err != nil {
		return nil, fmt.Errorf("invalid intents: %w", err)
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = quasar.DefaultBaseURL
	}
	endpoints := quasar.DefaultEndpoints()
	if opts.Endpoints != nil {
		endpoints = *opts.Endpoints
	}

	a := &App{host: host, journal: journal, intents: intents}
	for _, ac := range cfg.Accounts {
		a.accounts = append(a.accounts, newAccount(ac, intents, host, journal, baseURL, endpoints, opts))
	}
	return a, nil
}

// Intents returns the configured intents ordered by id
func (a *App) Intents() []*intent.Intent {
	out := make([]*intent.Intent, len(a.intents))
	copy(out, a.intents)
	return out
}

// Accounts returns the accounts in configuration order
func (a *App) Accounts() []*Account {
	return append([]*Account(nil), a.accounts...)
}

// Account returns the account with the given name
func (a *App) Account(name string) (*Account, error) {
	for _, ac := range a.accounts {
		if ac.Name() == name {
			return ac, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
}

// Journal returns the activity journal, or nil
func (a *App) Journal() *activity.Log {
	return a.journal
}

// Start authorizes every account, syncs the ones with autosync and starts
// the update streams. A failing account is logged and skipped.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()

	for _, ac := range a.accounts {
		if err := ac.Start(ctx); err != nil {
			logging.Error("app", "Account %s not started: %v", ac.Name(), err)
			ac.record("error", "", "account not started", map[string]any{"error": err.Error()})
		}
	}
}

// Stop stops long batches and disconnects the update streams
func (a *App) Stop() {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()
	if !started {
		return
	}

	for _, ac := range a.accounts {
		ac.Stop()
	}
	logging.Info("app", "Stopped")
}

// Account is one cloud account and everything that serves it
type Account struct {
	cfg      config.Account
	host     Host
	journal  intent.Journal
	activity *activity.Log

	Session  *quasar.Session
	Client   *quasar.Client
	Registry *intent.Registry
	// Stream is nil in device mode
	Stream *senses.EventStream
}

func newAccount(cfg config.Account, intents []*intent.Intent, host Host, log *activity.Log,
	baseURL string, endpoints quasar.Endpoints, opts Options) *Account {

	ac := &Account{cfg: cfg, host: host, activity: log}
	if log != nil {
		ac.journal = log.ForAccount(cfg.Name)
	}

	ac.Session = quasar.NewSession(cfg.XToken, endpoints)
	ac.Client = quasar.NewClient(ac.Session, baseURL)
	if ac.journal != nil {
		ac.Client.SetJournal(ac.journal)
	}

	regOpts := intent.Options{Account: cfg.Name, Bus: host, Actions: host, Journal: ac.journal}
	ac.Registry = intent.NewRegistry(intents, regOpts)

	if cfg.Mode == config.ModeWebsocket {
		ac.Stream = senses.NewEventStream(ac.Client, &inputRecorder{ac: ac}, senses.StreamConfig{
			Jar:            ac.Session.Jar(),
			Speakers:       cfg.Speakers,
			Journal:        ac.journal,
			ReconnectDelay: opts.ReconnectDelay,
		})
	}
	return ac
}

// Name returns the account name
func (ac *Account) Name() string {
	return ac.cfg.Name
}

// Mode returns the connection mode
func (ac *Account) Mode() config.Mode {
	return ac.cfg.Mode
}

// Start authorizes the account, loads its devices, syncs when autosync is on
// and connects the update stream
func (ac *Account) Start(ctx context.Context) error {
	if err := ac.Authorize(ctx); err != nil {
		return err
	}
	if err := ac.Client.Init(ctx); err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	logging.Info("app", "Account %s: %d devices, mode %s", ac.Name(), len(ac.Client.Devices()), ac.cfg.Mode)

	if ac.cfg.AutosyncEnabled() {
		if _, err := ac.Sync(ctx); err != nil {
			logging.Error("app", "Account %s: sync failed: %v", ac.Name(), err)
		}
	}

	if ac.Stream != nil {
		go ac.Stream.Connect(ctx)
	}
	return nil
}

// Authorize makes sure the session cookies are valid, logging in with the
// x-token when they are not. A rejected token raises an operator notification.
func (ac *Account) Authorize(ctx context.Context) error {
	ok, err := ac.Session.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	if !ok {
		ac.notify(ctx, "auth", "Account "+ac.Name()+" must be authorized again: the x-token was rejected.")
		return ErrNotAuthorized
	}
	return nil
}

// Stop stops batches in progress and the update stream
func (ac *Account) Stop() {
	ac.Client.Stop()
	if ac.Stream != nil {
		ac.Stream.Disconnect()
	}
}

// Sync reconciles the account's scenarios with the intents. In device mode
// the scenarios target the intent player, and nothing is synced while it is missing.
func (ac *Account) Sync(ctx context.Context) (*quasar.SyncReport, error) {
	target, err := ac.target(ctx)
	if err != nil {
		return nil, err
	}
	report, err := quasar.Sync(ctx, ac.Client, ac.Registry.Intents(), target)
	if err != nil {
		ac.record("error", "", "sync failed", map[string]any{"error": err.Error()})
		return report, err
	}
	return report, nil
}

func (ac *Account) target(ctx context.Context) (*quasar.Device, error) {
	if ac.cfg.Mode != config.ModeDevice {
		return nil, nil
	}
	if len(ac.Client.Devices()) == 0 {
		if err := ac.Client.Init(ctx); err != nil {
			return nil, fmt.Errorf("load devices: %w", err)
		}
	}
	target := ac.Client.IntentPlayerDevice(ac.cfg.PlayerEntityID)
	if target == nil {
		ac.notify(ctx, "player", fmt.Sprintf(
			"The intent player %s was not found among the cloud devices. Make sure it is exported to the smart home, "+
				"refresh the device list and sync again.", ac.cfg.PlayerEntityID))
		return nil, ErrPlayerNotFound
	}
	return target, nil
}

// Plan shows what Sync would change
func (ac *Account) Plan(ctx context.Context) ([]quasar.PlanItem, error) {
	owned, err := ac.Client.OwnedScenarios(ctx)
	if err != nil {
		return nil, err
	}
	return quasar.Plan(ac.Registry.Intents(), owned), nil
}

// Clear deletes every scenario of the account, owned or not, once confirmed
func (ac *Account) Clear(ctx context.Context, confirmation string) (int, error) {
	if confirmation != ClearConfirmation {
		return 0, ErrNotConfirmed
	}
	logging.Info("app", "Account %s: deleting all scenarios", ac.Name())
	return ac.Client.ClearAll(ctx)
}

// Fire dispatches the intent with the given id as if it had been heard
func (ac *Account) Fire(ctx context.Context, id int) bool {
	return ac.Registry.DispatchFromID(ctx, id)
}

func (ac *Account) notify(ctx context.Context, kind, message string) {
	logging.Warn("app", "%s", message)
	if ac.host == nil {
		return
	}
	id := fmt.Sprintf("quasar_intents_%s_%s", ac.Name(), kind)
	if err := ac.host.Notify(ctx, id, notificationTitle, message); err != nil {
		logging.Error("app", "Failed to notify: %v", err)
	}
}

func (ac *Account) record(kind, subject, summary string, data map[string]any) {
	if ac.journal != nil {
		ac.journal.Record(kind, subject, summary, data)
	}
}

// inputRecorder journals every phrase the stream delivers before dispatching it
type inputRecorder struct {
	ac *Account
}

func (r *inputRecorder) ResolveAndDispatch(ctx context.Context, phrase string, origin intent.Origin) bool {
	if r.ac.activity != nil {
		if err := r.ac.activity.LogInput(r.ac.Name(), phrase, origin.DeviceID); err != nil {
			logging.Warn("app", "Failed to record input: %v", err)
		}
	}
	return r.ac.Registry.ResolveAndDispatch(ctx, phrase, origin)
}
