// Package quasar talks to the smart home cloud: devices, owned scenarios and
// the update stream URL.
package quasar

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vthunder/quasar-intents/internal/intent"
	"github.com/vthunder/quasar-intents/internal/logging"
)

// DefaultBaseURL is the production smart home API
const DefaultBaseURL = "https://iot.quasar.yandex.ru"

// IntentPlayerModel is the model of the host media player used in device mode
const IntentPlayerModel = "yandex_station_intents"

// Requester performs authenticated JSON requests
type Requester interface {
	Get(ctx context.Context, url string, out any) error
	Post(ctx context.Context, url string, body, out any) error
	Put(ctx context.Context, url string, body, out any) error
	Delete(ctx context.Context, url string, out any) error
}

// StatusError is a response whose status field is not "ok"
type StatusError struct {
	URL    string
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %q: %s", e.URL, e.Status, e.Body)
}

// Device is a cloud device this system cares about
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Room string `json:"room,omitempty"`
	// EntityID is the host entity behind a device exported from the host
	EntityID string `json:"entity_id,omitempty"`
	// StationID links the device to a speaker
	StationID string `json:"station_id,omitempty"`
}

// RemoteScenario is a scenario as listed by the cloud
type RemoteScenario struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type rawDevice struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	RoomName   string `json:"room_name"`
	Parameters struct {
		DeviceInfo struct {
			Model string `json:"model"`
		} `json:"device_info"`
	} `json:"parameters"`
	QuasarInfo struct {
		DeviceID string `json:"device_id"`
	} `json:"quasar_info"`
}

type devicesResponse struct {
	Status     string `json:"status"`
	UpdatesURL string `json:"updates_url"`
	Households []struct {
		SharingInfo json.RawMessage `json:"sharing_info"`
		All         []rawDevice     `json:"all"`
	} `json:"households"`
}

type scenariosResponse struct {
	Status    string           `json:"status"`
	Scenarios []RemoteScenario `json:"scenarios"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// Client is the scenario store and device directory of one account
type Client struct {
	session Requester
	baseURL string
	journal intent.Journal
	running atomic.Bool

	mu      sync.RWMutex
	devices []Device
}

// NewClient creates a client. baseURL should be like "https://iot.quasar.yandex.ru".
func NewClient(session Requester, baseURL string) *Client {
	c := &Client{
		session: session,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	c.running.Store(true)
	return c
}

// SetJournal records scenario changes in j
func (c *Client) SetJournal(j intent.Journal) {
	c.journal = j
}

func (c *Client) userURL(path string) string   { return c.baseURL + "/m/user" + path }
func (c *Client) v3UserURL(path string) string { return c.baseURL + "/m/v3/user" + path }
func (c *Client) v4UserURL(path string) string { return c.baseURL + "/m/v4/user" + path }

// Stop asks long batches (sync, clear) to stop between remote calls
func (c *Client) Stop() {
	c.running.Store(false)
}

// Running reports whether the client has not been stopped
func (c *Client) Running() bool {
	return c.running.Load()
}

// --- Devices ---

// Init loads the device list
func (c *Client) Init(ctx context.Context) error {
	logging.Debug("quasar", "Fetching device list")
	devices, _, err := c.FetchDevices(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()
	return nil
}

// FetchDevices returns the supported devices of the account's own households
// and the current update stream URL
func (c *Client) FetchDevices(ctx context.Context) ([]Device, string, error) {
	url := c.v3UserURL("/devices")
	var resp devicesResponse
	if err := c.session.Get(ctx, url, &resp); err != nil {
		return nil, "", err
	}
	if resp.Status != "ok" {
		return nil, "", &StatusError{URL: url, Status: resp.Status}
	}

	var devices []Device
	for _, house := range resp.Households {
		if len(house.SharingInfo) > 0 && string(house.SharingInfo) != "null" {
			continue
		}
		for _, d := range house.All {
			if !isSupportedDevice(d) {
				continue
			}
			devices = append(devices, Device{
				ID:        d.ID,
				Name:      d.Name,
				Room:      d.RoomName,
				EntityID:  d.Parameters.DeviceInfo.Model,
				StationID: d.QuasarInfo.DeviceID,
			})
		}
	}
	return devices, resp.UpdatesURL, nil
}

// UpdatesURL fetches a fresh update stream URL. The URL rotates, so it is
// fetched before every connection.
func (c *Client) UpdatesURL(ctx context.Context) (string, error) {
	_, url, err := c.FetchDevices(ctx)
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", fmt.Errorf("device list has no updates_url")
	}
	return url, nil
}

// Devices returns the devices loaded by Init
func (c *Client) Devices() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Device, len(c.devices))
	copy(out, c.devices)
	return out
}

// DeviceByID returns the loaded device with the given cloud id
func (c *Client) DeviceByID(id string) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// IntentPlayerDevice finds the device exported from the host media player entityID
func (c *Client) IntentPlayerDevice(entityID string) *Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.devices {
		if d.EntityID == entityID {
			d := d
			return &d
		}
	}
	return nil
}

func isSupportedDevice(d rawDevice) bool {
	switch {
	// devices.types.smart_speaker.yandex.station_2 and friends
	case strings.HasPrefix(d.Type, "devices.types.smart_speaker"):
		return true
	case strings.HasPrefix(d.Type, "devices.types.media_device.tv.yandex"):
		return true
	case strings.Contains(d.Type, "dongle.yandex.module"):
		return true
	// intent player for device mode
	case strings.Contains(d.Parameters.DeviceInfo.Model, IntentPlayerModel):
		return true
	}
	return false
}

// --- Scenarios ---

// Scenarios lists every scenario of the account
func (c *Client) Scenarios(ctx context.Context) ([]RemoteScenario, error) {
	url := c.userURL("/scenarios")
	var resp scenariosResponse
	if err := c.session.Get(ctx, url, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, &StatusError{URL: url, Status: resp.Status}
	}
	return resp.Scenarios, nil
}

// OwnedScenarios maps intent names to the ids of the scenarios this system owns
func (c *Client) OwnedScenarios(ctx context.Context) (map[string]string, error) {
	logging.Debug("quasar", "Fetching owned scenarios")
	scenarios, err := c.Scenarios(ctx)
	if err != nil {
		return nil, err
	}

	owned := make(map[string]string)
	for _, s := range scenarios {
		if !strings.Contains(s.Name, intent.Marker) {
			continue
		}
		name := strings.TrimSpace(strings.ReplaceAll(s.Name, intent.Marker, ""))
		owned[name] = s.ID
	}
	return owned, nil
}

// Upsert creates the scenario of an intent, or replaces remote scenario remoteID
func (c *Client) Upsert(ctx context.Context, in *intent.Intent, remoteID string, target *Device) error {
	payload := BuildPayload(in, target)

	var (
		resp statusResponse
		url  string
		err  error
	)
	if remoteID != "" {
		url = c.v4UserURL("/scenarios/" + remoteID)
		logging.Debug("quasar", "Updating scenario %q: %+v", payload.Name, payload)
		err = c.session.Put(ctx, url, payload, &resp)
	} else {
		url = c.v4UserURL("/scenarios")
		logging.Debug("quasar", "Creating scenario %q: %+v", payload.Name, payload)
		err = c.session.Post(ctx, url, payload, &resp)
	}
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return &StatusError{URL: url, Status: resp.Status}
	}

	op := "created"
	if remoteID != "" {
		op = "updated"
	}
	c.record("sync", in.Name, "scenario "+op, map[string]any{"scenario": payload.Name})
	return nil
}

// DeleteScenario deletes one remote scenario
func (c *Client) DeleteScenario(ctx context.Context, id string) error {
	url := c.userURL("/scenarios/" + id)
	var resp statusResponse
	if err := c.session.Delete(ctx, url, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return &StatusError{URL: url, Status: resp.Status}
	}
	return nil
}

// DeleteStale deletes owned scenarios whose intent is no longer configured.
// A failed deletion is logged and does not stop the others.
func (c *Client) DeleteStale(ctx context.Context, active []*intent.Intent) error {
	owned, err := c.OwnedScenarios(ctx)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(active))
	for _, in := range active {
		keep[in.Name] = true
	}

	names := make([]string, 0, len(owned))
	for name := range owned {
		if !keep[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		logging.Debug("quasar", "Deleting scenario %q", name)
		if err := c.DeleteScenario(ctx, owned[name]); err != nil {
			logging.Error("quasar", "Failed to delete scenario %q: %v", name, err)
			c.record("error", name, "scenario not deleted", map[string]any{"error": err.Error()})
			continue
		}
		c.record("sync", name, "stale scenario deleted", nil)
	}
	return nil
}

// ClearAll deletes every scenario of the account, owned or not. It stops
// between deletions once the client is stopped or ctx is done.
func (c *Client) ClearAll(ctx context.Context) (int, error) {
	scenarios, err := c.Scenarios(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, s := range scenarios {
		if !c.Running() || ctx.Err() != nil {
			logging.Info("quasar", "Clear interrupted after %d scenarios", deleted)
			break
		}
		logging.Debug("quasar", "Deleting scenario %q", s.Name)
		if err := c.DeleteScenario(ctx, s.ID); err != nil {
			logging.Error("quasar", "Failed to delete scenario %q: %v", s.Name, err)
			continue
		}
		deleted++
	}
	c.record("sync", "", fmt.Sprintf("cleared %d scenarios", deleted), nil)
	return deleted, nil
}

func (c *Client) record(kind, subject, summary string, data map[string]any) {
	if c.journal != nil {
		c.journal.Record(kind, subject, summary, data)
	}
}
