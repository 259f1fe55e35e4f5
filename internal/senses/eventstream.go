// Package senses listens to the smart home cloud for phrases spoken by
// speakers and hands the ones carrying an intent to the registry.
package senses

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vthunder/quasar-intents/internal/intent"
	"github.com/vthunder/quasar-intents/internal/logging"
	"github.com/vthunder/quasar-intents/internal/quasar"
)

const (
	DefaultReconnectDelay = 2 * time.Second
	MaxReconnectDelay     = 180 * time.Second
	DefaultHeartbeat      = 45 * time.Second
)

const (
	operationUpdateStates  = "update_states"
	capabilityServerAction = "devices.capabilities.quasar.server_action"
)

// State is the connection state of an EventStream
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

// Devices resolves the stream URL and the devices that report events
type Devices interface {
	UpdatesURL(ctx context.Context) (string, error)
	DeviceByID(id string) (quasar.Device, bool)
}

// Dispatcher receives phrases that may carry an intent
type Dispatcher interface {
	ResolveAndDispatch(ctx context.Context, phrase string, origin intent.Origin) bool
}

// StreamConfig holds event stream settings
type StreamConfig struct {
	// Jar carries the account cookies to the websocket handshake
	Jar http.CookieJar
	// Speakers maps speaker station ids to host media player entities
	Speakers map[string]string
	Journal  intent.Journal

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Heartbeat         time.Duration
}

// EventStream keeps one websocket connection to the cloud update stream and
// reconnects with exponential backoff until Disconnect is called.
type EventStream struct {
	devices    Devices
	dispatcher Dispatcher
	speakers   map[string]string
	journal    intent.Journal
	dialer     *websocket.Dialer

	initialDelay time.Duration
	maxDelay     time.Duration
	heartbeat    time.Duration

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	delay time.Duration
	timer *time.Timer
}

// NewEventStream creates a disconnected stream
func NewEventStream(devices Devices, dispatcher Dispatcher, cfg StreamConfig) *EventStream {
	s := &EventStream{
		devices:      devices,
		dispatcher:   dispatcher,
		speakers:     cfg.Speakers,
		journal:      cfg.Journal,
		initialDelay: cfg.ReconnectDelay,
		maxDelay:     cfg.MaxReconnectDelay,
		heartbeat:    cfg.Heartbeat,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
			Jar:              cfg.Jar,
		},
	}
	if s.initialDelay <= 0 {
		s.initialDelay = DefaultReconnectDelay
	}
	if s.maxDelay <= 0 {
		s.maxDelay = MaxReconnectDelay
	}
	if s.heartbeat <= 0 {
		s.heartbeat = DefaultHeartbeat
	}
	s.delay = s.initialDelay
	return s
}

// State returns the current connection state
func (s *EventStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectDelay returns the delay the next reconnection will be based on
func (s *EventStream) ReconnectDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

// Connect opens the stream and reads it until the connection drops, then
// schedules a reconnection. It returns immediately once the stream is stopped
// or while another connection attempt is active.
func (s *EventStream) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	err := s.run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	if s.state == StateStopped {
		return
	}
	s.state = StateDisconnected
	if ctx.Err() != nil {
		logging.Debug("stream", "Context done, not reconnecting")
		return
	}

	if err != nil {
		logging.Error("stream", "Connection lost: %v", err)
		s.record("stream", "disconnected", map[string]any{"error": err.Error()})
	}
	s.scheduleLocked(ctx)
}

// Disconnect stops the stream for good: a pending reconnection is cancelled
// and the open connection is closed.
func (s *EventStream) Disconnect() {
	s.mu.Lock()
	s.state = StateStopped
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	logging.Info("stream", "Disconnected")
}

func (s *EventStream) scheduleLocked(ctx context.Context) {
	s.delay = min(2*s.delay, s.maxDelay)
	logging.Debug("stream", "Reconnecting in %s", s.delay)
	s.timer = time.AfterFunc(s.delay, func() { s.Connect(ctx) })
}

func (s *EventStream) run(ctx context.Context) error {
	url, err := s.devices.UpdatesURL(ctx)
	if err != nil {
		return fmt.Errorf("updates url: %w", err)
	}

	logging.Debug("stream", "Connecting to %s", strings.SplitN(url, "?", 2)[0])
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.state = StateConnected
	s.delay = s.initialDelay
	s.mu.Unlock()

	logging.Info("stream", "Connected to update stream")
	s.record("stream", "connected", nil)

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(ctx, conn, done)

	deadline := 2 * s.heartbeat
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(deadline))
		if mt != websocket.TextMessage {
			continue
		}
		if err := s.handleMessage(ctx, data); err != nil {
			logging.Warn("stream", "Unexpected event %s: %v", logging.Truncate(string(data), 200), err)
		}
	}
}

// keepalive pings the server every heartbeat and closes the connection when
// ctx is done
func (s *EventStream) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				logging.Debug("stream", "Ping failed: %v", err)
				return
			}
		}
	}
}

type frame struct {
	Operation string `json:"operation"`
	Message   string `json:"message"`
}

type updateStates struct {
	UpdatedDevices []struct {
		ID           string `json:"id"`
		Capabilities []struct {
			Type  string `json:"type"`
			State *struct {
				Instance string `json:"instance"`
				Value    any    `json:"value"`
			} `json:"state"`
		} `json:"capabilities"`
	} `json:"updated_devices"`
}

func (s *EventStream) handleMessage(ctx context.Context, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.Operation != operationUpdateStates {
		return nil
	}

	var msg updateStates
	if err := json.Unmarshal([]byte(f.Message), &msg); err != nil {
		return fmt.Errorf("message: %w", err)
	}

	for _, dev := range msg.UpdatedDevices {
		for _, capability := range dev.Capabilities {
			if capability.Type != capabilityServerAction || capability.State == nil {
				continue
			}
			switch capability.State.Instance {
			case "text_action", "phrase_action":
			default:
				continue
			}
			phrase, ok := capability.State.Value.(string)
			if !ok || !strings.Contains(phrase, intent.Marker) {
				continue
			}

			logging.Debug("stream", "Intent phrase from device %s: %q", dev.ID, phrase)
			s.dispatcher.ResolveAndDispatch(ctx, phrase, s.origin(dev.ID))
		}
	}
	return nil
}

func (s *EventStream) origin(deviceID string) intent.Origin {
	origin := intent.Origin{DeviceID: deviceID}
	d, ok := s.devices.DeviceByID(deviceID)
	if !ok || d.StationID == "" {
		return origin
	}
	origin.Room = d.Room
	if entity, ok := s.speakers[d.StationID]; ok {
		origin.SpeakerEntityID = entity
	} else {
		logging.Debug("stream", "No media player configured for station %s", d.StationID)
	}
	return origin
}

func (s *EventStream) record(subject, summary string, data map[string]any) {
	if s.journal != nil {
		s.journal.Record("stream", subject, summary, data)
	}
}
