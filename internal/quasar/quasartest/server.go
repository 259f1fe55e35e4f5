// Package quasartest provides an in-memory smart home cloud for tests: scenario
// storage, the device list, the account endpoints and the update stream.
package quasartest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/vthunder/quasar-intents/internal/quasar"
)

const (
	XToken    = "test-x-token"
	CSRFToken = "csrf-1"
)

type scenario struct {
	id      string
	name    string
	payload json.RawMessage
}

// Server is a fake cloud. Zero or more households of devices can be added
// with AddDevice; scenarios are kept in memory.
type Server struct {
	*httptest.Server
	t testing.TB

	mu          sync.Mutex
	scenarios   map[string]*scenario
	nextID      int
	devices     []map[string]any
	shared      []map[string]any
	csrf        string
	authExpired bool
	failDelete  map[string]bool
	requests    []string
	logins      int

	upgrader websocket.Upgrader
	conns    []*websocket.Conn
	dials    int
	// Connected receives one value per accepted update stream connection
	Connected chan struct{}
}

// NewServer starts a fake cloud that is closed when the test ends
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		t:          t,
		scenarios:  make(map[string]*scenario),
		csrf:       CSRFToken,
		failDelete: make(map[string]bool),
		Connected:  make(chan struct{}, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /csrf", s.handleCSRF)
	mux.HandleFunc("GET /account_config", s.handleAccountConfig)
	mux.HandleFunc("POST /passport/1/bundle/auth/x_token/", s.handleLogin)
	mux.HandleFunc("GET /auth/session/", s.handleSessionCookies)
	mux.HandleFunc("GET /m/v3/user/devices", s.handleDevices)
	mux.HandleFunc("GET /m/user/scenarios", s.handleListScenarios)
	mux.HandleFunc("POST /m/v4/user/scenarios", s.handleCreateScenario)
	mux.HandleFunc("PUT /m/v4/user/scenarios/{id}", s.handleUpdateScenario)
	mux.HandleFunc("DELETE /m/user/scenarios/{id}", s.handleDeleteScenario)
	mux.HandleFunc("GET /updates", s.handleUpdates)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Close closes open stream connections and shuts the server down
func (s *Server) Close() {
	s.CloseStreams()
	s.Server.Close()
}

// Endpoints returns session endpoints pointing at this server
func (s *Server) Endpoints() quasar.Endpoints {
	return quasar.Endpoints{
		Passport:      s.URL + "/passport",
		AccountConfig: s.URL + "/account_config",
		CSRFPage:      s.URL + "/csrf",
		Retpath:       s.URL,
	}
}

// Session returns a session for this server
func (s *Server) Session() *quasar.Session {
	return quasar.NewSession(XToken, s.Endpoints())
}

// Client returns a scenario client for this server
func (s *Server) Client() *quasar.Client {
	return quasar.NewClient(s.Session(), s.URL)
}

// UpdatesURL is the update stream URL advertised in the device list
func (s *Server) UpdatesURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/updates?token=secret"
}

// --- Test controls ---

// AddScenario stores a scenario directly and returns its id
func (s *Server) AddScenario(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(name, nil)
}

func (s *Server) addLocked(name string, payload json.RawMessage) string {
	s.nextID++
	id := fmt.Sprintf("sc-%d", s.nextID)
	s.scenarios[id] = &scenario{id: id, name: name, payload: payload}
	return id
}

// ScenarioNames returns all scenario names, sorted
func (s *Server) ScenarioNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, sc := range s.scenarios {
		names = append(names, sc.name)
	}
	sort.Strings(names)
	return names
}

// Payload returns the last payload stored for the scenario with the given name
func (s *Server) Payload(name string) (quasar.ScenarioPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.scenarios {
		if sc.name != name || sc.payload == nil {
			continue
		}
		var p quasar.ScenarioPayload
		if err := json.Unmarshal(sc.payload, &p); err != nil {
			s.t.Errorf("quasartest: decode payload: %v", err)
			return p, false
		}
		return p, true
	}
	return quasar.ScenarioPayload{}, false
}

// AddDevice adds a raw device to the account's own household
func (s *Server) AddDevice(device map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, device)
}

// AddSharedDevice adds a raw device to a household shared with the account
func (s *Server) AddSharedDevice(device map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shared = append(s.shared, device)
}

// ExpireAuth makes every API call answer 401 and rejects the x-token
func (s *Server) ExpireAuth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authExpired = true
}

// RotateCSRF changes the expected csrf token
func (s *Server) RotateCSRF(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrf = token
}

// FailDelete makes deleting the scenario with the given name fail
func (s *Server) FailDelete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDelete[name] = true
}

// Requests returns "METHOD /path" for every API request received
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Logins returns how many x-token logins happened
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Dials returns how many update stream connections were accepted
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Push sends a text frame to every open update stream connection
func (s *Server) Push(frame string) {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			s.t.Logf("quasartest: push: %v", err)
		}
	}
}

// PushUpdate sends an update_states frame in which device deviceID reports
// a server action with the given instance and value
func (s *Server) PushUpdate(deviceID, instance, value string) {
	s.Push(UpdateFrame(deviceID, instance, value))
}

// CloseStreams closes every open update stream connection
func (s *Server) CloseStreams() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// UpdateFrame renders an update_states frame
func UpdateFrame(deviceID, instance, value string) string {
	message, _ := json.Marshal(map[string]any{
		"updated_devices": []any{
			map[string]any{
				"id": deviceID,
				"capabilities": []any{
					map[string]any{
						"type": "devices.capabilities.quasar.server_action",
						"state": map[string]any{
							"instance": instance,
							"value":    value,
						},
					},
				},
			},
		},
	})
	frame, _ := json.Marshal(map[string]any{
		"operation": "update_states",
		"message":   string(message),
	})
	return string(frame)
}

// --- Handlers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	token := s.csrf
	s.mu.Unlock()
	fmt.Fprintf(w, `<html><script>window.__CONFIG__={"csrfToken2":"%s","other":1}</script></html>`, token)
}

func (s *Server) handleAccountConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	expired := s.authExpired
	s.mu.Unlock()
	if expired {
		writeJSON(w, http.StatusOK, map[string]any{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.logins++
	expired := s.authExpired
	s.mu.Unlock()
	if expired || r.Header.Get("Ya-Consumer-Authorization") != "OAuth "+XToken {
		writeJSON(w, http.StatusOK, map[string]any{"status": "error", "errors": []string{"oauth_token.invalid"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "passport_host": s.URL, "track_id": "track-1"})
}

func (s *Server) handleSessionCookies(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("track_id") != "track-1" {
		http.Error(w, "bad track", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "Session_id", Value: "session", Path: "/"})
	http.Redirect(w, r, "/", http.StatusFound)
}

// api wraps the smart home endpoints with request logging, auth and csrf checks
func (s *Server) api(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	if s.authExpired {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	if r.Method != http.MethodGet && r.Header.Get("x-csrf-token") != s.csrf {
		w.WriteHeader(http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !s.api(w, r) {
		return
	}
	s.mu.Lock()
	households := []any{map[string]any{"id": "home", "all": s.devices}}
	if len(s.shared) > 0 {
		households = append(households, map[string]any{
			"id":           "shared",
			"sharing_info": map[string]any{"owner": "someone"},
			"all":          s.shared,
		})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"updates_url": s.UpdatesURL(),
		"households":  households,
	})
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	if !s.api(w, r) {
		return
	}
	s.mu.Lock()
	list := make([]map[string]any, 0, len(s.scenarios))
	for _, sc := range s.scenarios {
		list = append(list, map[string]any{"id": sc.id, "name": sc.name})
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i]["id"].(string) < list[j]["id"].(string) })
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scenarios": list})
}

func (s *Server) decodePayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, string, bool) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error"})
		return nil, "", false
	}
	var head struct {
		Name string `json:"name"`
	}
	json.Unmarshal(raw, &head)
	if head.Name == "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "error", "message": "name required"})
		return nil, "", false
	}
	return raw, head.Name, true
}

func (s *Server) handleCreateScenario(w http.ResponseWriter, r *http.Request) {
	if !s.api(w, r) {
		return
	}
	raw, name, ok := s.decodePayload(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	id := s.addLocked(name, raw)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scenario_id": id})
}

func (s *Server) handleUpdateScenario(w http.ResponseWriter, r *http.Request) {
	if !s.api(w, r) {
		return
	}
	raw, name, ok := s.decodePayload(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	sc, found := s.scenarios[r.PathValue("id")]
	if found {
		sc.name = name
		sc.payload = raw
	}
	s.mu.Unlock()
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"status": "error", "code": "SCENARIO_NOT_FOUND"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleDeleteScenario(w http.ResponseWriter, r *http.Request) {
	if !s.api(w, r) {
		return
	}
	s.mu.Lock()
	sc, found := s.scenarios[r.PathValue("id")]
	fail := found && s.failDelete[sc.name]
	if found && !fail {
		delete(s.scenarios, sc.id)
	}
	s.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"status": "error", "code": "SCENARIO_NOT_FOUND"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != "secret" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.dials++
	s.mu.Unlock()
	s.Connected <- struct{}{}

	// drain control frames so pings are answered
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
