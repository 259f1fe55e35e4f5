package effectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vthunder/quasar-intents/internal/logging"
)

// HomeAssistantConfig holds Home Assistant connection settings
type HomeAssistantConfig struct {
	Host  string
	Token string
}

// HomeAssistant fires events and calls services through the Home Assistant REST API
type HomeAssistant struct {
	host       string
	token      string
	httpClient *http.Client
}

// NewHomeAssistant creates a REST effector. Host should be like "http://homeassistant.local:8123".
func NewHomeAssistant(cfg HomeAssistantConfig) *HomeAssistant {
	return &HomeAssistant{
		host:  strings.TrimRight(cfg.Host, "/"),
		token: cfg.Token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Fire fires event on the Home Assistant event bus
func (h *HomeAssistant) Fire(ctx context.Context, event string, data map[string]any) error {
	logging.Debug("homeassistant", "Firing %s: %v", event, data)
	return h.post(ctx, "/api/events/"+url.PathEscape(event), data)
}

// CallService calls domain.service with data
func (h *HomeAssistant) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	logging.Debug("homeassistant", "Calling %s.%s: %v", domain, service, data)
	return h.post(ctx, fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service)), data)
}

// Notify shows a persistent notification. Notifications with the same id replace each other.
func (h *HomeAssistant) Notify(ctx context.Context, notificationID, title, message string) error {
	data := map[string]any{
		"title":   title,
		"message": message,
	}
	if notificationID != "" {
		data["notification_id"] = notificationID
	}
	return h.CallService(ctx, "persistent_notification", "create", data)
}

// Ping checks that the API is reachable and the token is accepted
func (h *HomeAssistant) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.host+"/api/", nil)
	if err != nil {
		return err
	}
	return h.do(req)
}

func (h *HomeAssistant) post(ctx context.Context, path string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.host+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	return h.do(req)
}

func (h *HomeAssistant) do(req *http.Request) error {
	req.Header.Set("authorization", "Bearer "+h.token)

	res, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("unexpected response from hass [%d]: %s", res.StatusCode, string(body))
	}
	io.Copy(io.Discard, res.Body)
	return nil
}
