package effectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vthunder/quasar-intents/internal/logging"
)

// RecordedCall is one host call captured by a Recorder
type RecordedCall struct {
	Time    time.Time      `json:"ts"`
	Kind    string         `json:"kind"` // event, service or notification
	Target  string         `json:"target"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Recorder stands in for Home Assistant: every event, service call and
// notification is appended to a JSONL file instead of being sent.
type Recorder struct {
	outputPath string
	mu         sync.Mutex
}

// NewRecorder creates a recorder that writes to <statePath>/system/host_output.jsonl
func NewRecorder(statePath string) *Recorder {
	return &Recorder{
		outputPath: filepath.Join(statePath, "system", "host_output.jsonl"),
	}
}

// Path returns the output file
func (r *Recorder) Path() string {
	return r.outputPath
}

// Fire records an event
func (r *Recorder) Fire(ctx context.Context, event string, data map[string]any) error {
	return r.write(RecordedCall{Kind: "event", Target: event, Payload: data})
}

// CallService records a service call
func (r *Recorder) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	return r.write(RecordedCall{Kind: "service", Target: domain + "." + service, Payload: data})
}

// Notify records a persistent notification
func (r *Recorder) Notify(ctx context.Context, notificationID, title, message string) error {
	return r.write(RecordedCall{Kind: "notification", Target: notificationID, Payload: map[string]any{
		"title":   title,
		"message": message,
	}})
}

// Calls reads back everything recorded so far
func (r *Recorder) Calls() ([]RecordedCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.outputPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var calls []RecordedCall
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var c RecordedCall
		if err := dec.Decode(&c); err != nil {
			return calls, fmt.Errorf("decode %s: %w", r.outputPath, err)
		}
		calls = append(calls, c)
	}
	return calls, nil
}

// ClearOutput removes the output file
func (r *Recorder) ClearOutput() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.outputPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear recorder output: %w", err)
	}
	return nil
}

func (r *Recorder) write(call RecordedCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	call.Time = time.Now().UTC()
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", call.Kind, err)
	}

	if err := os.MkdirAll(filepath.Dir(r.outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(r.outputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.outputPath, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	logging.Debug("recorder", "%s %s", call.Kind, call.Target)
	return nil
}
