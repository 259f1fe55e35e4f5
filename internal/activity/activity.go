package activity

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vthunder/quasar-intents/internal/logging"
)

// Type identifies what kind of activity this is
type Type string

const (
	TypeInput   Type = "input"   // Phrase received from the update stream
	TypeIntent  Type = "intent"  // Intent recognized and its event fired
	TypeCommand Type = "command" // Follow-up command sent to a speaker
	TypeReply   Type = "reply"   // Templated reply spoken
	TypeRefused Type = "refused" // Command refused by the loop guard
	TypeSync    Type = "sync"    // Scenario created, updated or deleted
	TypeStream  Type = "stream"  // Update stream connected or lost
	TypeError   Type = "error"   // Something went wrong
)

// Entry represents a single activity log entry
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      Type           `json:"type"`
	Account   string         `json:"account,omitempty"`
	Subject   string         `json:"subject,omitempty"` // Intent or scenario name if applicable
	Summary   string         `json:"summary"`
	Data      map[string]any `json:"data,omitempty"`
}

// Log is the activity journal, kept in SQLite
type Log struct {
	db   *sql.DB
	path string
}

// Open opens or creates the journal under statePath
func Open(statePath string) (*Log, error) {
	dbPath := filepath.Join(statePath, "system", "activity.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	l := &Log{db: db, path: dbPath}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return l, nil
}

// Close closes the database connection
func (l *Log) Close() error {
	return l.db.Close()
}

// Path returns the database file
func (l *Log) Path() string {
	return l.path
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS activity (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		ts DATETIME NOT NULL,
		type TEXT NOT NULL,
		account TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL,
		data TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_activity_type ON activity(type);
	CREATE INDEX IF NOT EXISTS idx_activity_ts ON activity(ts);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Log appends an entry to the journal
func (l *Log) Log(entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	var data sql.NullString
	if len(entry.Data) > 0 {
		raw, err := json.Marshal(entry.Data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := l.db.Exec(`
		INSERT INTO activity (id, ts, type, account, subject, summary, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UTC(), string(entry.Type), entry.Account, entry.Subject, entry.Summary, data)
	return err
}

// Record implements the registry journal without an account
func (l *Log) Record(kind, subject, summary string, data map[string]any) {
	l.record("", kind, subject, summary, data)
}

func (l *Log) record(account, kind, subject, summary string, data map[string]any) {
	err := l.Log(Entry{
		Type:    Type(kind),
		Account: account,
		Subject: subject,
		Summary: summary,
		Data:    data,
	})
	if err != nil {
		logging.Warn("activity", "Failed to record %s entry: %v", kind, err)
	}
}

// ForAccount returns a journal that tags every entry with account
func (l *Log) ForAccount(account string) *AccountJournal {
	return &AccountJournal{log: l, account: account}
}

// AccountJournal records entries of one account
type AccountJournal struct {
	log     *Log
	account string
}

// Record appends an entry for the account
func (j *AccountJournal) Record(kind, subject, summary string, data map[string]any) {
	j.log.record(j.account, kind, subject, summary, data)
}

// LogInput logs a phrase heard on the update stream
func (l *Log) LogInput(account, phrase, deviceID string) error {
	return l.Log(Entry{
		Type:    TypeInput,
		Account: account,
		Summary: phrase,
		Data:    map[string]any{"device_id": deviceID},
	})
}

// LogError logs an error
func (l *Log) LogError(summary string, err error, data map[string]any) error {
	if data == nil {
		data = make(map[string]any)
	}
	data["error"] = err.Error()
	return l.Log(Entry{
		Type:    TypeError,
		Summary: summary,
		Data:    data,
	})
}

// Query methods

const selectEntries = `SELECT id, ts, type, account, subject, summary, data FROM activity`

// Recent returns the last n entries, oldest first
func (l *Log) Recent(n int) ([]Entry, error) {
	entries, err := l.query(selectEntries+` ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// ByType returns entries of a specific type, most recent first
func (l *Log) ByType(t Type, limit int) ([]Entry, error) {
	return l.query(selectEntries+` WHERE type = ? ORDER BY seq DESC LIMIT ?`, string(t), limit)
}

// ByAccount returns entries of one account, most recent first
func (l *Log) ByAccount(account string, limit int) ([]Entry, error) {
	return l.query(selectEntries+` WHERE account = ? ORDER BY seq DESC LIMIT ?`, account, limit)
}

// Range returns entries in a time range, oldest first
func (l *Log) Range(start, end time.Time) ([]Entry, error) {
	return l.query(selectEntries+` WHERE ts >= ? AND ts <= ? ORDER BY seq`, start.UTC(), end.UTC())
}

// Search searches entries by text (in subject, summary and data), most recent first
func (l *Log) Search(query string, limit int) ([]Entry, error) {
	entries, err := l.query(selectEntries + ` ORDER BY seq DESC`)
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(query)
	var result []Entry
	for _, e := range entries {
		if len(result) >= limit {
			break
		}
		if strings.Contains(strings.ToLower(e.Summary), query) ||
			strings.Contains(strings.ToLower(e.Subject), query) {
			result = append(result, e)
			continue
		}
		if e.Data != nil {
			dataJSON, _ := json.Marshal(e.Data)
			if strings.Contains(strings.ToLower(string(dataJSON)), query) {
				result = append(result, e)
			}
		}
	}
	return result, nil
}

func (l *Log) query(q string, args ...any) ([]Entry, error) {
	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			typ  string
			data sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &typ, &e.Account, &e.Subject, &e.Summary, &data); err != nil {
			return nil, err
		}
		e.Type = Type(typ)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				logging.Debug("activity", "Skipping malformed data of %s: %v", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
