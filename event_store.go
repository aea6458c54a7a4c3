package drover

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	_ "github.com/mattn/go-sqlite3"
)

// DeviceEventStore is a SQLite journal of what happened to each device:
// state transitions, recovery attempts, retry exhaustion, reboots. The
// orchestration layer reads it to decide whether a device is worth
// rescheduling work onto.
type DeviceEventStore struct {
	db     *sql.DB
	dbPath string

	mu         sync.Mutex
	stmtInsert *sql.Stmt
}

const eventSchemaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA temp_store = MEMORY;

CREATE TABLE IF NOT EXISTS device_events (
    id TEXT PRIMARY KEY,
    serial TEXT NOT NULL,
    type TEXT NOT NULL,
    level TEXT NOT NULL,
    title TEXT NOT NULL,
    details TEXT DEFAULT '{}',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_device_events_serial ON device_events(serial, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_device_events_type ON device_events(serial, type);
`

// DeviceEvent is one journal row.
type DeviceEvent struct {
	ID        string                 `json:"id"`
	Serial    string                 `json:"serial"`
	Type      string                 `json:"type"`
	Level     string                 `json:"level"`
	Title     string                 `json:"title"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// OpenDeviceEventStore opens (creating if needed) the journal at dbPath.
func OpenDeviceEventStore(dbPath string) (*DeviceEventStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	if _, err := db.Exec(eventSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event store schema: %w", err)
	}
	stmt, err := db.Prepare(
		`INSERT INTO device_events (id, serial, type, level, title, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare event insert: %w", err)
	}
	return &DeviceEventStore{db: db, dbPath: dbPath, stmtInsert: stmt}, nil
}

// Record appends one event. Details are stored as a JSON blob so they stay
// queryable without schema churn.
func (s *DeviceEventStore) Record(serial, eventType, level, title string, details map[string]interface{}) error {
	blob := []byte("{}")
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
		blob = b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.stmtInsert.Exec(
		uuid.New().String(), serial, eventType, level, title,
		string(blob), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Events returns the most recent events for a device, newest first.
func (s *DeviceEventStore) Events(serial string, limit int) ([]DeviceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, serial, type, level, title, details, created_at
		 FROM device_events WHERE serial = ?
		 ORDER BY created_at DESC LIMIT ?`, serial, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// QueryEvents filters a device's events by a JSON path into the details
// blob, for example QueryEvents(serial, "attempts", "3").
func (s *DeviceEventStore) QueryEvents(serial, detailPath, want string) ([]DeviceEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, serial, type, level, title, details, created_at
		 FROM device_events WHERE serial = ?
		 ORDER BY created_at DESC`, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	all, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	var matched []DeviceEvent
	for _, ev := range all {
		blob, err := json.Marshal(ev.Details)
		if err != nil {
			continue
		}
		if result := gjson.GetBytes(blob, detailPath); result.Exists() && result.String() == want {
			matched = append(matched, ev)
		}
	}
	return matched, nil
}

func scanEvents(rows *sql.Rows) ([]DeviceEvent, error) {
	var events []DeviceEvent
	for rows.Next() {
		var ev DeviceEvent
		var details string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.Serial, &ev.Type, &ev.Level, &ev.Title,
			&details, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				LogWarn("events").Str("event", ev.ID).Err(err).
					Msg("Corrupt event details blob")
			}
		}
		ev.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune removes events older than the retention window.
func (s *DeviceEventStore) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM device_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database handle.
func (s *DeviceEventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stmtInsert != nil {
		s.stmtInsert.Close()
	}
	return s.db.Close()
}
