package logging

// #region imports
import (
	"database/sql"
	"fmt"
	"time"
)

// #endregion

// #region event

// Event is a single row in the event_log table. State is the leaf the
// event concerns, -1 when there is none.
type Event struct {
	ID         int64
	VersionID  string
	Kind       string
	RecordTm   int64
	State      int
	DetailJSON string
	CreatedAt  time.Time
}

// Event kinds written outside the orchestrator listener. Listener events use
// the metrics.Event* names.
const (
	KindBootstrap        = "bootstrap"
	KindSnapshotRejected = "snapshot_rejected"
)

// Filter narrows ListEvents. Zero values match everything; Limit 0 means 100.
type Filter struct {
	Kind      string
	VersionID string
	Limit     int
}

// #endregion

// #region log-event

// LogEvent writes an event to the event_log table.
func LogEvent(db *sql.DB, e Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(
		`INSERT INTO event_log (version_id, kind, record_tm, state, detail_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(e.VersionID),
		e.Kind,
		e.RecordTm,
		e.State,
		nullIfEmpty(e.DetailJSON),
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// #endregion

// #region list-events

// ListEvents returns the newest matching events first.
func ListEvents(db *sql.DB, f Filter) ([]Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := db.Query(
		`SELECT id, version_id, kind, record_tm, state, detail_json, created_at
		 FROM event_log
		 WHERE (? = '' OR kind = ?) AND (? = '' OR version_id = ?)
		 ORDER BY id DESC LIMIT ?`,
		f.Kind, f.Kind, f.VersionID, f.VersionID, f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var versionID, detail sql.NullString
		var createdStr string
		if err := rows.Scan(&e.ID, &versionID, &e.Kind, &e.RecordTm, &e.State, &detail, &createdStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.VersionID = versionID.String
		e.DetailJSON = detail.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		events = append(events, e)
	}
	return events, rows.Err()
}

// #endregion

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion
