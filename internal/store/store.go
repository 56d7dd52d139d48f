package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/orchestrator"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

func logger() *slog.Logger { return slog.With("component", "store") }

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS model_versions (
	version_id    TEXT PRIMARY KEY,
	parent_id     TEXT,
	blob          BLOB NOT NULL,
	layout_json   TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	metrics_json  TEXT,
	FOREIGN KEY (parent_id) REFERENCES model_versions(version_id)
);

CREATE TABLE IF NOT EXISTS event_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	version_id    TEXT,
	kind          TEXT NOT NULL,
	record_tm     INTEGER NOT NULL,
	state         INTEGER NOT NULL,
	detail_json   TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES model_versions(version_id)
);

CREATE INDEX IF NOT EXISTS event_log_kind ON event_log(kind);

CREATE TABLE IF NOT EXISTS active_model (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	version_id    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES model_versions(version_id)
);
`

// #endregion schema

// timeLayout is fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// #region store-struct
// Store keeps versioned model snapshots in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB; the event log shares it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region create-snapshot
// CreateSnapshot serialises a model into a new, uncommitted version whose
// parent is parentID.
func (s *Store) CreateSnapshot(m *orchestrator.Model, parentID string) (Version, error) {
	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		return Version{}, fmt.Errorf("create snapshot: %w", err)
	}
	summary := Summary{
		States:   m.LeafStates(),
		Nodes:    m.Nodes(),
		Levels:   len(m.Heights()),
		LastTm:   m.LastTime(),
		BlobSize: buf.Len(),
	}
	metricsJSON, err := json.Marshal(summary)
	if err != nil {
		return Version{}, fmt.Errorf("marshal summary: %w", err)
	}
	return Version{
		VersionID:   uuid.New().String(),
		ParentID:    parentID,
		Blob:        buf.Bytes(),
		Layout:      m.Spaces(),
		CreatedAt:   time.Now().UTC(),
		MetricsJSON: string(metricsJSON),
	}, nil
}

// #endregion create-snapshot

// #region commit-snapshot
// CommitSnapshot inserts a version and makes it active atomically.
func (s *Store) CommitSnapshot(v Version) error {
	layoutJSON, err := json.Marshal(v.Layout)
	if err != nil {
		return fmt.Errorf("marshal layout: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parentPtr any
	if v.ParentID != "" {
		parentPtr = v.ParentID
	}
	var metricsPtr any
	if v.MetricsJSON != "" {
		metricsPtr = v.MetricsJSON
	}

	_, err = tx.Exec(
		`INSERT INTO model_versions (version_id, parent_id, blob, layout_json, created_at, metrics_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.VersionID, parentPtr, v.Blob, string(layoutJSON),
		v.CreatedAt.Format(timeLayout), metricsPtr,
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO active_model (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		v.VersionID,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}

	return tx.Commit()
}

// Checker approves a snapshot given the live model and the copy decoded
// from its blob.
type Checker interface {
	Check(live, decoded *orchestrator.Model, blobSize int) error
}

// SaveModel snapshots a model as a child of the active version and commits it.
func (s *Store) SaveModel(m *orchestrator.Model) (Version, error) {
	return s.SaveChecked(m, nil)
}

// SaveChecked is SaveModel with the snapshot decoded and passed to c before
// the commit. A nil checker commits unconditionally.
func (s *Store) SaveChecked(m *orchestrator.Model, c Checker) (Version, error) {
	parent := ""
	cur, err := s.GetCurrent()
	switch {
	case err == nil:
		parent = cur.VersionID
	case !errors.Is(err, ErrNoActive):
		return Version{}, err
	}
	v, err := s.CreateSnapshot(m, parent)
	if err != nil {
		return Version{}, err
	}
	if c != nil {
		decoded, err := v.Model()
		if err != nil {
			logger().Warn("snapshot does not decode", "version", v.VersionID, "err", err)
		}
		if err := c.Check(m, decoded, len(v.Blob)); err != nil {
			return Version{}, fmt.Errorf("check snapshot: %w", err)
		}
	}
	if err := s.CommitSnapshot(v); err != nil {
		return Version{}, err
	}
	return v, nil
}

// #endregion commit-snapshot

// #region get-current
// GetCurrent reads the active version.
func (s *Store) GetCurrent() (Version, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_model WHERE id = 1`).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNoActive
	}
	if err != nil {
		return Version{}, fmt.Errorf("get active: %w", err)
	}
	return s.GetVersion(versionID)
}

// #endregion get-current

// #region get-version
// GetVersion retrieves a version, blob included.
func (s *Store) GetVersion(id string) (Version, error) {
	row := s.db.QueryRow(
		`SELECT version_id, parent_id, blob, layout_json, created_at, metrics_json
		 FROM model_versions WHERE version_id = ?`, id,
	)
	v, err := scanVersion(row.Scan, true)
	if err != nil {
		return Version{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return v, nil
}

// LoadModel decodes the model of a version.
func (s *Store) LoadModel(id string) (*orchestrator.Model, error) {
	v, err := s.GetVersion(id)
	if err != nil {
		return nil, err
	}
	return v.Model()
}

// Model decodes the version's blob.
func (v Version) Model() (*orchestrator.Model, error) {
	m, err := orchestrator.Load(bytes.NewReader(v.Blob))
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", v.VersionID, err)
	}
	return m, nil
}

// #endregion get-version

// #region rollback
// Rollback sets the active pointer to a previous version.
func (s *Store) Rollback(targetVersionID string) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM model_versions WHERE version_id = ?`, targetVersionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("version %s not found", targetVersionID)
	}

	_, err = s.db.Exec(`UPDATE active_model SET version_id = ? WHERE id = 1`, targetVersionID)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// #endregion rollback

// #region list-versions
// ListVersions returns the most recent versions without their blobs.
func (s *Store) ListVersions(limit int) ([]Version, error) {
	rows, err := s.db.Query(
		`SELECT version_id, parent_id, NULL, layout_json, created_at, metrics_json
		 FROM model_versions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows.Scan, false)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// #endregion list-versions

// #region scan
func scanVersion(scan func(dest ...any) error, withBlob bool) (Version, error) {
	var v Version
	var parentID, metricsJSON sql.NullString
	var blob []byte
	var layoutJSON, createdStr string

	if err := scan(&v.VersionID, &parentID, &blob, &layoutJSON, &createdStr, &metricsJSON); err != nil {
		return Version{}, err
	}
	v.ParentID = parentID.String
	v.MetricsJSON = metricsJSON.String
	if withBlob {
		v.Blob = blob
	}
	if err := json.Unmarshal([]byte(layoutJSON), &v.Layout); err != nil {
		return Version{}, fmt.Errorf("unmarshal layout: %w", err)
	}
	v.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return v, nil
}

// #endregion scan
