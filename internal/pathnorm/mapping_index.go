package pathnorm

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mdn/deployer/internal/db"
)

// MappingIndexFile is the side index kept under a download destination
const MappingIndexFile = "_path_mappings.db"

// a rollback journal leaves no -wal/-shm files behind in the destination
const indexPragma = `
PRAGMA journal_mode=DELETE;
PRAGMA synchronous=NORMAL;
PRAGMA busy_timeout=5000;
`

const schema = `
CREATE TABLE IF NOT EXISTS path_mappings (
    normalized_path TEXT PRIMARY KEY,
    original_key TEXT NOT NULL,
    embedded INTEGER NOT NULL DEFAULT 0,
    run_id TEXT NOT NULL,
    recorded_at TEXT NOT NULL -- RFC3339
);

CREATE INDEX IF NOT EXISTS idx_path_mappings_original ON path_mappings(original_key);
`

// Mapping records that normalizedPath holds the object originally at OriginalKey.
type Mapping struct {
	OriginalKey    string `db:"original_key"`
	NormalizedPath string `db:"normalized_path"`
	// Embedded is set when the original key was also written into the payload
	Embedded   bool   `db:"embedded"`
	RunID      string `db:"run_id"`
	RecordedAt string `db:"recorded_at"`
}

// MappingIndex persists Mapping records in sqlite. It is written by a single
// goroutine per run.
type MappingIndex struct {
	db   *sqlx.DB
	path string
}

// OpenMappingIndex opens or creates the index at path. Use ":memory:" in tests.
func OpenMappingIndex(path string) (*MappingIndex, error) {
	conn, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1), db.WithPragmas(indexPragma))
	if err != nil {
		return nil, fmt.Errorf("open mapping index: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init mapping index schema: %w", err)
	}
	return &MappingIndex{db: conn, path: path}, nil
}

func (m *MappingIndex) Path() string {
	return m.path
}

// Record inserts or replaces the mapping for m.NormalizedPath.
func (m *MappingIndex) Record(mapping Mapping) error {
	if mapping.RecordedAt == "" {
		mapping.RecordedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := m.db.NamedExec(`
		INSERT INTO path_mappings (normalized_path, original_key, embedded, run_id, recorded_at)
		VALUES (:normalized_path, :original_key, :embedded, :run_id, :recorded_at)
		ON CONFLICT(normalized_path) DO UPDATE SET
			original_key = excluded.original_key,
			embedded = excluded.embedded,
			run_id = excluded.run_id,
			recorded_at = excluded.recorded_at
	`, mapping)
	if err != nil {
		return fmt.Errorf("record mapping %s: %w", mapping.NormalizedPath, err)
	}
	return nil
}

// Original returns the original key for a normalized path.
func (m *MappingIndex) Original(normalizedPath string) (string, bool, error) {
	var original string
	err := m.db.Get(&original, `SELECT original_key FROM path_mappings WHERE normalized_path = ?`, normalizedPath)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return original, true, nil
}

// ForRun lists the mappings recorded by one run, ordered by path.
func (m *MappingIndex) ForRun(runID string) ([]Mapping, error) {
	var mappings []Mapping
	err := m.db.Select(&mappings, `
		SELECT normalized_path, original_key, embedded, run_id, recorded_at
		FROM path_mappings WHERE run_id = ? ORDER BY normalized_path
	`, runID)
	return mappings, err
}

func (m *MappingIndex) Count() (int, error) {
	var n int
	err := m.db.Get(&n, `SELECT COUNT(*) FROM path_mappings`)
	return n, err
}

func (m *MappingIndex) Close() error {
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}
