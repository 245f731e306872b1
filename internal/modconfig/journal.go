package modconfig

import (
	"context"
	"database/sql"
	"time"

	"github.com/FocuswithJustin/modhost/core/sqlite"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS config_revisions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	module_id TEXT    NOT NULL,
	version   INTEGER NOT NULL,
	override  TEXT    NOT NULL,
	saved_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_config_revisions_module ON config_revisions(module_id, id);
`

// Revision is one saved override document.
type Revision struct {
	ModuleID string    `json:"moduleId"`
	Version  uint64    `json:"version"`
	Override string    `json:"override"`
	SavedAt  time.Time `json:"savedAt"`
}

// Journal records saved overrides in SQLite.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the journal database at path.
// An empty path opens an in-memory journal.
func OpenJournal(path string) (*Journal, error) {
	var (
		db  *sql.DB
		err error
	)
	if path == "" {
		db, err = sqlite.OpenMemory()
	} else {
		db, err = sqlite.Open(path)
	}
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Record stores one revision.
func (j *Journal) Record(ctx context.Context, moduleID string, version uint64, override []byte, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO config_revisions (module_id, version, override, saved_at) VALUES (?, ?, ?, ?)`,
		moduleID, int64(version), string(override), at.UnixMilli())
	return err
}

// Latest returns the highest recorded version for moduleID, or 0 when none
// has been saved.
func (j *Journal) Latest(ctx context.Context, moduleID string) (uint64, error) {
	var version int64
	err := j.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM config_revisions WHERE module_id = ?`,
		moduleID).Scan(&version)
	if err != nil {
		return 0, err
	}
	return uint64(version), nil
}

// History returns up to limit revisions for moduleID, newest first. A
// non-positive limit returns all of them.
func (j *Journal) History(ctx context.Context, moduleID string, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT module_id, version, override, saved_at FROM config_revisions
		 WHERE module_id = ? ORDER BY id DESC LIMIT ?`, moduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var (
			r       Revision
			version int64
			savedAt int64
		)
		if err := rows.Scan(&r.ModuleID, &version, &r.Override, &savedAt); err != nil {
			return nil, err
		}
		r.Version = uint64(version)
		r.SavedAt = time.UnixMilli(savedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
