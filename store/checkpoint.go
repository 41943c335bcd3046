package store

import (
	"database/sql"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dreamer-doppler/doppler/dopplererr"
)

// Checkpoint persists per-shard download progress (spec.md §4.3 item 3)
// durably enough to survive a process crash mid-download, backed by a
// small sqlite database rather than a single JSON file so concurrent
// shard completions don't race on a read-modify-write of the whole
// state blob.
type Checkpoint struct {
	db *sql.DB
}

// OpenCheckpoint opens (creating if needed) the download-state database
// for a Disk store rooted at dir.
func OpenCheckpoint(dir string) (*Checkpoint, error) {
	path := filepath.Join(dir, "downloads.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, dopplererr.Wrap(dopplererr.KindIO, "opening checkpoint database", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	model_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status TEXT NOT NULL,
	start_time INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS completed_shards (
	model_id TEXT NOT NULL,
	shard_index INTEGER NOT NULL,
	PRIMARY KEY (model_id, shard_index)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, dopplererr.Wrap(dopplererr.KindIO, "initializing checkpoint schema", err)
	}

	return &Checkpoint{db: db}, nil
}

func (c *Checkpoint) Close() error { return c.db.Close() }

// State is the persisted {modelId, completedShards, startTime} record.
type State struct {
	ModelID         string
	SessionID       string
	Status          string
	StartTime       time.Time
	CompletedShards []int
}

// Load returns the persisted state for modelID, or ok=false if none exists.
func (c *Checkpoint) Load(modelID string) (State, bool, error) {
	var st State
	var startUnix int64
	row := c.db.QueryRow(`SELECT model_id, session_id, status, start_time FROM downloads WHERE model_id = ?`, modelID)
	if err := row.Scan(&st.ModelID, &st.SessionID, &st.Status, &startUnix); err != nil {
		if err == sql.ErrNoRows {
			return State{}, false, nil
		}
		return State{}, false, dopplererr.Wrap(dopplererr.KindIO, "loading download state", err)
	}
	st.StartTime = time.Unix(startUnix, 0)

	rows, err := c.db.Query(`SELECT shard_index FROM completed_shards WHERE model_id = ? ORDER BY shard_index`, modelID)
	if err != nil {
		return State{}, false, dopplererr.Wrap(dopplererr.KindIO, "loading completed shards", err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return State{}, false, dopplererr.Wrap(dopplererr.KindIO, "scanning completed shard row", err)
		}
		st.CompletedShards = append(st.CompletedShards, idx)
	}

	return st, true, nil
}

// Start creates the download-state record for modelID with status
// "downloading". If a record already exists, only its session id and
// status are replaced; its start time and completed shards are kept.
func (c *Checkpoint) Start(modelID, sessionID string, startTime time.Time) error {
	_, err := c.db.Exec(
		`INSERT INTO downloads (model_id, session_id, status, start_time) VALUES (?, ?, 'downloading', ?)
		 ON CONFLICT(model_id) DO UPDATE SET session_id = excluded.session_id, status = 'downloading'`,
		modelID, sessionID, startTime.Unix())
	if err != nil {
		return dopplererr.Wrap(dopplererr.KindIO, "starting download state", err)
	}
	return nil
}

// MarkShardComplete records that shard index has been downloaded and verified.
func (c *Checkpoint) MarkShardComplete(modelID string, index int) error {
	_, err := c.db.Exec(`INSERT OR IGNORE INTO completed_shards (model_id, shard_index) VALUES (?, ?)`, modelID, index)
	if err != nil {
		return dopplererr.Wrap(dopplererr.KindIO, "marking shard complete", err)
	}
	return nil
}

// DropShard removes a shard's completion record, used when re-hashing
// detects corruption and the shard must be re-enqueued.
func (c *Checkpoint) DropShard(modelID string, index int) error {
	_, err := c.db.Exec(`DELETE FROM completed_shards WHERE model_id = ? AND shard_index = ?`, modelID, index)
	if err != nil {
		return dopplererr.Wrap(dopplererr.KindIO, "dropping shard checkpoint", err)
	}
	return nil
}

// SetStatus updates the status field (e.g. "paused", "complete").
func (c *Checkpoint) SetStatus(modelID, status string) error {
	_, err := c.db.Exec(`UPDATE downloads SET status = ? WHERE model_id = ?`, status, modelID)
	if err != nil {
		return dopplererr.Wrap(dopplererr.KindIO, "updating download status", err)
	}
	return nil
}

// Clear deletes the download-state record entirely, done on successful
// completion of all shards (spec.md §4.3 item 8).
func (c *Checkpoint) Clear(modelID string) error {
	if _, err := c.db.Exec(`DELETE FROM completed_shards WHERE model_id = ?`, modelID); err != nil {
		return dopplererr.Wrap(dopplererr.KindIO, "clearing completed shards", err)
	}
	if _, err := c.db.Exec(`DELETE FROM downloads WHERE model_id = ?`, modelID); err != nil {
		return dopplererr.Wrap(dopplererr.KindIO, "clearing download record", err)
	}
	return nil
}
