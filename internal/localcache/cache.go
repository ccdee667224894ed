/*
Copyright 2024 Carenote Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package localcache is the device-side offline store: recordings waiting to be
// uploaded, local edits waiting to be synced, the sync cursor and the server
// records pulled so far. It is backed by a single SQLite file.
package localcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/model"
)

var ErrNotFound = errors.New("localcache: not found")

const schema = `
CREATE TABLE IF NOT EXISTS captures (
	capture_id      TEXT PRIMARY KEY,
	consultation_id TEXT NOT NULL DEFAULT '',
	patient_id      TEXT NOT NULL DEFAULT '',
	path            TEXT NOT NULL,
	total_bytes     INTEGER NOT NULL,
	manifest_hash   TEXT NOT NULL,
	content_type    TEXT NOT NULL DEFAULT '',
	language_code   TEXT NOT NULL DEFAULT '',
	recorded_at     TIMESTAMP NOT NULL,
	session_id      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_captures_path ON captures (path);

CREATE TABLE IF NOT EXISTS operations (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_id     TEXT NOT NULL UNIQUE,
	kind             TEXT NOT NULL,
	entity_id        TEXT NOT NULL DEFAULT '',
	base_version     INTEGER NOT NULL DEFAULT 0,
	payload          BLOB,
	client_timestamp TIMESTAMP NOT NULL,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	outcome          BLOB,
	last_error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_operations_status ON operations (status, seq);

CREATE TABLE IF NOT EXISTS records (
	entity_kind TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	version     INTEGER NOT NULL,
	sequence    INTEGER NOT NULL,
	payload     BLOB,
	changed_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (entity_kind, entity_id)
);

CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Cache is safe for concurrent use; SQLite serializes writers, so the pool is
// limited to one connection.
type Cache struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the cache file at path.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating local cache schema: %w", err)
	}
	logrus.Debugf("local cache opened at %s", path)
	return &Cache{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

const cursorKey = "cursor"

// Cursor returns the last server cursor stored, empty before the first pull.
func (c *Cache) Cursor(ctx context.Context) (string, error) {
	var cursor string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, cursorKey).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, err
}

func (c *Cache) SetCursor(ctx context.Context, cursor string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, cursorKey, cursor)
	return err
}

// ApplyRecords stores pulled server records. A record older than the stored
// copy of the same entity is ignored. Returns how many records were written.
func (c *Cache) ApplyRecords(ctx context.Context, records []model.ChangeRecord) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	applied := 0
	for _, r := range records {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO records (entity_kind, entity_id, version, sequence, payload, changed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (entity_kind, entity_id) DO UPDATE SET
				version = excluded.version,
				sequence = excluded.sequence,
				payload = excluded.payload,
				changed_at = excluded.changed_at
			WHERE excluded.version >= records.version
		`, r.EntityKind, r.EntityID, r.Version, r.Sequence, []byte(r.Payload), r.ChangedAt)
		if err != nil {
			return 0, fmt.Errorf("applying %s %s: %w", r.EntityKind, r.EntityID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			applied++
		}
	}
	return applied, tx.Commit()
}

// GetRecord returns the latest pulled copy of an entity.
func (c *Cache) GetRecord(ctx context.Context, kind model.EntityKind, id string) (*model.ChangeRecord, error) {
	var (
		r       model.ChangeRecord
		payload []byte
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT entity_kind, entity_id, version, sequence, payload, changed_at
		FROM records WHERE entity_kind = ? AND entity_id = ?
	`, kind, id).Scan(&r.EntityKind, &r.EntityID, &r.Version, &r.Sequence, &payload, &r.ChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	return &r, nil
}

// Version returns the server version last pulled for an entity, 0 if unknown.
// Devices use it as the base version of their next edit.
func (c *Cache) Version(ctx context.Context, kind model.EntityKind, id string) (int64, error) {
	r, err := c.GetRecord(ctx, kind, id)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return r.Version, nil
}
