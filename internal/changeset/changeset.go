// Package changeset remembers what was last pushed to a remote system for
// each local entity, so unchanged entities can be skipped on the next run.
package changeset

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/vhskeelz/skeelzdb/internal/batch"
	"github.com/vhskeelz/skeelzdb/internal/store"
)

// Table holds every cached mapping, partitioned by object type.
const Table = "salesforce_objects"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + Table + ` (
		object_type VARCHAR(255),
		salesforce_id VARCHAR(255),
		vhskeelz_id VARCHAR(255),
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		data_hash VARCHAR(64)
	)`,
	`CREATE INDEX IF NOT EXISTS salesforce_objects_object_type_idx ON ` + Table + ` (object_type)`,
	`CREATE INDEX IF NOT EXISTS salesforce_objects_salesforce_id_idx ON ` + Table + ` (salesforce_id)`,
	`CREATE INDEX IF NOT EXISTS salesforce_objects_vhskeelz_id_idx ON ` + Table + ` (vhskeelz_id)`,
}

// EnsureSchema creates the cache table and its indexes.
func EnsureSchema(ctx context.Context, db store.Store) error {
	return store.EnsureSchema(ctx, db, schema)
}

// Entry is the cached state of one local entity.
type Entry struct {
	RemoteID string
	// Hash is empty when the remote id was discovered by lookup and nothing
	// was pushed yet.
	Hash string
	// Persisted is false until a row exists in the cache table.
	Persisted bool
}

// ConflictError reports a remote id that differs from the cached one. The
// remote id of an entity never changes, so this is always fatal.
type ConflictError struct {
	ObjectType string
	LocalID    string
	Cached     string
	Got        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: remote id changed from %s to %s", e.ObjectType, e.LocalID, e.Cached, e.Got)
}

// Cache is the in-memory view of one object type, loaded once per run.
type Cache struct {
	objectType string
	entries    map[string]Entry
}

// Load reads every cached entry of objectType.
func Load(ctx context.Context, db store.Store, objectType string) (*Cache, error) {
	if err := EnsureSchema(ctx, db); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT vhskeelz_id, salesforce_id, data_hash FROM `+Table+` WHERE object_type = ?`, objectType)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s cache: %w", objectType, err)
	}
	defer func() { _ = rows.Close() }()

	c := &Cache{objectType: objectType, entries: map[string]Entry{}}
	for rows.Next() {
		var local, remote, hash sql.NullString
		if err := rows.Scan(&local, &remote, &hash); err != nil {
			return nil, err
		}
		if prev, dup := c.entries[local.String]; dup && prev.RemoteID != remote.String {
			slog.Warn("duplicate cache rows", "object_type", objectType, "local_id", local.String,
				"remote_ids", []string{prev.RemoteID, remote.String})
		}
		c.entries[local.String] = Entry{RemoteID: remote.String, Hash: hash.String, Persisted: true}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

// New returns an empty cache that is not backed by any rows yet.
func New(objectType string) *Cache {
	return &Cache{objectType: objectType, entries: map[string]Entry{}}
}

func (c *Cache) ObjectType() string { return c.objectType }

func (c *Cache) Len() int { return len(c.entries) }

func (c *Cache) Get(localID string) (Entry, bool) {
	e, ok := c.entries[localID]
	return e, ok
}

// Remember notes a remote id found by lookup. Nothing is written until
// Record.
func (c *Cache) Remember(localID, remoteID string) {
	if e, ok := c.entries[localID]; ok && e.Persisted {
		return
	}
	c.entries[localID] = Entry{RemoteID: remoteID}
}

// Record queues the cache write for a successful push: an insert when the
// entity has no row yet, otherwise an update of hash and updated_at.
func (c *Cache) Record(ctx context.Context, log *batch.Log, localID, remoteID, hash string) error {
	e, ok := c.entries[localID]
	if ok && e.RemoteID != "" && e.RemoteID != remoteID {
		return &ConflictError{ObjectType: c.objectType, LocalID: localID, Cached: e.RemoteID, Got: remoteID}
	}
	var stmt string
	if ok && e.Persisted {
		stmt = fmt.Sprintf(`UPDATE %s SET updated_at = CURRENT_TIMESTAMP, data_hash = %s WHERE object_type = %s AND salesforce_id = %s AND vhskeelz_id = %s`,
			Table, store.Quote(hash), store.Quote(c.objectType), store.Quote(remoteID), store.Quote(localID))
	} else {
		stmt = fmt.Sprintf(`INSERT INTO %s (object_type, salesforce_id, vhskeelz_id, created_at, updated_at, data_hash) VALUES (%s, %s, %s, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, %s)`,
			Table, store.Quote(c.objectType), store.Quote(remoteID), store.Quote(localID), store.Quote(hash))
	}
	if err := log.Append(ctx, stmt, false); err != nil {
		return err
	}
	c.entries[localID] = Entry{RemoteID: remoteID, Hash: hash, Persisted: true}
	return nil
}
