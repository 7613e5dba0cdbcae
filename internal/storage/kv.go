package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// KVLastSession is the key under which the CLI remembers the session to
// resume.
const KVLastSession = "session:last"

// KVSet stores a value. A zero ttl never expires.
func (db *DB) KVSet(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(ttl).UnixNano(), Valid: true}
	}

	_, err := db.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv_store (key, value, expires_at) VALUES (?, ?, ?)",
		key, value, expiresAt,
	)
	return err
}

// KVGet returns a value, or ErrNotFound when it is missing or expired.
func (db *DB) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	var expiresAt sql.NullInt64

	err := db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv_store WHERE key = ?",
		key,
	).Scan(&value, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if expiresAt.Valid && expiresAt.Int64 < time.Now().UnixNano() {
		_, _ = db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key)
		return "", ErrNotFound
	}

	return value, nil
}

// KVDelete removes a key, or returns ErrNotFound.
func (db *DB) KVDelete(ctx context.Context, key string) error {
	result, err := db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// KVCleanExpired deletes expired keys.
func (db *DB) KVCleanExpired(ctx context.Context) (int64, error) {
	result, err := db.ExecContext(ctx,
		"DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at < ?",
		time.Now().UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
