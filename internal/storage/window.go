package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"ctxbudget/internal/window"
)

// WindowSnapshot is one persisted version of a session's window.
type WindowSnapshot struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Version   int             `json:"version"`
	Snapshot  window.Snapshot `json:"snapshot"`
	CreatedAt time.Time       `json:"created_at"`
}

// SessionInfo summarizes the snapshots stored for one session.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	Versions   int       `json:"versions"`
	UsedTokens int       `json:"used_tokens"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SaveWindow stores snap as the next version for the session.
func (db *DB) SaveWindow(ctx context.Context, sessionID string, snap window.Snapshot) error {
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		var version int
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(version), 0) FROM window_snapshots WHERE session_id = ?", sessionID,
		).Scan(&version); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO window_snapshots
				(id, session_id, version, max_tokens, used_tokens, policy, entries, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), sessionID, version+1, snap.MaxTokens, snap.UsedTokens, string(snap.Policy),
			string(entries), time.Now().UnixNano())
		return err
	})
}

// LatestWindow returns the newest snapshot of a session, or ErrNotFound.
func (db *DB) LatestWindow(ctx context.Context, sessionID string) (*WindowSnapshot, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, session_id, version, max_tokens, used_tokens, policy, entries, created_at
		FROM window_snapshots
		WHERE session_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, sessionID)
	ws, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ws, err
}

// LoadWindow returns the entries of the newest snapshot. A session with no
// snapshot has no entries.
func (db *DB) LoadWindow(ctx context.Context, sessionID string) ([]window.Entry, error) {
	ws, err := db.LatestWindow(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ws.Snapshot.Entries, nil
}

// ListSessions returns every session with stored snapshots, most recently
// updated first.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT s.session_id, s.versions, w.used_tokens, s.updated_at
		FROM (
			SELECT session_id, COUNT(*) AS versions, MAX(version) AS latest, MAX(created_at) AS updated_at
			FROM window_snapshots
			GROUP BY session_id
		) s
		JOIN window_snapshots w ON w.session_id = s.session_id AND w.version = s.latest
		ORDER BY s.updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var updated int64
		if err := rows.Scan(&info.SessionID, &info.Versions, &info.UsedTokens, &updated); err != nil {
			return nil, err
		}
		info.UpdatedAt = time.Unix(0, updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

// PruneWindows keeps the newest keep snapshots of a session and deletes
// the rest.
func (db *DB) PruneWindows(ctx context.Context, sessionID string, keep int) (int64, error) {
	result, err := db.ExecContext(ctx, `
		DELETE FROM window_snapshots
		WHERE session_id = ? AND version <= (
			SELECT COALESCE(MAX(version), 0) - ? FROM window_snapshots WHERE session_id = ?
		)
	`, sessionID, keep, sessionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanSnapshot(row *sql.Row) (*WindowSnapshot, error) {
	var ws WindowSnapshot
	var policy, entries string
	var created int64
	err := row.Scan(&ws.ID, &ws.SessionID, &ws.Version, &ws.Snapshot.MaxTokens, &ws.Snapshot.UsedTokens,
		&policy, &entries, &created)
	if err != nil {
		return nil, err
	}
	ws.Snapshot.Policy = window.Policy(policy)
	ws.CreatedAt = time.Unix(0, created)
	if entries != "" {
		if err := json.Unmarshal([]byte(entries), &ws.Snapshot.Entries); err != nil {
			return nil, err
		}
	}
	return &ws, nil
}
