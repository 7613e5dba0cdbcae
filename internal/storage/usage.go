package storage

import (
	"context"
	"time"

	"ctxbudget/internal/cost"
)

var _ cost.HistoryStore = (*DB)(nil)

// AppendUsage stores one usage record. Records are append-only; a repeated
// ID is ignored.
func (db *DB) AppendUsage(ctx context.Context, rec cost.UsageRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO usage_records
			(id, session_id, model_id, prompt_tokens, completion_tokens, cached_tokens, cost, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, rec.ModelID, rec.PromptTokens, rec.CompletionTokens, rec.CachedTokens,
		rec.Cost, rec.Timestamp.UnixNano())
	return err
}

// ListUsage returns records at or after since, oldest first. When limit is
// positive only the newest limit records are returned.
func (db *DB) ListUsage(ctx context.Context, since time.Time, limit int) ([]cost.UsageRecord, error) {
	query := `
		SELECT id, session_id, model_id, prompt_tokens, completion_tokens, cached_tokens, cost, ts
		FROM usage_records
		WHERE ts >= ?
		ORDER BY ts DESC, id DESC`
	args := []any{sinceNanos(since)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cost.UsageRecord
	for rows.Next() {
		var rec cost.UsageRecord
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ModelID, &rec.PromptTokens,
			&rec.CompletionTokens, &rec.CachedTokens, &rec.Cost, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(0, ts)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneUsage deletes records older than before and returns how many were
// removed.
func (db *DB) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, "DELETE FROM usage_records WHERE ts < ?", before.UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountUsage returns the number of stored records.
func (db *DB) CountUsage(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM usage_records").Scan(&n)
	return n, err
}

func sinceNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
