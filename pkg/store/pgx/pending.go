package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/vladm3105/tradegent/pkg/common"
)

func (s *Store) SavePending(ctx context.Context, rec common.PendingCommit) (common.PendingCommit, error) {
	return savePending(ctx, s.conn, rec)
}

func (s *Store) SavePendingAll(ctx context.Context, recs []common.PendingCommit) ([]common.PendingCommit, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	saved, err := savePendingAll(ctx, tx, recs)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return saved, nil
}

func savePendingAll(ctx context.Context, q querier, recs []common.PendingCommit) ([]common.PendingCommit, error) {
	out := make([]common.PendingCommit, 0, len(recs))
	for _, rec := range recs {
		saved, err := savePending(ctx, q, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, saved)
	}
	return out, nil
}

// savePending inserts rec. An open flagged record of the same document and
// element takes the new payload and keeps its ID.
func savePending(ctx context.Context, q querier, rec common.PendingCommit) (common.PendingCommit, error) {
	if rec.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return common.PendingCommit{}, err
		}
		rec.ID = id
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return common.PendingCommit{}, fmt.Errorf("%w: pending payload: %v", common.ErrMalformed, err)
	}
	err = q.QueryRow(ctx, insertPendingSQL,
		rec.ID,
		rec.DocID,
		payload,
		rec.Confidence,
		rec.RetryCount,
		rec.LastError,
		string(rec.Status),
		rec.Reason,
		rec.ElementRef(),
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return common.PendingCommit{}, fmt.Errorf("save pending %s: %w", rec.ID, err)
	}
	return rec, nil
}

func (s *Store) GetPending(ctx context.Context, id string) (common.PendingCommit, error) {
	rows, err := s.conn.Query(ctx, selectPendingSQL+` WHERE id = $1`, id)
	if err != nil {
		return common.PendingCommit{}, err
	}
	recs, err := collectPending(rows)
	if err != nil {
		return common.PendingCommit{}, err
	}
	if len(recs) == 0 {
		return common.PendingCommit{}, fmt.Errorf("%w: pending commit %s", common.ErrNotFound, id)
	}
	return recs[0], nil
}

func (s *Store) ListPending(ctx context.Context, status common.PendingStatus, limit int) ([]common.PendingCommit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(ctx, selectPendingSQL+` WHERE status = $1 ORDER BY created_at, id LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectPending(rows)
}

func (s *Store) UpdatePending(ctx context.Context, rec common.PendingCommit) error {
	tag, err := s.conn.Exec(ctx, updatePendingSQL, rec.ID, rec.RetryCount, rec.LastError, string(rec.Status), rec.Reason)
	if err != nil {
		return fmt.Errorf("update pending %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pending commit %s", common.ErrNotFound, rec.ID)
	}
	return nil
}

func collectPending(rows pgxv5.Rows) ([]common.PendingCommit, error) {
	defer rows.Close()
	var out []common.PendingCommit
	for rows.Next() {
		var rec common.PendingCommit
		var payload []byte
		var status string
		var created, updated time.Time
		if err := rows.Scan(
			&rec.ID, &rec.DocID, &payload, &rec.Confidence, &rec.RetryCount,
			&rec.LastError, &status, &rec.Reason, &created, &updated,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, errors.Join(common.ErrMalformed, fmt.Errorf("pending %s payload: %w", rec.ID, err))
		}
		rec.Status = common.PendingStatus(status)
		rec.CreatedAt, rec.UpdatedAt = created, updated
		out = append(out, rec)
	}
	return out, rows.Err()
}

const insertPendingSQL = `
INSERT INTO pending_commits (id, doc_id, payload, confidence, retry_count, last_error, status, reason, element_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (doc_id, element_ref) WHERE status = 'flagged-for-review' AND element_ref <> ''
DO UPDATE SET payload = EXCLUDED.payload, confidence = EXCLUDED.confidence, updated_at = now()
RETURNING id, created_at, updated_at;
`

const selectPendingSQL = `
SELECT id, doc_id, payload, confidence, retry_count, last_error, status, reason, created_at, updated_at
FROM pending_commits`

const updatePendingSQL = `
UPDATE pending_commits
SET retry_count = $2, last_error = $3, status = $4, reason = $5, updated_at = now()
WHERE id = $1;
`
