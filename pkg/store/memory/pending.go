package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/vladm3105/tradegent/pkg/common"
)

func (s *Store) SavePending(ctx context.Context, rec common.PendingCommit) (common.PendingCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingErr != nil {
		return common.PendingCommit{}, s.pendingErr
	}
	return s.savePending(rec), nil
}

func (s *Store) SavePendingAll(ctx context.Context, recs []common.PendingCommit) ([]common.PendingCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingErr != nil {
		return nil, s.pendingErr
	}
	out := make([]common.PendingCommit, len(recs))
	for i, rec := range recs {
		out[i] = s.savePending(rec)
	}
	return out, nil
}

// savePending stores rec, or refreshes the open flagged record of the same
// document and element. Callers hold s.mu.
func (s *Store) savePending(rec common.PendingCommit) common.PendingCommit {
	now := s.now()
	if rec.Status == common.PendingFlagged {
		if ref := rec.ElementRef(); ref != "" {
			for id, cur := range s.pending {
				if cur.Status == common.PendingFlagged && cur.DocID == rec.DocID && cur.ElementRef() == ref {
					cur.Payload, cur.Confidence, cur.UpdatedAt = rec.Payload, rec.Confidence, now
					s.pending[id] = cur
					return cur
				}
			}
		}
	}
	if rec.ID == "" {
		s.seq++
		rec.ID = fmt.Sprintf("pc-%04d", s.seq)
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	s.pending[rec.ID] = rec
	return rec
}

func (s *Store) GetPending(ctx context.Context, id string) (common.PendingCommit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.pending[id]
	if !ok {
		return common.PendingCommit{}, fmt.Errorf("%w: pending commit %s", common.ErrNotFound, id)
	}
	return rec, nil
}

func (s *Store) ListPending(ctx context.Context, status common.PendingStatus, limit int) ([]common.PendingCommit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []common.PendingCommit
	for _, rec := range s.pending {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdatePending(ctx context.Context, rec common.PendingCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.pending[rec.ID]
	if !ok {
		return fmt.Errorf("%w: pending commit %s", common.ErrNotFound, rec.ID)
	}
	cur.RetryCount = rec.RetryCount
	cur.LastError = rec.LastError
	cur.Status = rec.Status
	cur.Reason = rec.Reason
	cur.UpdatedAt = s.now()
	s.pending[rec.ID] = cur
	return nil
}
