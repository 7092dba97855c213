package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/angel1411337-del/WriterOS-sub000/pkg/store"
)

// Pending returns the candidates in scope awaiting review, highest score first.
func (s *Sweeper) Pending(ctx context.Context, scope string) ([]*store.EntityMergeCandidate, error) {
	return s.store.ListMergeCandidates(ctx, scope, store.CandidatePending)
}

// Approve marks a pending candidate approved. Only approved candidates can be merged.
func (s *Sweeper) Approve(ctx context.Context, candidateID, actor, note string) (*store.EntityMergeCandidate, error) {
	return s.resolve(ctx, candidateID, store.CandidateApproved, actor, note)
}

// Reject marks a pending candidate rejected. A later sweep may propose the pair again.
func (s *Sweeper) Reject(ctx context.Context, candidateID, actor, note string) (*store.EntityMergeCandidate, error) {
	return s.resolve(ctx, candidateID, store.CandidateRejected, actor, note)
}

func (s *Sweeper) resolve(ctx context.Context, candidateID string, status store.CandidateStatus, actor, note string) (*store.EntityMergeCandidate, error) {
	var out *store.EntityMergeCandidate
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetMergeCandidate(ctx, candidateID)
		if err != nil {
			return err
		}
		if c.Status != store.CandidatePending {
			return fmt.Errorf("%w: candidate %s is %s, not pending", store.ErrValidation, c.ID, c.Status)
		}
		now := time.Now()
		c.Status = status
		c.ResolvedBy = actor
		c.ResolvedAt = &now
		c.ResolutionNote = note
		if err := tx.UpdateMergeCandidate(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("merge candidate reviewed",
		"candidate_id", out.ID,
		"scope", out.Scope,
		"status", string(out.Status),
		"actor", actor,
	)
	return out, nil
}
