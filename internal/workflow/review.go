package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/questionflow/internal/events"
	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/storage"
	"github.com/pavelanni/questionflow/internal/store"
)

// Decision values recorded on the qc_reviews row.
const (
	DecisionRevision = "revision"
	DecisionAccept   = "accept"
	DecisionReject   = "reject"
)

// DecisionInput is a reviewer's verdict on a claimed question.
type DecisionInput struct {
	QuestionID int64            `validate:"required,gt=0"`
	Difficulty model.Difficulty `validate:"required,oneof=easy hard"`
	// Accept is required for hard questions and ignored for easy ones.
	Accept   *bool
	Notes    string   `validate:"max=4000"`
	Keywords []string `validate:"dive,keyword"`
	Evidence []storage.File
}

// DecisionResult is what SubmitDecision wrote.
type DecisionResult struct {
	Question   model.Question   `json:"question"`
	RevisionID int64            `json:"revision_id"`
	TargetRole model.Role       `json:"target_role"`
	Remarks    string           `json:"remarks,omitempty"`
	Evidence   []storage.Stored `json:"evidence,omitempty"`
}

// RouteRejection picks the role that must fix a rejected question from its keywords.
func RouteRejection(keywords []string) (model.Role, string) {
	for _, k := range keywords {
		if model.DataEntryKeywords[k] {
			return model.RoleDataEntry, model.RemarksSendToDataEntry
		}
	}
	return model.RoleQuestionMaker, model.RemarksSendToQuestionMaker
}

// PendingQuestions lists questions waiting for a reviewer.
func (s *Service) PendingQuestions(ctx context.Context, sess model.Session, opts model.ListOptions) ([]model.Question, error) {
	if err := s.require(sess, model.RoleQCData); err != nil {
		return nil, err
	}
	return s.store.ListQuestions(ctx, store.QuestionFilter{
		QCStatuses:  []model.QCStatus{model.QCPendingReview, model.QCUnderReview},
		ListOptions: opts,
	})
}

// ClaimedQuestions lists the questions the session's user currently holds.
func (s *Service) ClaimedQuestions(ctx context.Context, sess model.Session) ([]model.Question, error) {
	if err := s.require(sess, model.RoleQCData); err != nil {
		return nil, err
	}
	return s.store.ListQuestions(ctx, store.QuestionFilter{
		QCStatus:   model.QCUnderQCReview,
		ReviewerID: sess.User.ID,
	})
}

// StartReview claims a question for exclusive review by the session's user.
// Exactly one of several concurrent callers succeeds; the rest get ErrAlreadyTaken.
func (s *Service) StartReview(ctx context.Context, sess model.Session, questionID int64) (*model.Question, error) {
	if err := s.require(sess, model.RoleQCData); err != nil {
		return nil, err
	}
	q, err := s.question(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if q.QCStatus == model.QCUnderQCReview && q.QCReviewerID != nil && *q.QCReviewerID == sess.User.ID {
		return q, nil
	}
	switch q.QCStatus {
	case model.QCPendingReview, model.QCUnderReview, model.QCUnderQCReview:
	default:
		return nil, fmt.Errorf("claim question in %s: %w", q.QCStatus, ErrInvalidTransition)
	}

	limit := 0
	if s.cfg.EnforceQuota {
		qs, err := s.Quota(ctx, sess.User.ID)
		if err != nil {
			return nil, err
		}
		if qs.Band == BandFull {
			return nil, fmt.Errorf("%d of %d claimed: %w", qs.Current, qs.Max, ErrQuotaFull)
		}
		limit = qs.Max
	}

	ok, err := s.store.ClaimQuestion(ctx, questionID, sess.User.ID, limit, s.now())
	if err != nil {
		return nil, fmt.Errorf("claim question %d: %w", questionID, err)
	}
	if !ok {
		if limit > 0 {
			n, err := s.store.CountClaimedBy(ctx, sess.User.ID)
			if err != nil {
				return nil, fmt.Errorf("count claims: %w", err)
			}
			if n >= limit {
				return nil, fmt.Errorf("%d of %d claimed: %w", n, limit, ErrQuotaFull)
			}
		}
		return nil, fmt.Errorf("question %d: %w", questionID, ErrAlreadyTaken)
	}
	slog.Info("review started", "question_id", questionID, "reviewer_id", sess.User.ID)
	s.publish(ctx, events.Event{
		Kind:       events.QuestionClaimed,
		ActorID:    sess.User.ID,
		PackageID:  q.PackageID,
		QuestionID: questionID,
	})
	return s.question(ctx, questionID)
}

// ReleaseReview gives a claimed question back to the pending queue. Only the holder may release it.
func (s *Service) ReleaseReview(ctx context.Context, sess model.Session, questionID int64) error {
	if err := s.require(sess, model.RoleQCData); err != nil {
		return err
	}
	ok, err := s.store.ReleaseQuestion(ctx, questionID, sess.User.ID)
	if err != nil {
		return fmt.Errorf("release question %d: %w", questionID, err)
	}
	if !ok {
		if _, err := s.question(ctx, questionID); err != nil {
			return err
		}
		return fmt.Errorf("question %d: %w", questionID, ErrNotClaimHolder)
	}
	slog.Info("review released", "question_id", questionID, "reviewer_id", sess.User.ID)
	s.publish(ctx, events.Event{Kind: events.QuestionReleased, ActorID: sess.User.ID, QuestionID: questionID})
	return nil
}

// validateDecision applies the rules that depend on more than one field.
func validateDecision(in DecisionInput) error {
	if in.Difficulty != model.DifficultyHard {
		return nil
	}
	if in.Accept == nil {
		return invalid("accept", "required for hard questions")
	}
	if !*in.Accept {
		if in.Notes == "" {
			return invalid("notes", "required when rejecting")
		}
		if len(in.Keywords) == 0 {
			return invalid("keywords", "at least one keyword required when rejecting")
		}
	}
	return nil
}

// SubmitDecision records the reviewer's verdict on a question they hold. Evidence files are
// stored before anything is written; the question, its acceptance revision, and its review
// record then change together.
func (s *Service) SubmitDecision(ctx context.Context, sess model.Session, in DecisionInput) (*DecisionResult, error) {
	if err := s.require(sess, model.RoleQCData); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	if err := validateDecision(in); err != nil {
		return nil, err
	}

	q, err := s.question(ctx, in.QuestionID)
	if err != nil {
		return nil, err
	}
	if q.QCStatus != model.QCUnderQCReview || q.QCReviewerID == nil || *q.QCReviewerID != sess.User.ID {
		return nil, fmt.Errorf("question %d: %w", q.ID, ErrNotClaimHolder)
	}

	stored, err := s.storeFiles(ctx, fmt.Sprintf("evidence/question-%d", q.ID), in.Evidence)
	if err != nil {
		return nil, err
	}

	now := s.now()
	w := store.DecisionWrite{
		QuestionID: q.ID,
		ReviewerID: sess.User.ID,
		Difficulty: in.Difficulty,
		Now:        now,
		Acceptance: model.Revision{
			PackageID:    q.PackageID,
			Notes:        in.Notes,
			EvidenceURLs: storage.URLs(stored),
			RevisionType: model.RevisionAcceptance,
			RequestedBy:  sess.User.ID,
			Keywords:     in.Keywords,
		},
	}
	switch {
	case in.Difficulty == model.DifficultyEasy:
		w.Status = model.QuestionRevised
		w.QCStatus = model.QCRevisionRequested
		w.Decision = DecisionRevision
		w.Acceptance.TargetRole = model.RoleQuestionMaker
		w.Acceptance.Remarks = model.RemarksEasyQuestionRevision
		w.Acceptance.Status = model.RevisionPending
	case *in.Accept:
		w.Status = model.QuestionQCPassed
		w.QCStatus = model.QCApproved
		w.StampApprove = true
		w.Decision = DecisionAccept
		w.Acceptance.TargetRole = model.RoleQuestionMaker
		w.Acceptance.Status = model.RevisionApproved
	default:
		w.Status = model.QuestionRevised
		w.QCStatus = model.QCRejected
		w.StampReject = true
		w.Decision = DecisionReject
		w.Acceptance.TargetRole, w.Acceptance.Remarks = RouteRejection(in.Keywords)
		w.Acceptance.Status = model.RevisionPending
	}

	revID, err := s.store.ApplyDecision(ctx, w)
	if errors.Is(err, store.ErrClaimNotHeld) {
		return nil, fmt.Errorf("question %d: %w", q.ID, ErrNotClaimHolder)
	}
	if err != nil {
		return nil, fmt.Errorf("apply decision: %w", err)
	}

	e := events.Event{
		Kind:       events.DecisionSubmitted,
		ActorID:    sess.User.ID,
		PackageID:  q.PackageID,
		QuestionID: q.ID,
		RevisionID: revID,
		Remarks:    w.Acceptance.Remarks,
		Notes:      in.Notes,
	}
	if w.Acceptance.Status == model.RevisionPending {
		e.TargetRole = w.Acceptance.TargetRole
	}
	s.publish(ctx, e)

	updated, err := s.question(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	return &DecisionResult{
		Question:   *updated,
		RevisionID: revID,
		TargetRole: w.Acceptance.TargetRole,
		Remarks:    w.Acceptance.Remarks,
		Evidence:   stored,
	}, nil
}

// ExpireStaleClaims returns questions claimed longer than ttl ago to the pending queue.
// A zero ttl disables reclaiming.
func (s *Service) ExpireStaleClaims(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	stale, err := s.store.ListStaleClaims(ctx, s.now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("list stale claims: %w", err)
	}
	n := 0
	for _, q := range stale {
		if q.QCReviewerID == nil {
			continue
		}
		ok, err := s.store.ReleaseQuestion(ctx, q.ID, *q.QCReviewerID)
		if err != nil {
			return n, fmt.Errorf("release question %d: %w", q.ID, err)
		}
		if !ok {
			continue
		}
		n++
		slog.Info("stale claim expired", "question_id", q.ID, "reviewer_id", *q.QCReviewerID)
		s.publish(ctx, events.Event{Kind: events.QuestionReleased, QuestionID: q.ID, PackageID: q.PackageID})
	}
	return n, nil
}

// RunReclaimer sweeps stale claims every interval until ctx is done.
func (s *Service) RunReclaimer(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ExpireStaleClaims(ctx, ttl); err != nil {
				slog.Error("stale claim sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("stale claim sweep", "released", n)
			}
		}
	}
}
