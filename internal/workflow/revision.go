package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/questionflow/internal/events"
	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/storage"
	"github.com/pavelanni/questionflow/internal/store"
)

// Steps of an acceptance update, in the order they are applied.
const (
	StepQuestion = "question"
	StepRevision = "revision"
	StepQCReview = "qc_review"
)

// PartialUpdateError reports an acceptance update that edited the question but could not
// finish the remaining steps. Running the update again for the same revision completes it.
type PartialUpdateError struct {
	RevisionID int64
	Completed  []string
	Failed     string
	Err        error
}

func (e *PartialUpdateError) Error() string {
	return fmt.Sprintf("revision %d partially updated (done: %s): %s step failed: %v",
		e.RevisionID, strings.Join(e.Completed, ","), e.Failed, e.Err)
}

func (e *PartialUpdateError) Unwrap() error { return e.Err }

// RequestInput asks another role to fix something about a package.
type RequestInput struct {
	PackageID  int64      `validate:"required,gt=0"`
	TargetRole model.Role `validate:"required,role,ne=administrator"`
	Notes      string     `validate:"required,max=4000"`
	Keywords   []string   `validate:"dive,keyword"`
	Evidence   []storage.File
}

// CreateRequest opens a package-level revision request for the target role.
func (s *Service) CreateRequest(ctx context.Context, sess model.Session, in RequestInput) (*model.Revision, error) {
	if !sess.User.Role.Valid() {
		return nil, ErrForbidden
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	p, err := s.pkg(ctx, in.PackageID)
	if err != nil {
		return nil, err
	}
	stored, err := s.storeFiles(ctx, fmt.Sprintf("evidence/package-%d", p.ID), in.Evidence)
	if err != nil {
		return nil, err
	}
	id, err := s.store.CreateRevision(ctx, model.Revision{
		PackageID:    p.ID,
		TargetRole:   in.TargetRole,
		Notes:        in.Notes,
		EvidenceURLs: storage.URLs(stored),
		Status:       model.RevisionPending,
		RevisionType: model.RevisionRequest,
		RequestedBy:  sess.User.ID,
		Keywords:     in.Keywords,
	})
	if err != nil {
		return nil, fmt.Errorf("create revision: %w", err)
	}
	if err := s.store.UpdatePackageStatus(ctx, p.ID, model.PackageRevision); err != nil {
		return nil, fmt.Errorf("update package status: %w", err)
	}
	slog.Info("revision requested", "revision_id", id, "package_id", p.ID, "target_role", in.TargetRole)
	s.publish(ctx, events.Event{
		Kind:       events.RevisionCreated,
		ActorID:    sess.User.ID,
		PackageID:  p.ID,
		RevisionID: id,
		TargetRole: in.TargetRole,
		Notes:      in.Notes,
	})
	return s.revision(ctx, id)
}

// RespondRequest approves or rejects a pending package-level request addressed to the
// caller's role. Approving with a replacement file swaps the package's source document.
func (s *Service) RespondRequest(ctx context.Context, sess model.Session, revisionID int64, approve bool, replacement *storage.File) (*model.Revision, error) {
	r, err := s.revision(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	if r.RevisionType != model.RevisionRequest {
		return nil, fmt.Errorf("respond to %s revision: %w", r.RevisionType, ErrInvalidTransition)
	}
	if err := s.require(sess, r.TargetRole); err != nil {
		return nil, err
	}
	if r.Status != model.RevisionPending {
		return nil, fmt.Errorf("revision %d: %w", r.ID, ErrRevisionClosed)
	}

	var stored []storage.Stored
	if approve && replacement != nil {
		if stored, err = s.storeFiles(ctx, "packages", []storage.File{*replacement}); err != nil {
			return nil, err
		}
	}

	status := model.RevisionRejected
	if approve {
		status = model.RevisionApproved
	}
	if err := s.store.RespondRevision(ctx, r.ID, status, sess.User.ID); err != nil {
		return nil, fmt.Errorf("respond revision: %w", err)
	}
	if len(stored) > 0 {
		if err := s.store.ReplacePackageSource(ctx, r.PackageID, stored[0].Object.URL, stored[0].Object.Path); err != nil {
			return nil, fmt.Errorf("replace package source: %w", err)
		}
	}
	if approve {
		if err := s.store.UpdatePackageStatus(ctx, r.PackageID, model.PackagePending); err != nil {
			return nil, fmt.Errorf("update package status: %w", err)
		}
	}
	s.publish(ctx, events.Event{
		Kind:       events.RevisionResponded,
		ActorID:    sess.User.ID,
		PackageID:  r.PackageID,
		RevisionID: r.ID,
	})
	return s.revision(ctx, r.ID)
}

// ApproveEasyRevision hands an easy-question revision to data entry for recreation.
// The original revision is marked sent, a recreation revision is opened for data entry,
// and the question is flagged for recreation.
func (s *Service) ApproveEasyRevision(ctx context.Context, sess model.Session, revisionID int64, upload *storage.File) (*model.Revision, error) {
	if err := s.require(sess, model.RoleQuestionMaker); err != nil {
		return nil, err
	}
	r, err := s.revision(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	if r.RevisionType != model.RevisionAcceptance || r.Remarks != model.RemarksEasyQuestionRevision || r.QuestionID == nil {
		return nil, fmt.Errorf("revision %d is not an easy-question revision: %w", r.ID, ErrInvalidTransition)
	}
	if r.Status != model.RevisionPending {
		return nil, fmt.Errorf("revision %d: %w", r.ID, ErrRevisionClosed)
	}

	var files []storage.File
	if upload != nil {
		files = append(files, *upload)
	}
	stored, err := s.storeFiles(ctx, fmt.Sprintf("evidence/question-%d", *r.QuestionID), files)
	if err != nil {
		return nil, err
	}
	evidence := append(append([]string{}, r.EvidenceURLs...), storage.URLs(stored)...)

	qid := *r.QuestionID
	newID, err := s.store.RecreateFromEasyRevision(ctx, r.ID, sess.User.ID, evidence, model.Revision{
		PackageID:    r.PackageID,
		QuestionID:   &qid,
		TargetRole:   model.RoleDataEntry,
		Notes:        r.Notes,
		EvidenceURLs: evidence,
		Status:       model.RevisionPending,
		RevisionType: model.RevisionRecreation,
		Remarks:      model.RemarksRecreateQuestion,
		RequestedBy:  sess.User.ID,
		Keywords:     r.Keywords,
	})
	if errors.Is(err, store.ErrRevisionClosed) {
		return nil, fmt.Errorf("revision %d: %w", r.ID, ErrRevisionClosed)
	}
	if err != nil {
		return nil, fmt.Errorf("recreate question: %w", err)
	}
	s.publish(ctx, events.Event{
		Kind:       events.RevisionCreated,
		ActorID:    sess.User.ID,
		PackageID:  r.PackageID,
		QuestionID: qid,
		RevisionID: newID,
		TargetRole: model.RoleDataEntry,
		Remarks:    model.RemarksRecreateQuestion,
		Notes:      r.Notes,
	})
	return s.revision(ctx, newID)
}

// UpdateAcceptance applies the target role's fix for a rejected or recreated question.
// Steps run in order: the question is edited and sent back to review, the revision is
// completed, and the review record is reopened. A failure editing the question aborts;
// a later failure returns a *PartialUpdateError and may be retried with the same input.
func (s *Service) UpdateAcceptance(ctx context.Context, sess model.Session, revisionID int64, c QuestionContent) (*model.Question, error) {
	r, err := s.revision(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	if r.RevisionType == model.RevisionRequest || r.QuestionID == nil {
		return nil, fmt.Errorf("revision %d has no question to update: %w", r.ID, ErrInvalidTransition)
	}
	if r.Remarks == model.RemarksEasyQuestionRevision {
		return nil, fmt.Errorf("easy-question revision %d goes through recreation: %w", r.ID, ErrInvalidTransition)
	}
	if err := s.require(sess, r.TargetRole); err != nil {
		return nil, err
	}
	switch r.Status {
	case model.RevisionPending, model.RevisionCompleted:
	default:
		return nil, fmt.Errorf("revision %d: %w", r.ID, ErrRevisionClosed)
	}
	if err := s.check(c); err != nil {
		return nil, err
	}
	if err := validateContent(c); err != nil {
		return nil, err
	}

	q, err := s.question(ctx, *r.QuestionID)
	if err != nil {
		return nil, err
	}

	var done []string
	if r.Status == model.RevisionPending {
		switch q.QCStatus {
		case model.QCRejected, model.QCRecreateQuestion, model.QCUnderReview:
		default:
			return nil, fmt.Errorf("update question in %s: %w", q.QCStatus, ErrInvalidTransition)
		}
		stored, err := s.storeFiles(ctx, fmt.Sprintf("questions/package-%d", q.PackageID), c.Attachments)
		if err != nil {
			return nil, err
		}
		c.apply(q, stored)
		if err := s.store.UpdateQuestionContent(ctx, *q, model.QuestionActive, model.QCUnderReview); err != nil {
			return nil, fmt.Errorf("update question %d: %w", q.ID, err)
		}
		done = append(done, StepQuestion)

		if err := s.store.RespondRevision(ctx, r.ID, model.RevisionCompleted, sess.User.ID); err != nil {
			return nil, s.partial(r.ID, done, StepRevision, err)
		}
	} else {
		// A completed revision may only be retried to finish step (c) for a question
		// that is still back in review; the content it carries was applied already.
		if q.QCStatus != model.QCUnderReview {
			return nil, fmt.Errorf("revision %d, question in %s: %w", r.ID, q.QCStatus, ErrRevisionClosed)
		}
		done = append(done, StepQuestion)
	}
	done = append(done, StepRevision)

	if _, err := s.store.SetQCReviewStatus(ctx, q.ID, model.QCUnderReview); err != nil {
		return nil, s.partial(r.ID, done, StepQCReview, err)
	}

	slog.Info("acceptance updated", "revision_id", r.ID, "question_id", q.ID, "by", sess.User.ID)
	s.publish(ctx, events.Event{
		Kind:       events.RevisionCompleted,
		ActorID:    sess.User.ID,
		PackageID:  q.PackageID,
		QuestionID: q.ID,
		RevisionID: r.ID,
	})
	return s.question(ctx, q.ID)
}

func (s *Service) partial(revisionID int64, done []string, failed string, err error) error {
	pe := &PartialUpdateError{RevisionID: revisionID, Completed: done, Failed: failed, Err: err}
	slog.Error("acceptance update incomplete", "revision_id", revisionID,
		"completed", strings.Join(done, ","), "failed", failed, "error", err)
	return pe
}

// Incoming lists revisions addressed to role. An empty role means the caller's own role;
// administrators asking for no particular role see everything.
func (s *Service) Incoming(ctx context.Context, sess model.Session, role model.Role, f store.RevisionFilter) ([]model.Revision, error) {
	if role == "" && sess.User.Role != model.RoleAdministrator {
		role = sess.User.Role
	}
	if role != "" {
		if err := s.require(sess, role); err != nil {
			return nil, err
		}
	}
	f.TargetRole = role
	f.RequestedBy = 0
	return s.store.ListRevisions(ctx, f)
}

// Outgoing lists revisions the caller requested.
func (s *Service) Outgoing(ctx context.Context, sess model.Session, f store.RevisionFilter) ([]model.Revision, error) {
	f.RequestedBy = sess.User.ID
	f.TargetRole = ""
	return s.store.ListRevisions(ctx, f)
}

// Revision returns one revision visible to the caller.
func (s *Service) Revision(ctx context.Context, sess model.Session, id int64) (*model.Revision, error) {
	r, err := s.revision(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.RequestedBy != sess.User.ID && !sess.Can(r.TargetRole) {
		return nil, fmt.Errorf("revision %d: %w", id, ErrForbidden)
	}
	return r, nil
}
