package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/questionflow/internal/model"
)

// ErrClaimNotHeld is returned by ApplyDecision when the reviewer no longer holds the question.
var ErrClaimNotHeld = errors.New("question is not claimed by this reviewer")

// ErrRevisionClosed is returned when responding to a revision that is no longer pending.
var ErrRevisionClosed = errors.New("revision is not pending")

const revisionColumns = `id, package_id, question_id, target_role, notes, evidence_urls, status,
	revision_type, remarks, requested_by, responded_by, responded_at, keywords, created_at, updated_at`

func scanRevision(sc scanner) (model.Revision, error) {
	var r model.Revision
	var evidence, keywords string
	err := sc.Scan(&r.ID, &r.PackageID, &r.QuestionID, &r.TargetRole, &r.Notes, &evidence, &r.Status,
		&r.RevisionType, &r.Remarks, &r.RequestedBy, &r.RespondedBy, &r.RespondedAt, &keywords,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if r.EvidenceURLs, err = decodeList(evidence); err != nil {
		return r, err
	}
	if r.Keywords, err = decodeList(keywords); err != nil {
		return r, err
	}
	return r, nil
}

// RevisionFilter narrows ListRevisions. Zero values mean no filtering on that field.
type RevisionFilter struct {
	TargetRole   model.Role
	RequestedBy  int64
	PackageID    int64
	QuestionID   int64
	RevisionType model.RevisionType
	Status       model.RevisionStatus
	model.ListOptions
}

// CreateRevision inserts a revision record.
func (s *Store) CreateRevision(ctx context.Context, r model.Revision) (int64, error) {
	return insertRevision(ctx, s.db, r, time.Now())
}

func insertRevision(ctx context.Context, db queryer, r model.Revision, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO revisions (package_id, question_id, target_role, notes, evidence_urls, status,
		 revision_type, remarks, requested_by, keywords, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PackageID, r.QuestionID, r.TargetRole, r.Notes, encodeList(r.EvidenceURLs), r.Status,
		r.RevisionType, r.Remarks, r.RequestedBy, encodeList(r.Keywords), now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetRevision returns a revision by ID, or nil.
func (s *Store) GetRevision(ctx context.Context, id int64) (*model.Revision, error) {
	r, err := scanRevision(s.db.QueryRowContext(ctx,
		`SELECT `+revisionColumns+` FROM revisions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetAcceptance returns the live acceptance revision for a question, or nil.
func (s *Store) GetAcceptance(ctx context.Context, questionID int64) (*model.Revision, error) {
	r, err := scanRevision(s.db.QueryRowContext(ctx,
		`SELECT `+revisionColumns+` FROM revisions WHERE question_id = ? AND revision_type = ?`,
		questionID, model.RevisionAcceptance))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRevisions returns revisions matching the filter, newest first.
func (s *Store) ListRevisions(ctx context.Context, f RevisionFilter) ([]model.Revision, error) {
	query := `SELECT ` + revisionColumns + ` FROM revisions WHERE 1=1`
	var args []any
	if f.TargetRole != "" {
		query += ` AND target_role = ?`
		args = append(args, f.TargetRole)
	}
	if f.RequestedBy != 0 {
		query += ` AND requested_by = ?`
		args = append(args, f.RequestedBy)
	}
	if f.PackageID != 0 {
		query += ` AND package_id = ?`
		args = append(args, f.PackageID)
	}
	if f.QuestionID != 0 {
		query += ` AND question_id = ?`
		args = append(args, f.QuestionID)
	}
	if f.RevisionType != "" {
		query += ` AND revision_type = ?`
		args = append(args, f.RevisionType)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY id DESC`
	query, args = paginate(query, args, f.ListOptions)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Revision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RespondRevision closes a pending revision with the responder's decision.
// It returns ErrRevisionClosed when the revision has already been answered.
func (s *Store) RespondRevision(ctx context.Context, id int64, status model.RevisionStatus, respondedBy int64) error {
	return respondRevision(ctx, s.db, id, status, respondedBy, time.Now())
}

func respondRevision(ctx context.Context, db queryer, id int64, status model.RevisionStatus, respondedBy int64, now time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE revisions SET status = ?, responded_by = ?, responded_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status, respondedBy, now, now, id, model.RevisionPending,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("revision %d: %w", id, ErrRevisionClosed)
	}
	return nil
}

// SetRevisionStatus moves a revision to status, stamping the responder.
func (s *Store) SetRevisionStatus(ctx context.Context, id int64, status model.RevisionStatus, respondedBy int64) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE revisions SET status = ?, responded_by = ?, responded_at = ?, updated_at = ? WHERE id = ?`,
		status, respondedBy, now, now, id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "revision", id)
}

// UpsertAcceptance writes the live acceptance revision for r.QuestionID,
// updating the existing row when there is one.
func (s *Store) UpsertAcceptance(ctx context.Context, r model.Revision) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := upsertAcceptance(ctx, tx, r, time.Now())
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func upsertAcceptance(ctx context.Context, db queryer, r model.Revision, now time.Time) (int64, error) {
	if r.QuestionID == nil {
		return 0, fmt.Errorf("acceptance revision requires a question")
	}
	r.RevisionType = model.RevisionAcceptance

	var id int64
	err := db.QueryRowContext(ctx,
		`SELECT id FROM revisions WHERE question_id = ? AND revision_type = ?`,
		*r.QuestionID, model.RevisionAcceptance,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return insertRevision(ctx, db, r, now)
	}
	if err != nil {
		return 0, err
	}
	_, err = db.ExecContext(ctx,
		`UPDATE revisions SET package_id = ?, target_role = ?, notes = ?, evidence_urls = ?, status = ?,
		 remarks = ?, requested_by = ?, responded_by = NULL, responded_at = NULL, keywords = ?, updated_at = ?
		 WHERE id = ?`,
		r.PackageID, r.TargetRole, r.Notes, encodeList(r.EvidenceURLs), r.Status, r.Remarks,
		r.RequestedBy, encodeList(r.Keywords), now, id,
	)
	return id, err
}

// DecisionWrite is everything a QC decision changes, applied in one transaction.
type DecisionWrite struct {
	QuestionID   int64
	ReviewerID   int64
	Difficulty   model.Difficulty
	Status       model.QuestionStatus
	QCStatus     model.QCStatus
	StampApprove bool
	StampReject  bool
	Decision     string
	Acceptance   model.Revision
	Now          time.Time
}

// ApplyDecision updates the question, upserts its acceptance revision, and upserts its
// qc_reviews row. The question must still be claimed by the reviewer.
// approved_at is only set when it is empty.
func (s *Store) ApplyDecision(ctx context.Context, d DecisionWrite) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE questions SET status = ?, qc_status = ?, qc_difficulty_level = ?,
		 approved_at = CASE WHEN ? THEN COALESCE(approved_at, ?) ELSE approved_at END,
		 rejected_at = CASE WHEN ? THEN ? ELSE rejected_at END,
		 qc_reviewer_id = NULL, qc_review_started_at = NULL, updated_at = ?
		 WHERE id = ? AND qc_reviewer_id = ? AND qc_status = ?`,
		d.Status, d.QCStatus, d.Difficulty,
		d.StampApprove, d.Now,
		d.StampReject, d.Now,
		d.Now, d.QuestionID, d.ReviewerID, model.QCUnderQCReview,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("question %d: %w", d.QuestionID, ErrClaimNotHeld)
	}

	qid := d.QuestionID
	d.Acceptance.QuestionID = &qid
	revID, err := upsertAcceptance(ctx, tx, d.Acceptance, d.Now)
	if err != nil {
		return 0, fmt.Errorf("upsert acceptance: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO qc_reviews (question_id, reviewer_id, difficulty, decision, status, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(question_id) DO UPDATE SET reviewer_id = excluded.reviewer_id,
		 difficulty = excluded.difficulty, decision = excluded.decision, status = excluded.status,
		 notes = excluded.notes, updated_at = excluded.updated_at`,
		d.QuestionID, d.ReviewerID, d.Difficulty, d.Decision, d.QCStatus, d.Acceptance.Notes, d.Now, d.Now,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert qc review: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	slog.Info("applied QC decision", "question_id", d.QuestionID, "reviewer_id", d.ReviewerID,
		"qc_status", d.QCStatus, "revision_id", revID)
	return revID, nil
}

// GetQCReview returns the qc_reviews row for a question, or nil.
func (s *Store) GetQCReview(ctx context.Context, questionID int64) (*model.QCReview, error) {
	var r model.QCReview
	err := s.db.QueryRowContext(ctx,
		`SELECT id, question_id, reviewer_id, difficulty, decision, status, notes, created_at, updated_at
		 FROM qc_reviews WHERE question_id = ?`, questionID,
	).Scan(&r.ID, &r.QuestionID, &r.ReviewerID, &r.Difficulty, &r.Decision, &r.Status, &r.Notes,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetQCReviewStatus updates the qc_reviews row for a question if one exists.
// It reports whether a row was present.
func (s *Store) SetQCReviewStatus(ctx context.Context, questionID int64, status model.QCStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE qc_reviews SET status = ?, updated_at = ? WHERE question_id = ?`,
		status, time.Now(), questionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecreateFromEasyRevision hands an easy-question revision over to data entry: the original
// revision is marked sent, a recreation revision is created, and the question is flagged
// for recreation. All three writes share one transaction.
func (s *Store) RecreateFromEasyRevision(ctx context.Context, originalID, respondedBy int64, evidence []string, recreation model.Revision) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := time.Now()

	res, err := tx.ExecContext(ctx,
		`UPDATE revisions SET status = ?, responded_by = ?, responded_at = ?, evidence_urls = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		model.RevisionSendToDataEntry, respondedBy, now, encodeList(evidence), now,
		originalID, model.RevisionPending,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("revision %d: %w", originalID, ErrRevisionClosed)
	}

	newID, err := insertRevision(ctx, tx, recreation, now)
	if err != nil {
		return 0, fmt.Errorf("insert recreation: %w", err)
	}

	if recreation.QuestionID != nil {
		res, err = tx.ExecContext(ctx,
			`UPDATE questions SET qc_status = ?, updated_at = ? WHERE id = ?`,
			model.QCRecreateQuestion, now, *recreation.QuestionID)
		if err != nil {
			return 0, err
		}
		if err := requireRow(res, "question", *recreation.QuestionID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	slog.Info("sent easy revision to data entry", "revision_id", originalID, "recreation_id", newID)
	return newID, nil
}
