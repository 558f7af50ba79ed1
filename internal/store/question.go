package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/questionflow/internal/model"
)

// FirstSequenceNumber is the sequence number of the first question in a package.
const FirstSequenceNumber = 100

const questionColumns = `id, inhouse_id, package_id, sequence_number, subject_id, chapter_id, topic_id,
	concept_title_id, type, body, options, correct_option, correct_answer, solution, attachments,
	status, qc_status, qc_reviewer_id, qc_review_started_at, qc_difficulty_level, approved_at,
	rejected_at, created_by, created_at, updated_at`

func scanQuestion(sc scanner) (model.Question, error) {
	var q model.Question
	var options, attachments string
	err := sc.Scan(&q.ID, &q.InhouseID, &q.PackageID, &q.SequenceNumber, &q.SubjectID, &q.ChapterID,
		&q.TopicID, &q.ConceptTitleID, &q.Type, &q.Body, &options, &q.CorrectOption, &q.CorrectAnswer,
		&q.Solution, &attachments, &q.Status, &q.QCStatus, &q.QCReviewerID, &q.QCReviewStartedAt,
		&q.QCDifficulty, &q.ApprovedAt, &q.RejectedAt, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return q, err
	}
	if q.Options, err = decodeList(options); err != nil {
		return q, err
	}
	if q.Attachments, err = decodeList(attachments); err != nil {
		return q, err
	}
	return q, nil
}

// QuestionFilter narrows ListQuestions. Zero values mean no filtering on that field.
type QuestionFilter struct {
	PackageID  int64
	QCStatus   model.QCStatus
	QCStatuses []model.QCStatus
	ReviewerID int64
	CreatedBy  int64
	model.ListOptions
}

// InsertQuestion assigns the next sequence number in the question's package and stores it.
// The inhouse ID is derived from the assigned sequence number by inhouseID.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question, inhouseID func(seq int) string) (model.Question, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(sequence_number) FROM questions WHERE package_id = ?`, q.PackageID,
	).Scan(&maxSeq)
	if err != nil {
		return q, err
	}
	q.SequenceNumber = FirstSequenceNumber
	if maxSeq.Valid {
		q.SequenceNumber = int(maxSeq.Int64) + 1
	}
	q.InhouseID = inhouseID(q.SequenceNumber)
	q.Status = model.QuestionActive
	q.QCStatus = model.QCPendingReview
	q.QCReviewerID = nil
	now := time.Now()
	q.CreatedAt, q.UpdatedAt = now, now

	res, err := tx.ExecContext(ctx,
		`INSERT INTO questions (inhouse_id, package_id, sequence_number, subject_id, chapter_id, topic_id,
		 concept_title_id, type, body, options, correct_option, correct_answer, solution, attachments,
		 status, qc_status, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.InhouseID, q.PackageID, q.SequenceNumber, q.SubjectID, q.ChapterID, q.TopicID,
		q.ConceptTitleID, q.Type, q.Body, encodeList(q.Options), q.CorrectOption, q.CorrectAnswer,
		q.Solution, encodeList(q.Attachments), q.Status, q.QCStatus, q.CreatedBy, now, now,
	)
	if err != nil {
		return q, err
	}
	if q.ID, err = res.LastInsertId(); err != nil {
		return q, err
	}
	if err := tx.Commit(); err != nil {
		return q, err
	}
	slog.Info("created question", "id", q.ID, "inhouse_id", q.InhouseID, "package_id", q.PackageID)
	return q, nil
}

// GetQuestion returns a question by ID, or nil.
func (s *Store) GetQuestion(ctx context.Context, id int64) (*model.Question, error) {
	return getQuestion(ctx, s.db, id)
}

func getQuestion(ctx context.Context, db queryer, id int64) (*model.Question, error) {
	q, err := scanQuestion(db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// ListQuestions returns questions matching the filter ordered by package and sequence.
func (s *Store) ListQuestions(ctx context.Context, f QuestionFilter) ([]model.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions WHERE 1=1`
	var args []any
	if f.PackageID != 0 {
		query += ` AND package_id = ?`
		args = append(args, f.PackageID)
	}
	if f.QCStatus != "" {
		query += ` AND qc_status = ?`
		args = append(args, f.QCStatus)
	}
	if len(f.QCStatuses) > 0 {
		query += ` AND qc_status IN (?` + strings.Repeat(`, ?`, len(f.QCStatuses)-1) + `)`
		for _, st := range f.QCStatuses {
			args = append(args, st)
		}
	}
	if f.ReviewerID != 0 {
		query += ` AND qc_reviewer_id = ?`
		args = append(args, f.ReviewerID)
	}
	if f.CreatedBy != 0 {
		query += ` AND created_by = ?`
		args = append(args, f.CreatedBy)
	}
	query += ` ORDER BY package_id, sequence_number`
	query, args = paginate(query, args, f.ListOptions)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// CountQuestionsByPackage returns how many questions exist for a package.
func (s *Store) CountQuestionsByPackage(ctx context.Context, packageID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM questions WHERE package_id = ?`, packageID).Scan(&n)
	return n, err
}

// CountQuestionsByQCStatus groups a package's questions by QC status.
func (s *Store) CountQuestionsByQCStatus(ctx context.Context, packageID int64) (map[model.QCStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT qc_status, COUNT(*) FROM questions WHERE package_id = ? GROUP BY qc_status`, packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[model.QCStatus]int)
	for rows.Next() {
		var st model.QCStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// UpdateQuestionContent writes the editable fields of q and moves it to the given states.
func (s *Store) UpdateQuestionContent(ctx context.Context, q model.Question, status model.QuestionStatus, qcStatus model.QCStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET subject_id = ?, chapter_id = ?, topic_id = ?, concept_title_id = ?,
		 type = ?, body = ?, options = ?, correct_option = ?, correct_answer = ?, solution = ?,
		 attachments = ?, status = ?, qc_status = ?, updated_at = ?
		 WHERE id = ?`,
		q.SubjectID, q.ChapterID, q.TopicID, q.ConceptTitleID, q.Type, q.Body, encodeList(q.Options),
		q.CorrectOption, q.CorrectAnswer, q.Solution, encodeList(q.Attachments), status, qcStatus,
		time.Now(), q.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "question", q.ID)
}

// SetQuestionQCStatus moves a question to a QC state without touching its content.
func (s *Store) SetQuestionQCStatus(ctx context.Context, id int64, qcStatus model.QCStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET qc_status = ?, updated_at = ? WHERE id = ?`, qcStatus, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "question", id)
}

// ClaimQuestion atomically hands an unclaimed question awaiting review to reviewerID.
// Both fresh (pending_review) and resubmitted (under_review) questions are claimable.
// A positive limit caps how many questions the reviewer may hold, counted in the same
// statement. It reports false when another reviewer got there first or the cap is reached.
func (s *Store) ClaimQuestion(ctx context.Context, id, reviewerID int64, limit int, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET qc_status = ?, qc_reviewer_id = ?, qc_review_started_at = ?, updated_at = ?
		 WHERE id = ? AND qc_status IN (?, ?) AND qc_reviewer_id IS NULL
		 AND (? <= 0 OR (SELECT COUNT(*) FROM questions WHERE qc_reviewer_id = ? AND qc_status = ?) < ?)`,
		model.QCUnderQCReview, reviewerID, now, now, id, model.QCPendingReview, model.QCUnderReview,
		limit, reviewerID, model.QCUnderQCReview, limit,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseQuestion returns a claimed question to pending_review if reviewerID holds it.
func (s *Store) ReleaseQuestion(ctx context.Context, id, reviewerID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE questions SET qc_status = ?, qc_reviewer_id = NULL, qc_review_started_at = NULL, updated_at = ?
		 WHERE id = ? AND qc_reviewer_id = ? AND qc_status = ?`,
		model.QCPendingReview, time.Now(), id, reviewerID, model.QCUnderQCReview,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountClaimedBy returns how many questions reviewerID currently holds.
func (s *Store) CountClaimedBy(ctx context.Context, reviewerID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM questions WHERE qc_reviewer_id = ? AND qc_status = ?`,
		reviewerID, model.QCUnderQCReview,
	).Scan(&n)
	return n, err
}

// ListStaleClaims returns claimed questions whose review started before cutoff.
func (s *Store) ListStaleClaims(ctx context.Context, cutoff time.Time) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions
		 WHERE qc_status = ? AND qc_reviewer_id IS NOT NULL AND qc_review_started_at < ?
		 ORDER BY qc_review_started_at`,
		model.QCUnderQCReview, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, sql.ErrNoRows)
	}
	return nil
}
