package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pavelanni/questionflow/internal/events"
	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/storage"
	"github.com/pavelanni/questionflow/internal/store"
)

// PackageInput is a question maker's package submission.
type PackageInput struct {
	VendorName        string `validate:"max=200"`
	Subject           string `validate:"required,max=200"`
	Exam              string `validate:"required,max=200"`
	PackageNumber     int    `validate:"gte=1"`
	Title             string `validate:"required,max=500"`
	AmountOfQuestions int    `validate:"gte=0"`
	Source            storage.File
}

// QuestionContent is the editable part of a question.
type QuestionContent struct {
	SubjectID      *int64
	ChapterID      *int64
	TopicID        *int64
	ConceptTitleID *int64
	Type           model.QuestionType `validate:"required,qtype"`
	Body           string             `validate:"required,max=20000"`
	Options        []string           `validate:"max=5,dive,required"`
	CorrectOption  *int
	CorrectAnswer  string `validate:"max=20000"`
	Solution       string `validate:"max=20000"`
	// KeepAttachments are already stored URLs that stay on the question.
	KeepAttachments []string
	// Attachments are new files to store and append.
	Attachments []storage.File
}

func validateContent(c QuestionContent) error {
	if c.Type == model.TypeMCQ {
		if len(c.Options) < 2 {
			return invalid("options", "MCQ needs at least 2 options")
		}
		if c.CorrectOption == nil || *c.CorrectOption < 0 || *c.CorrectOption >= len(c.Options) {
			return invalid("correctoption", "must point at one of the options")
		}
		return nil
	}
	if c.CorrectAnswer == "" {
		return invalid("correctanswer", "required")
	}
	return nil
}

func (c QuestionContent) apply(q *model.Question, stored []storage.Stored) {
	q.SubjectID = c.SubjectID
	q.ChapterID = c.ChapterID
	q.TopicID = c.TopicID
	q.ConceptTitleID = c.ConceptTitleID
	q.Type = c.Type
	q.Body = c.Body
	q.Solution = c.Solution
	if c.Type == model.TypeMCQ {
		q.Options = c.Options
		q.CorrectOption = c.CorrectOption
		q.CorrectAnswer = ""
	} else {
		q.Options = nil
		q.CorrectOption = nil
		q.CorrectAnswer = c.CorrectAnswer
	}
	q.Attachments = append(append([]string{}, c.KeepAttachments...), storage.URLs(stored)...)
}

// InhouseID builds the public identifier of a question: subject abbreviation,
// two-digit package number, then the sequence number.
func InhouseID(abbreviation string, packageNumber, sequence int) string {
	return fmt.Sprintf("%s%02d%d", abbreviation, packageNumber, sequence)
}

// CreatePackage stores the source document and registers a pending package.
func (s *Service) CreatePackage(ctx context.Context, sess model.Session, in PackageInput) (*model.Package, error) {
	if err := s.require(sess, model.RoleQuestionMaker); err != nil {
		return nil, err
	}
	if err := s.check(in); err != nil {
		return nil, err
	}
	if len(in.Source.Data) == 0 {
		return nil, invalid("source", "required")
	}
	if in.VendorName == "" {
		in.VendorName = sess.User.VendorName
	}

	stored, err := s.storeFiles(ctx, "packages", []storage.File{in.Source})
	if err != nil {
		return nil, err
	}
	p := model.Package{
		VendorName:        in.VendorName,
		Subject:           in.Subject,
		Exam:              in.Exam,
		PackageNumber:     in.PackageNumber,
		Title:             in.Title,
		AmountOfQuestions: in.AmountOfQuestions,
		SourceFileURL:     stored[0].Object.URL,
		SourceFilePath:    stored[0].Object.Path,
		UploadedBy:        sess.User.ID,
	}
	id, err := s.store.CreatePackage(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("create package: %w", err)
	}
	slog.Info("package submitted", "package_id", id, "uploaded_by", sess.User.ID, "title", in.Title)
	s.publish(ctx, events.Event{
		Kind:       events.PackageSubmitted,
		ActorID:    sess.User.ID,
		PackageID:  id,
		TargetRole: model.RoleDataEntry,
	})
	return s.pkg(ctx, id)
}

// Packages lists packages. Question makers only see their own uploads.
func (s *Service) Packages(ctx context.Context, sess model.Session, f store.PackageFilter) ([]model.Package, error) {
	if sess.User.Role == model.RoleQuestionMaker {
		f.UploadedBy = sess.User.ID
	}
	return s.store.ListPackages(ctx, f)
}

// Package returns one package with its creation progress.
func (s *Service) Package(ctx context.Context, sess model.Session, id int64) (*model.Package, model.PackageProgress, error) {
	p, err := s.pkg(ctx, id)
	if err != nil {
		return nil, model.PackageProgress{}, err
	}
	if sess.User.Role == model.RoleQuestionMaker && p.UploadedBy != sess.User.ID {
		return nil, model.PackageProgress{}, fmt.Errorf("package %d: %w", id, ErrForbidden)
	}
	progress, err := s.store.PackageProgress(ctx, id)
	if err != nil {
		return nil, model.PackageProgress{}, err
	}
	return p, progress, nil
}

// SetPackageStatus lets an administrator approve or reject a package.
func (s *Service) SetPackageStatus(ctx context.Context, sess model.Session, id int64, status model.PackageStatus) error {
	if err := s.require(sess, model.RoleAdministrator); err != nil {
		return err
	}
	if !status.Valid() {
		return invalid("status", "unknown package status")
	}
	if _, err := s.pkg(ctx, id); err != nil {
		return err
	}
	return s.store.UpdatePackageStatus(ctx, id, status)
}

func (s *Service) subjectAbbreviation(ctx context.Context, p *model.Package, subjectID *int64) (string, error) {
	var subj *model.Subject
	var err error
	if subjectID != nil {
		subj, err = s.store.GetSubject(ctx, *subjectID)
	} else {
		subj, err = s.store.GetSubjectByName(ctx, p.Subject)
	}
	if err != nil {
		return "", fmt.Errorf("get subject: %w", err)
	}
	if subj == nil {
		return "", invalid("subject", "unknown subject")
	}
	return subj.Abbreviation, nil
}

// CreateQuestion digitizes the next question of a package. The sequence number and
// inhouse ID are assigned by the store.
func (s *Service) CreateQuestion(ctx context.Context, sess model.Session, packageID int64, c QuestionContent) (*model.Question, error) {
	if err := s.require(sess, model.RoleDataEntry); err != nil {
		return nil, err
	}
	if err := s.check(c); err != nil {
		return nil, err
	}
	if err := validateContent(c); err != nil {
		return nil, err
	}
	p, err := s.pkg(ctx, packageID)
	if err != nil {
		return nil, err
	}
	abbrev, err := s.subjectAbbreviation(ctx, p, c.SubjectID)
	if err != nil {
		return nil, err
	}

	stored, err := s.storeFiles(ctx, fmt.Sprintf("questions/package-%d", packageID), c.Attachments)
	if err != nil {
		return nil, err
	}
	q := model.Question{PackageID: packageID, CreatedBy: sess.User.ID}
	c.apply(&q, stored)

	created, err := s.store.InsertQuestion(ctx, q, func(seq int) string {
		return InhouseID(abbrev, p.PackageNumber, seq)
	})
	if err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}
	s.publish(ctx, events.Event{
		Kind:       events.QuestionCreated,
		ActorID:    sess.User.ID,
		PackageID:  packageID,
		QuestionID: created.ID,
	})
	return &created, nil
}

// UpdateQuestion edits a question that no reviewer has picked up yet.
func (s *Service) UpdateQuestion(ctx context.Context, sess model.Session, id int64, c QuestionContent) (*model.Question, error) {
	if err := s.require(sess, model.RoleDataEntry); err != nil {
		return nil, err
	}
	if err := s.check(c); err != nil {
		return nil, err
	}
	if err := validateContent(c); err != nil {
		return nil, err
	}
	q, err := s.question(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.QCStatus != model.QCPendingReview {
		return nil, fmt.Errorf("edit question in %s: %w", q.QCStatus, ErrInvalidTransition)
	}
	stored, err := s.storeFiles(ctx, fmt.Sprintf("questions/package-%d", q.PackageID), c.Attachments)
	if err != nil {
		return nil, err
	}
	c.apply(q, stored)
	if err := s.store.UpdateQuestionContent(ctx, *q, model.QuestionEdited, q.QCStatus); err != nil {
		return nil, fmt.Errorf("update question: %w", err)
	}
	return s.question(ctx, id)
}

// Question returns one question.
func (s *Service) Question(ctx context.Context, id int64) (*model.Question, error) {
	return s.question(ctx, id)
}

// Questions lists the questions of a package in sequence order.
func (s *Service) Questions(ctx context.Context, packageID int64, opts model.ListOptions) ([]model.Question, error) {
	return s.store.ListQuestions(ctx, store.QuestionFilter{PackageID: packageID, ListOptions: opts})
}
