// Package workflow implements the question production state machine: package intake,
// question authoring, QC review, and the revision handoffs between roles.
//
// Every operation takes an explicit model.Session and checks the caller's capability
// before touching the store.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/questionflow/internal/events"
	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/storage"
	"github.com/pavelanni/questionflow/internal/store"
)

var (
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyTaken      = errors.New("question already taken by another reviewer")
	ErrNotClaimHolder    = errors.New("question is not claimed by you")
	ErrQuotaFull         = errors.New("review quota reached")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrRevisionClosed    = store.ErrRevisionClosed
	ErrNoStorage         = errors.New("file storage is not configured")
)

// ValidationError reports input rejected before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Store is the persistence the workflow needs. *store.Store satisfies it.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	QuotaMax(ctx context.Context, def int) (int, error)

	GetSubject(ctx context.Context, id int64) (*model.Subject, error)
	GetSubjectByName(ctx context.Context, name string) (*model.Subject, error)

	CreatePackage(ctx context.Context, p model.Package) (int64, error)
	GetPackage(ctx context.Context, id int64) (*model.Package, error)
	ListPackages(ctx context.Context, f store.PackageFilter) ([]model.Package, error)
	UpdatePackageStatus(ctx context.Context, id int64, status model.PackageStatus) error
	ReplacePackageSource(ctx context.Context, id int64, url, path string) error
	PackageProgress(ctx context.Context, packageID int64) (model.PackageProgress, error)

	InsertQuestion(ctx context.Context, q model.Question, inhouseID func(seq int) string) (model.Question, error)
	GetQuestion(ctx context.Context, id int64) (*model.Question, error)
	ListQuestions(ctx context.Context, f store.QuestionFilter) ([]model.Question, error)
	UpdateQuestionContent(ctx context.Context, q model.Question, status model.QuestionStatus, qcStatus model.QCStatus) error
	ClaimQuestion(ctx context.Context, id, reviewerID int64, limit int, now time.Time) (bool, error)
	ReleaseQuestion(ctx context.Context, id, reviewerID int64) (bool, error)
	CountClaimedBy(ctx context.Context, reviewerID int64) (int, error)
	ListStaleClaims(ctx context.Context, cutoff time.Time) ([]model.Question, error)

	CreateRevision(ctx context.Context, r model.Revision) (int64, error)
	GetRevision(ctx context.Context, id int64) (*model.Revision, error)
	ListRevisions(ctx context.Context, f store.RevisionFilter) ([]model.Revision, error)
	RespondRevision(ctx context.Context, id int64, status model.RevisionStatus, respondedBy int64) error
	SetRevisionStatus(ctx context.Context, id int64, status model.RevisionStatus, respondedBy int64) error
	ApplyDecision(ctx context.Context, d store.DecisionWrite) (int64, error)
	SetQCReviewStatus(ctx context.Context, questionID int64, status model.QCStatus) (bool, error)
	RecreateFromEasyRevision(ctx context.Context, originalID, respondedBy int64, evidence []string, recreation model.Revision) (int64, error)
}

// Files persists uploaded documents. *storage.Pipeline satisfies it.
type Files interface {
	Store(ctx context.Context, prefix string, files []storage.File) ([]storage.Stored, error)
}

// Service runs workflow operations against a store.
type Service struct {
	store    Store
	files    Files
	events   events.Publisher
	cfg      model.AppConfig
	validate *validator.Validate
	now      func() time.Time
}

// New creates a workflow service. files and pub may be nil.
func New(st Store, files Files, pub events.Publisher, cfg model.AppConfig) *Service {
	if pub == nil {
		pub = events.Multi{}
	}
	if cfg.QuotaMax <= 0 {
		cfg.QuotaMax = DefaultQuotaMax
	}
	return &Service{
		store:    st,
		files:    files,
		events:   pub,
		cfg:      cfg,
		validate: newValidator(),
		now:      time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("keyword", func(fl validator.FieldLevel) bool {
		return model.ValidKeyword(fl.Field().String())
	})
	_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return model.Role(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("qtype", func(fl validator.FieldLevel) bool {
		return model.QuestionType(fl.Field().String()).Valid()
	})
	return v
}

// check runs struct-tag validation and converts the first failure into a ValidationError.
func (s *Service) check(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return invalid(strings.ToLower(fe.Field()), reason)
	}
	return err
}

func (s *Service) require(sess model.Session, role model.Role) error {
	if !sess.Can(role) {
		return fmt.Errorf("%s requires %s: %w", sess.User.Role, role, ErrForbidden)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}
	// Publishers are best effort; Multi already logs failures.
	_ = s.events.Publish(ctx, e)
}

func (s *Service) storeFiles(ctx context.Context, prefix string, files []storage.File) ([]storage.Stored, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if s.files == nil {
		return nil, ErrNoStorage
	}
	stored, err := s.files.Store(ctx, prefix, files)
	if err != nil {
		return nil, fmt.Errorf("store files: %w", err)
	}
	return stored, nil
}

func (s *Service) question(ctx context.Context, id int64) (*model.Question, error) {
	q, err := s.store.GetQuestion(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get question %d: %w", id, err)
	}
	if q == nil {
		return nil, fmt.Errorf("question %d: %w", id, ErrNotFound)
	}
	return q, nil
}

func (s *Service) revision(ctx context.Context, id int64) (*model.Revision, error) {
	r, err := s.store.GetRevision(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get revision %d: %w", id, err)
	}
	if r == nil {
		return nil, fmt.Errorf("revision %d: %w", id, ErrNotFound)
	}
	return r, nil
}

func (s *Service) pkg(ctx context.Context, id int64) (*model.Package, error) {
	p, err := s.store.GetPackage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get package %d: %w", id, err)
	}
	if p == nil {
		return nil, fmt.Errorf("package %d: %w", id, ErrNotFound)
	}
	return p, nil
}
