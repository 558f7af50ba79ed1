package model

import (
	"context"
	"fmt"
	"time"
)

// Role represents a user's place in the question production workflow.
type Role string

const (
	// RoleQuestionMaker submits packages and fixes easy-question revisions.
	RoleQuestionMaker Role = "question_maker"
	// RoleDataEntry turns packages into structured questions.
	RoleDataEntry Role = "data_entry"
	// RoleQCData reviews questions.
	RoleQCData Role = "qc_data"
	// RoleMetadata maintains the taxonomy.
	RoleMetadata Role = "metadata"
	// RoleAdministrator can act as every other role.
	RoleAdministrator Role = "administrator"
)

var validRoles = map[Role]bool{
	RoleQuestionMaker: true,
	RoleDataEntry:     true,
	RoleQCData:        true,
	RoleMetadata:      true,
	RoleAdministrator: true,
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !validRoles[r] {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return validRoles[r]
}

// HasCapability reports whether a user with role may act as required.
// Administrator is a superset of every role.
func HasCapability(role, required Role) bool {
	if !role.Valid() {
		return false
	}
	return role == RoleAdministrator || role == required
}

// User represents a registered system user.
type User struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	Role         Role       `json:"role"`
	VendorName   string     `json:"vendor_name,omitempty"`
	PasswordHash string     `json:"-"`
	IsDeleted    bool       `json:"is_deleted"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Session is the capability object passed into every workflow operation.
type Session struct {
	User User
}

// NewSession wraps a resolved user.
func NewSession(u User) Session {
	return Session{User: u}
}

// Can reports whether the session may act as the required role.
func (s Session) Can(required Role) bool {
	return HasCapability(s.User.Role, required)
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}

// PackageStatus represents the status of a submitted package.
type PackageStatus string

const (
	PackagePending  PackageStatus = "pending"
	PackageRevision PackageStatus = "revision"
	PackageApproved PackageStatus = "approved"
	PackageRejected PackageStatus = "rejected"
)

// Valid reports whether s is a known package status.
func (s PackageStatus) Valid() bool {
	switch s {
	case PackagePending, PackageRevision, PackageApproved, PackageRejected:
		return true
	}
	return false
}

// Package is an uploaded source document bundling not-yet-digitized questions.
type Package struct {
	ID                int64         `json:"id"`
	VendorName        string        `json:"vendor_name"`
	Subject           string        `json:"subject"`
	Exam              string        `json:"exam"`
	PackageNumber     int           `json:"package_number"`
	Title             string        `json:"title"`
	AmountOfQuestions int           `json:"amount_of_questions"`
	SourceFileURL     string        `json:"source_file_url"`
	SourceFilePath    string        `json:"source_file_path,omitempty"`
	Status            PackageStatus `json:"status"`
	UploadedBy        int64         `json:"uploaded_by"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// QuestionType is the answer format of a question.
type QuestionType string

const (
	TypeMCQ         QuestionType = "MCQ"
	TypeEssay       QuestionType = "Essay"
	TypeShortAnswer QuestionType = "Short Answer"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	switch t {
	case TypeMCQ, TypeEssay, TypeShortAnswer:
		return true
	}
	return false
}

// QuestionStatus is the editorial status of a question.
type QuestionStatus string

const (
	QuestionActive   QuestionStatus = "active"
	QuestionRevised  QuestionStatus = "revised"
	QuestionEdited   QuestionStatus = "edited"
	QuestionQCPassed QuestionStatus = "qc_passed"
)

// QCStatus is the position of a question in the review state machine.
type QCStatus string

const (
	QCPendingReview     QCStatus = "pending_review"
	QCUnderQCReview     QCStatus = "under_qc_review"
	QCUnderReview       QCStatus = "under_review"
	QCApproved          QCStatus = "approved"
	QCRejected          QCStatus = "rejected"
	QCRevisionRequested QCStatus = "revision_requested"
	QCRecreateQuestion  QCStatus = "recreate_question"
)

// Difficulty is the reviewer's classification of a question.
type Difficulty string

const (
	DifficultyEasy Difficulty = "easy"
	DifficultyHard Difficulty = "hard"
)

// Valid reports whether d is a known difficulty.
func (d Difficulty) Valid() bool {
	return d == DifficultyEasy || d == DifficultyHard
}

// MaxOptions is the maximum number of MCQ options.
const MaxOptions = 5

// Question is one structured exam item derived from a package.
type Question struct {
	ID                int64          `json:"id"`
	InhouseID         string         `json:"inhouse_id"`
	PackageID         int64          `json:"package_id"`
	SequenceNumber    int            `json:"sequence_number"`
	SubjectID         *int64         `json:"subject_id,omitempty"`
	ChapterID         *int64         `json:"chapter_id,omitempty"`
	TopicID           *int64         `json:"topic_id,omitempty"`
	ConceptTitleID    *int64         `json:"concept_title_id,omitempty"`
	Type              QuestionType   `json:"type"`
	Body              string         `json:"body"`
	Options           []string       `json:"options,omitempty"`
	CorrectOption     *int           `json:"correct_option,omitempty"`
	CorrectAnswer     string         `json:"correct_answer,omitempty"`
	Solution          string         `json:"solution,omitempty"`
	Attachments       []string       `json:"attachments,omitempty"`
	Status            QuestionStatus `json:"status"`
	QCStatus          QCStatus       `json:"qc_status"`
	QCReviewerID      *int64         `json:"qc_reviewer_id,omitempty"`
	QCReviewStartedAt *time.Time     `json:"qc_review_started_at,omitempty"`
	QCDifficulty      *Difficulty    `json:"qc_difficulty_level,omitempty"`
	ApprovedAt        *time.Time     `json:"approved_at,omitempty"`
	RejectedAt        *time.Time     `json:"rejected_at,omitempty"`
	CreatedBy         int64          `json:"created_by"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// RevisionStatus is the lifecycle state of a revision record.
type RevisionStatus string

const (
	RevisionPending         RevisionStatus = "pending"
	RevisionApproved        RevisionStatus = "approved"
	RevisionRejected        RevisionStatus = "rejected"
	RevisionCompleted       RevisionStatus = "completed"
	RevisionSendToDataEntry RevisionStatus = "send to data-entry"
)

// RevisionType distinguishes the three revision variants.
type RevisionType string

const (
	RevisionRequest    RevisionType = "request"
	RevisionAcceptance RevisionType = "acceptance"
	RevisionRecreation RevisionType = "recreation"
)

// Routing tags stored in Revision.Remarks.
const (
	RemarksEasyQuestionRevision = "EASY_QUESTION_REVISION"
	RemarksSendToQuestionMaker  = "SEND_TO_QUESTION_MAKER"
	RemarksSendToDataEntry      = "SEND_TO_DATA_ENTRY"
	RemarksRecreateQuestion     = "RECREATE_QUESTION"
)

// Rejection keywords offered to reviewers.
const (
	KeywordCodingFormatting = "Coding & Formatting Error"
	KeywordVisualGraphical  = "Visual/Graphical Errors"
	KeywordTypoGrammar      = "Typo/Grammar Error"
	KeywordWrongAnswer      = "Wrong Answer Key"
	KeywordUnclearQuestion  = "Unclear Question"
	KeywordSolutionError    = "Solution Error"
)

// Keywords lists every rejection keyword in display order.
var Keywords = []string{
	KeywordCodingFormatting,
	KeywordVisualGraphical,
	KeywordTypoGrammar,
	KeywordWrongAnswer,
	KeywordUnclearQuestion,
	KeywordSolutionError,
}

// ValidKeyword reports whether k is a known rejection keyword.
func ValidKeyword(k string) bool {
	for _, known := range Keywords {
		if k == known {
			return true
		}
	}
	return false
}

// DataEntryKeywords route a rejection to data entry instead of the question maker.
var DataEntryKeywords = map[string]bool{
	KeywordCodingFormatting: true,
	KeywordVisualGraphical:  true,
}

// Revision is the audit record of a cross-role fix request, acceptance, or recreation.
type Revision struct {
	ID           int64          `json:"id"`
	PackageID    int64          `json:"package_id"`
	QuestionID   *int64         `json:"question_id,omitempty"`
	TargetRole   Role           `json:"target_role"`
	Notes        string         `json:"notes"`
	EvidenceURLs []string       `json:"evidence_urls,omitempty"`
	Status       RevisionStatus `json:"status"`
	RevisionType RevisionType   `json:"revision_type"`
	Remarks      string         `json:"remarks,omitempty"`
	RequestedBy  int64          `json:"requested_by"`
	RespondedBy  *int64         `json:"responded_by,omitempty"`
	RespondedAt  *time.Time     `json:"responded_at,omitempty"`
	Keywords     []string       `json:"keywords,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// QCReview is the reviewer's working record for a question, one per question.
type QCReview struct {
	ID         int64      `json:"id"`
	QuestionID int64      `json:"question_id"`
	ReviewerID int64      `json:"reviewer_id"`
	Difficulty Difficulty `json:"difficulty"`
	Decision   string     `json:"decision"`
	Status     QCStatus   `json:"status"`
	Notes      string     `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Subject is the root of the taxonomy.
type Subject struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Abbreviation string `json:"abbreviation"`
}

// Chapter belongs to a subject.
type Chapter struct {
	ID        int64  `json:"id"`
	SubjectID int64  `json:"subject_id"`
	Name      string `json:"name"`
}

// Topic belongs to a chapter.
type Topic struct {
	ID        int64  `json:"id"`
	ChapterID int64  `json:"chapter_id"`
	Name      string `json:"name"`
}

// ConceptTitle is the leaf of the taxonomy.
type ConceptTitle struct {
	ID      int64  `json:"id"`
	TopicID int64  `json:"topic_id"`
	Name    string `json:"name"`
}

// ListOptions holds offset/limit pagination. Zero Limit means no limit.
type ListOptions struct {
	Limit  int
	Offset int
}

// AppConfig holds runtime parameters set via CLI flags.
type AppConfig struct {
	BaseURL       string        // Public URL used for OAuth redirects
	BasePath      string        // URL prefix for sub-path deployments
	SecureCookies bool          // Set Secure flag on cookies (disable for local dev)
	QuotaMax      int           // Default concurrent claims per reviewer
	EnforceQuota  bool          // Reject claims beyond QuotaMax
	ClaimTTL      time.Duration // 0 disables stale-claim reclaim
	Bucket        string        // Object storage bucket for uploads
	DriveFolderID string        // Document store folder for secondary copies
}
