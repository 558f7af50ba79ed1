package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/questionflow/internal/events"
	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/storage"
	"github.com/pavelanni/questionflow/internal/store"
)

type fakeFiles struct {
	mu   sync.Mutex
	fail error
	keys []string
}

func (f *fakeFiles) Store(_ context.Context, prefix string, files []storage.File) ([]storage.Stored, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([]storage.Stored, len(files))
	for i, file := range files {
		key := prefix + "/" + file.Name
		f.keys = append(f.keys, key)
		out[i].Object = storage.Object{URL: "https://objects.test/" + key, Path: key}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Kind
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

// flakyStore fails selected writes so multi-step updates can be interrupted.
type flakyStore struct {
	*store.Store
	respondErr  error
	qcReviewErr error
}

func (f *flakyStore) RespondRevision(ctx context.Context, id int64, status model.RevisionStatus, by int64) error {
	if f.respondErr != nil {
		return f.respondErr
	}
	return f.Store.RespondRevision(ctx, id, status, by)
}

func (f *flakyStore) SetQCReviewStatus(ctx context.Context, questionID int64, status model.QCStatus) (bool, error) {
	if f.qcReviewErr != nil {
		return false, f.qcReviewErr
	}
	return f.Store.SetQCReviewStatus(ctx, questionID, status)
}

type fixture struct {
	ctx   context.Context
	st    *flakyStore
	svc   *Service
	files *fakeFiles
	pub   *recordingPublisher

	admin, qm, de, qc1, qc2 model.Session
	pkg                     *model.Package
}

func newFixture(t *testing.T, cfg model.AppConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{ctx: ctx, st: &flakyStore{Store: st}, files: &fakeFiles{}, pub: &recordingPublisher{}}
	f.svc = New(f.st, f.files, f.pub, cfg)

	f.admin = f.user(t, "admin@example.com", model.RoleAdministrator)
	f.qm = f.user(t, "maker@example.com", model.RoleQuestionMaker)
	f.de = f.user(t, "entry@example.com", model.RoleDataEntry)
	f.qc1 = f.user(t, "qc1@example.com", model.RoleQCData)
	f.qc2 = f.user(t, "qc2@example.com", model.RoleQCData)

	_, err = st.CreateSubject(ctx, "Penalaran Matematika", "PM")
	require.NoError(t, err)
	f.pkg, err = f.svc.CreatePackage(ctx, f.qm, PackageInput{
		Subject:           "Penalaran Matematika",
		Exam:              "UTBK",
		PackageNumber:     3,
		Title:             "Paket 3",
		AmountOfQuestions: 10,
		Source:            storage.File{Name: "paket 3.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.7")},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) user(t *testing.T, email string, role model.Role) model.Session {
	t.Helper()
	u := model.User{Name: email, Email: email, Role: role, VendorName: "Vendor A"}
	id, err := f.st.CreateUser(f.ctx, u)
	require.NoError(t, err)
	u.ID = id
	return model.NewSession(u)
}

func essay(body string) QuestionContent {
	return QuestionContent{Type: model.TypeEssay, Body: body, CorrectAnswer: "4"}
}

func mcq(body string) QuestionContent {
	correct := 1
	return QuestionContent{Type: model.TypeMCQ, Body: body, Options: []string{"3", "4", "5"}, CorrectOption: &correct}
}

func (f *fixture) question(t *testing.T) *model.Question {
	t.Helper()
	q, err := f.svc.CreateQuestion(f.ctx, f.de, f.pkg.ID, essay("Hitung 2+2"))
	require.NoError(t, err)
	return q
}

func (f *fixture) claimed(t *testing.T, reviewer model.Session) *model.Question {
	t.Helper()
	q := f.question(t)
	_, err := f.svc.StartReview(f.ctx, reviewer, q.ID)
	require.NoError(t, err)
	return q
}

func (f *fixture) reload(t *testing.T, id int64) *model.Question {
	t.Helper()
	q, err := f.st.GetQuestion(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, q)
	return q
}

func (f *fixture) acceptances(t *testing.T, questionID int64) []model.Revision {
	t.Helper()
	revs, err := f.st.ListRevisions(f.ctx, store.RevisionFilter{QuestionID: questionID, RevisionType: model.RevisionAcceptance})
	require.NoError(t, err)
	return revs
}

func ptr[T any](v T) *T { return &v }

func TestCreatePackage(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	assert.Equal(t, model.PackagePending, f.pkg.Status)
	assert.Equal(t, "Vendor A", f.pkg.VendorName, "vendor defaults to uploader's")
	assert.Equal(t, f.qm.User.ID, f.pkg.UploadedBy)
	assert.True(t, strings.HasPrefix(f.pkg.SourceFileURL, "https://objects.test/packages/"))
	assert.Contains(t, f.pub.kinds(), events.PackageSubmitted)

	_, err := f.svc.CreatePackage(f.ctx, f.qm, PackageInput{Subject: "X", Exam: "Y", PackageNumber: 1, Title: "Z"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "source", verr.Field)

	_, err = f.svc.CreatePackage(f.ctx, f.de, PackageInput{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateQuestionInhouseID(t *testing.T) {
	f := newFixture(t, model.AppConfig{})

	_, progress, err := f.svc.Package(f.ctx, f.qm, f.pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Percent)

	var ids []string
	for i := 0; i < 3; i++ {
		q, err := f.svc.CreateQuestion(f.ctx, f.de, f.pkg.ID, mcq(fmt.Sprintf("Soal %d", i)))
		require.NoError(t, err)
		assert.Equal(t, model.QuestionActive, q.Status)
		assert.Equal(t, model.QCPendingReview, q.QCStatus)
		assert.Nil(t, q.QCReviewerID)
		ids = append(ids, q.InhouseID)
	}
	assert.Equal(t, []string{"PM03100", "PM03101", "PM03102"}, ids)

	_, progress, err = f.svc.Package(f.ctx, f.qm, f.pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, progress.Percent)
}

func TestInhouseID(t *testing.T) {
	assert.Equal(t, "PM03100", InhouseID("PM", 3, 100))
	assert.Equal(t, "BIO12105", InhouseID("BIO", 12, 105))
}

func TestCreateQuestionValidation(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	tests := []struct {
		name  string
		c     QuestionContent
		field string
	}{
		{"missing body", QuestionContent{Type: model.TypeEssay, CorrectAnswer: "x"}, "body"},
		{"unknown type", QuestionContent{Type: "Matching", Body: "b"}, "type"},
		{"one option", QuestionContent{Type: model.TypeMCQ, Body: "b", Options: []string{"a"}, CorrectOption: ptr(0)}, "options"},
		{"too many options", QuestionContent{Type: model.TypeMCQ, Body: "b", Options: []string{"a", "b", "c", "d", "e", "f"}, CorrectOption: ptr(0)}, "options"},
		{"correct option out of range", QuestionContent{Type: model.TypeMCQ, Body: "b", Options: []string{"a", "b"}, CorrectOption: ptr(2)}, "correctoption"},
		{"essay without answer", QuestionContent{Type: model.TypeEssay, Body: "b"}, "correctanswer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateQuestion(f.ctx, f.de, f.pkg.ID, tt.c)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestUpdateQuestion(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.question(t)

	c := mcq("Hitung 2+2")
	c.KeepAttachments = []string{"https://objects.test/old.png"}
	c.Attachments = []storage.File{{Name: "grafik.png", Data: []byte("png")}}
	updated, err := f.svc.UpdateQuestion(f.ctx, f.de, q.ID, c)
	require.NoError(t, err)
	assert.Equal(t, model.QuestionEdited, updated.Status)
	assert.Equal(t, model.QCPendingReview, updated.QCStatus)
	assert.Equal(t, []string{"3", "4", "5"}, updated.Options)
	assert.Empty(t, updated.CorrectAnswer)
	require.Len(t, updated.Attachments, 2)
	assert.Equal(t, "https://objects.test/old.png", updated.Attachments[0])
	assert.Equal(t, q.InhouseID, updated.InhouseID)

	_, err = f.svc.UpdateQuestion(f.ctx, f.qc1, q.ID, c)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.StartReview(f.ctx, f.qc1, q.ID)
	require.NoError(t, err)
	_, err = f.svc.UpdateQuestion(f.ctx, f.de, q.ID, essay("Hitung 3+3"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStartReviewExclusive(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.question(t)

	reviewers := []model.Session{f.qc1, f.qc2}
	for i := 0; i < 6; i++ {
		reviewers = append(reviewers, f.user(t, fmt.Sprintf("qc-extra%d@example.com", i), model.RoleQCData))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(reviewers))
	for i, r := range reviewers {
		wg.Add(1)
		go func(i int, r model.Session) {
			defer wg.Done()
			_, errs[i] = f.svc.StartReview(f.ctx, r, q.ID)
		}(i, r)
	}
	wg.Wait()

	var winner int64
	wins := 0
	for i, err := range errs {
		if err == nil {
			wins++
			winner = reviewers[i].User.ID
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyTaken)
	}
	require.Equal(t, 1, wins)

	got := f.reload(t, q.ID)
	assert.Equal(t, model.QCUnderQCReview, got.QCStatus)
	require.NotNil(t, got.QCReviewerID)
	assert.Equal(t, winner, *got.QCReviewerID)
}

func TestStartReviewScenario(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.question(t)

	got, err := f.svc.StartReview(f.ctx, f.qc1, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QCUnderQCReview, got.QCStatus)
	assert.Equal(t, f.qc1.User.ID, *got.QCReviewerID)

	_, err = f.svc.StartReview(f.ctx, f.qc2, q.ID)
	assert.ErrorIs(t, err, ErrAlreadyTaken)

	again, err := f.svc.StartReview(f.ctx, f.qc1, q.ID)
	require.NoError(t, err, "holder re-opening its own claim")
	assert.Equal(t, f.qc1.User.ID, *again.QCReviewerID)

	_, err = f.svc.StartReview(f.ctx, f.de, q.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.StartReview(f.ctx, f.qc1, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseReviewOnlyHolder(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.claimed(t, f.qc1)

	err := f.svc.ReleaseReview(f.ctx, f.qc2, q.ID)
	assert.ErrorIs(t, err, ErrNotClaimHolder)
	got := f.reload(t, q.ID)
	assert.Equal(t, model.QCUnderQCReview, got.QCStatus)
	assert.Equal(t, f.qc1.User.ID, *got.QCReviewerID)

	require.NoError(t, f.svc.ReleaseReview(f.ctx, f.qc1, q.ID))
	got = f.reload(t, q.ID)
	assert.Equal(t, model.QCPendingReview, got.QCStatus)
	assert.Nil(t, got.QCReviewerID)

	assert.ErrorIs(t, f.svc.ReleaseReview(f.ctx, f.qc1, 9999), ErrNotFound)
}

func TestEasyDecisionIgnoresAccept(t *testing.T) {
	for _, accept := range []*bool{nil, ptr(true), ptr(false)} {
		name := "nil"
		if accept != nil {
			name = fmt.Sprint(*accept)
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, model.AppConfig{})
			q := f.claimed(t, f.qc1)

			res, err := f.svc.SubmitDecision(f.ctx, f.qc1, DecisionInput{
				QuestionID: q.ID,
				Difficulty: model.DifficultyEasy,
				Accept:     accept,
			})
			require.NoError(t, err)
			assert.Equal(t, model.QCRevisionRequested, res.Question.QCStatus)
			assert.Equal(t, model.QuestionRevised, res.Question.Status)
			assert.Nil(t, res.Question.QCReviewerID)
			assert.Equal(t, model.RoleQuestionMaker, res.TargetRole)

			revs := f.acceptances(t, q.ID)
			require.Len(t, revs, 1)
			assert.Equal(t, model.RemarksEasyQuestionRevision, revs[0].Remarks)
			assert.Equal(t, model.RoleQuestionMaker, revs[0].TargetRole)
			assert.Equal(t, model.RevisionPending, revs[0].Status)
		})
	}
}

func TestRejectRouting(t *testing.T) {
	tests := []struct {
		keywords []string
		role     model.Role
		remarks  string
	}{
		{[]string{model.KeywordTypoGrammar}, model.RoleQuestionMaker, model.RemarksSendToQuestionMaker},
		{[]string{model.KeywordWrongAnswer, model.KeywordSolutionError}, model.RoleQuestionMaker, model.RemarksSendToQuestionMaker},
		{[]string{model.KeywordCodingFormatting}, model.RoleDataEntry, model.RemarksSendToDataEntry},
		{[]string{model.KeywordTypoGrammar, model.KeywordVisualGraphical}, model.RoleDataEntry, model.RemarksSendToDataEntry},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.keywords, "+"), func(t *testing.T) {
			role, remarks := RouteRejection(tt.keywords)
			assert.Equal(t, tt.role, role)
			assert.Equal(t, tt.remarks, remarks)

			f := newFixture(t, model.AppConfig{})
			q := f.claimed(t, f.qc1)
			res, err := f.svc.SubmitDecision(f.ctx, f.qc1, DecisionInput{
				QuestionID: q.ID,
				Difficulty: model.DifficultyHard,
				Accept:     ptr(false),
				Notes:      "needs fixing",
				Keywords:   tt.keywords,
			})
			require.NoError(t, err)
			assert.Equal(t, model.QCRejected, res.Question.QCStatus)
			assert.Equal(t, model.QuestionRevised, res.Question.Status)
			assert.NotNil(t, res.Question.RejectedAt)

			revs := f.acceptances(t, q.ID)
			require.Len(t, revs, 1)
			assert.Equal(t, tt.role, revs[0].TargetRole)
			assert.Equal(t, tt.remarks, revs[0].Remarks)
			assert.Equal(t, tt.keywords, revs[0].Keywords)
		})
	}
}

func TestHardAccept(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.claimed(t, f.qc1)

	res, err := f.svc.SubmitDecision(f.ctx, f.qc1, DecisionInput{
		QuestionID: q.ID,
		Difficulty: model.DifficultyHard,
		Accept:     ptr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, model.QuestionQCPassed, res.Question.Status)
	assert.Equal(t, model.QCApproved, res.Question.QCStatus)
	require.NotNil(t, res.Question.ApprovedAt)
	require.NotNil(t, res.Question.QCDifficulty)
	assert.Equal(t, model.DifficultyHard, *res.Question.QCDifficulty)
	assert.Empty(t, res.Remarks)

	review, err := f.st.GetQCReview(f.ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, review)
	assert.Equal(t, DecisionAccept, review.Decision)
	assert.Equal(t, model.QCApproved, review.Status)

	_, err = f.svc.StartReview(f.ctx, f.qc2, q.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "approved questions are not claimable")
}

func TestDecisionValidation(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.claimed(t, f.qc1)

	tests := []struct {
		name  string
		in    DecisionInput
		field string
	}{
		{"missing difficulty", DecisionInput{QuestionID: q.ID}, "difficulty"},
		{"unknown difficulty", DecisionInput{QuestionID: q.ID, Difficulty: "medium"}, "difficulty"},
		{"hard without choice", DecisionInput{QuestionID: q.ID, Difficulty: model.DifficultyHard}, "accept"},
		{"reject without notes", DecisionInput{QuestionID: q.ID, Difficulty: model.DifficultyHard, Accept: ptr(false),
			Keywords: []string{model.KeywordTypoGrammar}}, "notes"},
		{"reject without keywords", DecisionInput{QuestionID: q.ID, Difficulty: model.DifficultyHard, Accept: ptr(false),
			Notes: "bad"}, "keywords"},
		{"unknown keyword", DecisionInput{QuestionID: q.ID, Difficulty: model.DifficultyHard, Accept: ptr(false),
			Notes: "bad", Keywords: []string{"Too Long"}}, "keywords[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitDecision(f.ctx, f.qc1, tt.in)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	got := f.reload(t, q.ID)
	assert.Equal(t, model.QCUnderQCReview, got.QCStatus, "rejected input changes nothing")
	assert.Empty(t, f.acceptances(t, q.ID))
}

func TestDecisionRequiresClaim(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.claimed(t, f.qc1)

	_, err := f.svc.SubmitDecision(f.ctx, f.qc2, DecisionInput{QuestionID: q.ID, Difficulty: model.DifficultyEasy})
	assert.ErrorIs(t, err, ErrNotClaimHolder)

	unclaimed := f.question(t)
	_, err = f.svc.SubmitDecision(f.ctx, f.qc1, DecisionInput{QuestionID: unclaimed.ID, Difficulty: model.DifficultyEasy})
	assert.ErrorIs(t, err, ErrNotClaimHolder)
}

func TestDecisionEvidenceFailureWritesNothing(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.claimed(t, f.qc1)
	f.files.fail = errors.New("api error NoSuchBucket: The specified bucket does not exist")

	_, err := f.svc.SubmitDecision(f.ctx, f.qc1, DecisionInput{
		QuestionID: q.ID,
		Difficulty: model.DifficultyHard,
		Accept:     ptr(false),
		Notes:      "see screenshot",
		Keywords:   []string{model.KeywordVisualGraphical},
		Evidence:   []storage.File{{Name: "shot.png", ContentType: "image/png", Data: []byte{0x89}}},
	})
	require.Error(t, err)
	msg, ok := storage.TranslateError(err)
	assert.True(t, ok)
	assert.Equal(t, storage.MsgBucketMissing, msg)

	got := f.reload(t, q.ID)
	assert.Equal(t, model.QCUnderQCReview, got.QCStatus)
	assert.Equal(t, f.qc1.User.ID, *got.QCReviewerID)
	assert.Empty(t, f.acceptances(t, q.ID))
}

func TestDecisionUpsertsSingleAcceptance(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.claimed(t, f.qc1)

	first, err := f.svc.SubmitDecision(f.ctx, f.qc1, DecisionInput{
		QuestionID: q.ID,
		Difficulty: model.DifficultyHard,
		Accept:     ptr(false),
		Notes:      "wrong key",
		Keywords:   []string{model.KeywordWrongAnswer},
		Evidence:   []storage.File{{Name: "proof.png", Data: []byte{1}}},
	})
	require.NoError(t, err)
	require.Len(t, first.Evidence, 1)

	_, err = f.svc.UpdateAcceptance(f.ctx, f.qm, first.RevisionID, essay("Hitung 2+2 (diperbaiki)"))
	require.NoError(t, err)

	_, err = f.svc.StartReview(f.ctx, f.qc2, q.ID)
	require.NoError(t, err, "resubmitted question is claimable again")
	second, err := f.svc.SubmitDecision(f.ctx, f.qc2, DecisionInput{
		QuestionID: q.ID,
		Difficulty: model.DifficultyHard,
		Accept:     ptr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, first.RevisionID, second.RevisionID)

	revs := f.acceptances(t, q.ID)
	require.Len(t, revs, 1)
	assert.Equal(t, model.RevisionApproved, revs[0].Status)
	assert.Equal(t, f.qc2.User.ID, revs[0].RequestedBy)
	assert.Equal(t, model.QCApproved, second.Question.QCStatus)
}

func TestApproveEasyRevision(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.claimed(t, f.qc1)
	res, err := f.svc.SubmitDecision(f.ctx, f.qc1, DecisionInput{
		QuestionID: q.ID,
		Difficulty: model.DifficultyEasy,
		Notes:      "too easy",
	})
	require.NoError(t, err)

	_, err = f.svc.ApproveEasyRevision(f.ctx, f.de, res.RevisionID, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	recreation, err := f.svc.ApproveEasyRevision(f.ctx, f.qm, res.RevisionID,
		&storage.File{Name: "soal baru.pdf", Data: []byte("%PDF")})
	require.NoError(t, err)
	assert.Equal(t, model.RevisionRecreation, recreation.RevisionType)
	assert.Equal(t, model.RemarksRecreateQuestion, recreation.Remarks)
	assert.Equal(t, model.RoleDataEntry, recreation.TargetRole)
	assert.Equal(t, model.RevisionPending, recreation.Status)
	assert.Len(t, recreation.EvidenceURLs, 1)

	original, err := f.st.GetRevision(f.ctx, res.RevisionID)
	require.NoError(t, err)
	assert.Equal(t, model.RevisionSendToDataEntry, original.Status)
	assert.Len(t, original.EvidenceURLs, 1)
	assert.Equal(t, model.QCRecreateQuestion, f.reload(t, q.ID).QCStatus)

	_, err = f.svc.ApproveEasyRevision(f.ctx, f.qm, res.RevisionID, nil)
	assert.ErrorIs(t, err, ErrRevisionClosed)

	incoming, err := f.svc.Incoming(f.ctx, f.de, "", store.RevisionFilter{})
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, recreation.ID, incoming[0].ID)

	updated, err := f.svc.UpdateAcceptance(f.ctx, f.de, recreation.ID, mcq("Soal dibuat ulang"))
	require.NoError(t, err)
	assert.Equal(t, model.QCUnderReview, updated.QCStatus)
	assert.Equal(t, model.QuestionActive, updated.Status)
	assert.Equal(t, model.TypeMCQ, updated.Type)
}

func TestUpdateAcceptanceEasyRevisionRejected(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.claimed(t, f.qc1)
	res, err := f.svc.SubmitDecision(f.ctx, f.qc1, DecisionInput{QuestionID: q.ID, Difficulty: model.DifficultyEasy})
	require.NoError(t, err)

	_, err = f.svc.UpdateAcceptance(f.ctx, f.qm, res.RevisionID, essay("x"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateAcceptancePartialAndReplay(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.claimed(t, f.qc1)
	res, err := f.svc.SubmitDecision(f.ctx, f.qc1, DecisionInput{
		QuestionID: q.ID,
		Difficulty: model.DifficultyHard,
		Accept:     ptr(false),
		Notes:      "format rusak",
		Keywords:   []string{model.KeywordCodingFormatting},
	})
	require.NoError(t, err)
	require.Equal(t, model.RoleDataEntry, res.TargetRole)

	_, err = f.svc.UpdateAcceptance(f.ctx, f.qm, res.RevisionID, essay("x"))
	assert.ErrorIs(t, err, ErrForbidden, "only the target role may update")

	f.st.respondErr = errors.New("database is locked")
	_, err = f.svc.UpdateAcceptance(f.ctx, f.de, res.RevisionID, essay("Hitung 2+2, format benar"))
	var perr *PartialUpdateError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{StepQuestion}, perr.Completed)
	assert.Equal(t, StepRevision, perr.Failed)
	assert.Equal(t, res.RevisionID, perr.RevisionID)

	got := f.reload(t, q.ID)
	assert.Equal(t, model.QCUnderReview, got.QCStatus)
	assert.Equal(t, model.QuestionActive, got.Status)
	assert.Equal(t, "Hitung 2+2, format benar", got.Body)
	rev, err := f.st.GetRevision(f.ctx, res.RevisionID)
	require.NoError(t, err)
	assert.Equal(t, model.RevisionPending, rev.Status)

	f.st.respondErr = nil
	f.st.qcReviewErr = errors.New("disk full")
	_, err = f.svc.UpdateAcceptance(f.ctx, f.de, res.RevisionID, essay("Hitung 2+2, format benar"))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{StepQuestion, StepRevision}, perr.Completed)
	assert.Equal(t, StepQCReview, perr.Failed)

	f.st.qcReviewErr = nil
	_, err = f.svc.UpdateAcceptance(f.ctx, f.de, res.RevisionID, essay("Hitung 2+2, format benar"))
	require.NoError(t, err)

	rev, err = f.st.GetRevision(f.ctx, res.RevisionID)
	require.NoError(t, err)
	assert.Equal(t, model.RevisionCompleted, rev.Status)
	review, err := f.st.GetQCReview(f.ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QCUnderReview, review.Status)
}

func TestUpdateAcceptanceReplayAfterApproval(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q := f.claimed(t, f.qc1)
	res, err := f.svc.SubmitDecision(f.ctx, f.qc1, DecisionInput{QuestionID: q.ID, Difficulty: model.DifficultyEasy})
	require.NoError(t, err)
	recreation, err := f.svc.ApproveEasyRevision(f.ctx, f.qm, res.RevisionID, nil)
	require.NoError(t, err)
	_, err = f.svc.UpdateAcceptance(f.ctx, f.de, recreation.ID, essay("recreated"))
	require.NoError(t, err)

	_, err = f.svc.StartReview(f.ctx, f.qc2, q.ID)
	require.NoError(t, err)
	_, err = f.svc.SubmitDecision(f.ctx, f.qc2, DecisionInput{QuestionID: q.ID, Difficulty: model.DifficultyHard, Accept: ptr(true)})
	require.NoError(t, err)

	_, err = f.svc.UpdateAcceptance(f.ctx, f.de, recreation.ID, essay("late edit"))
	assert.ErrorIs(t, err, ErrRevisionClosed)

	got := f.reload(t, q.ID)
	assert.Equal(t, model.QCApproved, got.QCStatus)
	assert.Equal(t, "recreated", got.Body)
	review, err := f.st.GetQCReview(f.ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, review)
	assert.Equal(t, model.QCApproved, review.Status)
}

func TestRequestLifecycle(t *testing.T) {
	f := newFixture(t, model.AppConfig{})

	_, err := f.svc.CreateRequest(f.ctx, f.de, RequestInput{PackageID: f.pkg.ID, TargetRole: model.RoleAdministrator, Notes: "x"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	req, err := f.svc.CreateRequest(f.ctx, f.de, RequestInput{
		PackageID:  f.pkg.ID,
		TargetRole: model.RoleQuestionMaker,
		Notes:      "page 4 is unreadable",
		Evidence:   []storage.File{{Name: "page4.png", Data: []byte{1}}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RevisionRequest, req.RevisionType)
	assert.Equal(t, model.RevisionPending, req.Status)
	assert.Nil(t, req.QuestionID)
	assert.Len(t, req.EvidenceURLs, 1)

	p, _, err := f.svc.Package(f.ctx, f.admin, f.pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PackageRevision, p.Status)

	out, err := f.svc.Outgoing(f.ctx, f.de, store.RevisionFilter{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	in, err := f.svc.Incoming(f.ctx, f.qm, "", store.RevisionFilter{})
	require.NoError(t, err)
	require.Len(t, in, 1)
	_, err = f.svc.Incoming(f.ctx, f.qc1, model.RoleQuestionMaker, store.RevisionFilter{})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.RespondRequest(f.ctx, f.qc1, req.ID, true, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	resp, err := f.svc.RespondRequest(f.ctx, f.qm, req.ID, true,
		&storage.File{Name: "paket 3 v2.pdf", Data: []byte("%PDF")})
	require.NoError(t, err)
	assert.Equal(t, model.RevisionApproved, resp.Status)
	require.NotNil(t, resp.RespondedBy)
	assert.Equal(t, f.qm.User.ID, *resp.RespondedBy)
	assert.NotNil(t, resp.RespondedAt)

	p, _, err = f.svc.Package(f.ctx, f.qm, f.pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PackagePending, p.Status)
	assert.Contains(t, p.SourceFileURL, "paket 3 v2.pdf")

	_, err = f.svc.RespondRequest(f.ctx, f.admin, req.ID, false, nil)
	assert.ErrorIs(t, err, ErrRevisionClosed)
}

func TestQuotaEnforced(t *testing.T) {
	f := newFixture(t, model.AppConfig{QuotaMax: 2, EnforceQuota: true})
	q1, q2, q3 := f.question(t), f.question(t), f.question(t)

	_, err := f.svc.StartReview(f.ctx, f.qc1, q1.ID)
	require.NoError(t, err)
	qs, err := f.svc.MyQuota(f.ctx, f.qc1)
	require.NoError(t, err)
	assert.Equal(t, QuotaStatus{Current: 1, Max: 2, Percent: 50, Band: BandMedium}, qs)

	_, err = f.svc.StartReview(f.ctx, f.qc1, q2.ID)
	require.NoError(t, err)
	_, err = f.svc.StartReview(f.ctx, f.qc1, q3.ID)
	assert.ErrorIs(t, err, ErrQuotaFull)
	assert.Equal(t, model.QCPendingReview, f.reload(t, q3.ID).QCStatus)

	require.NoError(t, f.st.SetQuotaMax(f.ctx, 3))
	_, err = f.svc.StartReview(f.ctx, f.qc1, q3.ID)
	assert.NoError(t, err, "stored setting overrides the flag")
}

func TestQuotaEnforcedConcurrently(t *testing.T) {
	f := newFixture(t, model.AppConfig{QuotaMax: 2, EnforceQuota: true})
	var qs []*model.Question
	for i := 0; i < 6; i++ {
		qs = append(qs, f.question(t))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(qs))
	for i, q := range qs {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = f.svc.StartReview(f.ctx, f.qc1, id)
		}(i, q.ID)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrQuotaFull)
	}
	assert.Equal(t, 2, wins)
	status, err := f.svc.Quota(f.ctx, f.qc1.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Current)
}

func TestQuotaAdvisory(t *testing.T) {
	f := newFixture(t, model.AppConfig{QuotaMax: 1})
	for i := 0; i < 3; i++ {
		f.claimed(t, f.qc1)
	}
	qs, err := f.svc.Quota(f.ctx, f.qc1.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, qs.Current)
	assert.Equal(t, BandFull, qs.Band)
}

func TestNewQuotaStatusBands(t *testing.T) {
	tests := []struct {
		current, limit int
		want           Band
	}{
		{0, 10, BandAvailable},
		{4, 10, BandAvailable},
		{5, 10, BandMedium},
		{7, 10, BandMedium},
		{8, 10, BandHigh},
		{9, 10, BandHigh},
		{10, 10, BandFull},
		{12, 10, BandFull},
		{0, 0, BandFull},
	}
	for _, tt := range tests {
		got := NewQuotaStatus(tt.current, tt.limit)
		assert.Equal(t, tt.want, got.Band, "%d/%d", tt.current, tt.limit)
	}
}

func TestExpireStaleClaims(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	old := f.question(t)
	fresh := f.question(t)

	f.svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	_, err := f.svc.StartReview(f.ctx, f.qc1, old.ID)
	require.NoError(t, err)
	f.svc.now = time.Now
	_, err = f.svc.StartReview(f.ctx, f.qc2, fresh.ID)
	require.NoError(t, err)

	n, err := f.svc.ExpireStaleClaims(f.ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "zero ttl disables reclaim")

	n, err = f.svc.ExpireStaleClaims(f.ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.QCPendingReview, f.reload(t, old.ID).QCStatus)
	assert.Equal(t, model.QCUnderQCReview, f.reload(t, fresh.ID).QCStatus)
}

func TestAdministratorActsAsEveryRole(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	q, err := f.svc.CreateQuestion(f.ctx, f.admin, f.pkg.ID, essay("admin wrote this"))
	require.NoError(t, err)
	_, err = f.svc.StartReview(f.ctx, f.admin, q.ID)
	require.NoError(t, err)
	_, err = f.svc.SubmitDecision(f.ctx, f.admin, DecisionInput{QuestionID: q.ID, Difficulty: model.DifficultyHard, Accept: ptr(true)})
	require.NoError(t, err)

	all, err := f.svc.Incoming(f.ctx, f.admin, "", store.RevisionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.ErrorIs(t, f.svc.SetPackageStatus(f.ctx, f.qm, f.pkg.ID, model.PackageApproved), ErrForbidden)
	require.NoError(t, f.svc.SetPackageStatus(f.ctx, f.admin, f.pkg.ID, model.PackageApproved))
}

func TestPendingAndClaimedQueues(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	a, _ := f.question(t), f.question(t)
	_, err := f.svc.StartReview(f.ctx, f.qc1, a.ID)
	require.NoError(t, err)

	pending, err := f.svc.PendingQuestions(f.ctx, f.qc2, model.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	mine, err := f.svc.ClaimedQuestions(f.ctx, f.qc1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)
}

func TestPendingQuestionsPagination(t *testing.T) {
	f := newFixture(t, model.AppConfig{})
	resubmitted := f.question(t)
	require.NoError(t, f.st.UpdateQuestionContent(f.ctx, *resubmitted, model.QuestionActive, model.QCUnderReview))
	f.question(t)
	f.question(t)

	page, err := f.svc.PendingQuestions(f.ctx, f.qc1, model.ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	seen := map[int64]bool{}
	for offset := 0; offset < 5; offset++ {
		page, err := f.svc.PendingQuestions(f.ctx, f.qc1, model.ListOptions{Limit: 1, Offset: offset})
		require.NoError(t, err)
		for _, q := range page {
			assert.False(t, seen[q.ID], "question %d listed twice", q.ID)
			seen[q.ID] = true
		}
	}
	assert.Len(t, seen, 3)
	assert.True(t, seen[resubmitted.ID])
}
