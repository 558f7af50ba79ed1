package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/questionflow/internal/auth"
	appI18n "github.com/pavelanni/questionflow/internal/i18n"
	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/storage"
	"github.com/pavelanni/questionflow/internal/store"
	"github.com/pavelanni/questionflow/internal/workflow"
)

const testPassword = "correct horse"

type memFiles struct{}

func (memFiles) Store(_ context.Context, prefix string, files []storage.File) ([]storage.Stored, error) {
	out := make([]storage.Stored, len(files))
	for i, f := range files {
		key := prefix + "/" + f.Name
		out[i].Object = storage.Object{URL: "https://objects.test/" + key, Path: key}
	}
	return out, nil
}

type testEnv struct {
	srv  *httptest.Server
	st   *store.Store
	flow *workflow.Service
	pkg  *model.Package

	admin, qm, de, qc1, qc2, meta model.Session
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))
	ctx := context.Background()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := model.AppConfig{QuotaMax: 10, EnforceQuota: true}
	env := &testEnv{st: st, flow: workflow.New(st, memFiles{}, nil, cfg)}

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	mk := func(email string, role model.Role) model.Session {
		u := model.User{Name: email, Email: email, Role: role, PasswordHash: hash}
		id, err := st.CreateUser(ctx, u)
		require.NoError(t, err)
		u.ID = id
		return model.NewSession(u)
	}
	env.admin = mk("admin@example.com", model.RoleAdministrator)
	env.qm = mk("maker@example.com", model.RoleQuestionMaker)
	env.de = mk("entry@example.com", model.RoleDataEntry)
	env.qc1 = mk("qc1@example.com", model.RoleQCData)
	env.qc2 = mk("qc2@example.com", model.RoleQCData)
	env.meta = mk("meta@example.com", model.RoleMetadata)

	_, err = st.CreateSubject(ctx, "Literasi Bahasa Indonesia", "LBI")
	require.NoError(t, err)
	env.pkg, err = env.flow.CreatePackage(ctx, env.qm, workflow.PackageInput{
		Subject:           "Literasi Bahasa Indonesia",
		Exam:              "UTBK",
		PackageNumber:     1,
		Title:             "Paket 1",
		AmountOfQuestions: 5,
		Source:            storage.File{Name: "paket1.pdf", Data: []byte("%PDF")},
	})
	require.NoError(t, err)

	h, err := New(st, env.flow, auth.NewGate(st, nil), cfg)
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Use(appI18n.Middleware())
	h.Routes(r)
	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

func (env *testEnv) question(t *testing.T) *model.Question {
	t.Helper()
	q, err := env.flow.CreateQuestion(context.Background(), env.de, env.pkg.ID, workflow.QuestionContent{
		Type:          model.TypeEssay,
		Body:          "Tentukan ide pokok paragraf berikut.",
		CorrectAnswer: "Paragraf kedua",
	})
	require.NoError(t, err)
	return q
}

type client struct {
	t    *testing.T
	http *http.Client
	base string
	csrf string
}

func (env *testEnv) client(t *testing.T) *client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	c := &client{t: t, http: &http.Client{Jar: jar}, base: env.srv.URL}
	resp, err := c.http.Get(c.base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	c.csrf = resp.Header.Get(csrfHeaderName)
	require.NotEmpty(t, c.csrf)
	return c
}

func (env *testEnv) login(t *testing.T, sess model.Session) *client {
	t.Helper()
	c := env.client(t)
	status, _ := c.do(http.MethodPost, "/auth/password", map[string]string{
		"email":    sess.User.Email,
		"password": testPassword,
	})
	require.Equal(t, http.StatusOK, status)
	return c
}

// do sends a JSON request with the CSRF header and decodes a JSON object response.
func (c *client) do(method, path string, body any) (int, map[string]any) {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrfHeaderName, c.csrf)
	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if len(data) > 0 && data[0] == '{' {
		require.NoError(c.t, json.Unmarshal(data, &out))
	}
	return resp.StatusCode, out
}

func TestCSRFRequired(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	c.csrf = "forged"
	status, body := c.do(http.MethodPost, "/auth/password", map[string]string{
		"email": "admin@example.com", "password": testPassword,
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Forbidden", body["code"])
}

func TestRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.client(t).do(http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthorized", body["code"])
}

func TestPasswordLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.client(t).do(http.MethodPost, "/auth/password", map[string]string{
		"email": "qc1@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "LoginError", body["code"])
}

func TestLogoutEndsSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.login(t, env.qc1)
	status, _ := c.do(http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = c.do(http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRoleGating(t *testing.T) {
	env := newTestEnv(t)
	qc := env.login(t, env.qc1)
	status, body := qc.do(http.MethodGet, "/admin/users", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Forbidden", body["code"])

	status, _ = qc.do(http.MethodPost, "/metadata/taxonomy/subjects", map[string]string{"name": "Biologi", "abbreviation": "BIO"})
	assert.Equal(t, http.StatusForbidden, status)

	admin := env.login(t, env.admin)
	for _, path := range []string{"/qc/questions/pending", "/question-maker/packages", "/data-entry/packages", "/admin/users"} {
		status, _ := admin.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, status, path)
	}
}

func TestMeReportsQuota(t *testing.T) {
	env := newTestEnv(t)
	q := env.question(t)
	c := env.login(t, env.qc1)
	status, _ := c.do(http.MethodPost, fmt.Sprintf("/qc/questions/%d/claim", q.ID), nil)
	require.Equal(t, http.StatusOK, status)

	status, body := c.do(http.MethodGet, "/me", nil)
	require.Equal(t, http.StatusOK, status)
	quota := body["quota"].(map[string]any)
	assert.EqualValues(t, 1, quota["current"])
	assert.EqualValues(t, 10, quota["max"])
	assert.Equal(t, "1 question in review.", body["claimed"])
	assert.Equal(t, c.csrf, body["csrf_token"])

	status, body = env.login(t, env.qm).do(http.MethodGet, "/me", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, body, "quota")
}

func TestClaimConflict(t *testing.T) {
	env := newTestEnv(t)
	q := env.question(t)
	path := fmt.Sprintf("/qc/questions/%d/claim", q.ID)

	status, body := env.login(t, env.qc1).do(http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(model.QCUnderQCReview), body["qc_status"])

	status, body = env.login(t, env.qc2).do(http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "AlreadyTaken", body["code"])
	assert.Equal(t, true, body["refresh"])
}

func TestReleaseByOtherReviewer(t *testing.T) {
	env := newTestEnv(t)
	q := env.question(t)
	qc1 := env.login(t, env.qc1)
	status, _ := qc1.do(http.MethodPost, fmt.Sprintf("/qc/questions/%d/claim", q.ID), nil)
	require.Equal(t, http.StatusOK, status)

	status, body := env.login(t, env.qc2).do(http.MethodPost, fmt.Sprintf("/qc/questions/%d/release", q.ID), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "NotClaimHolder", body["code"])

	status, _ = qc1.do(http.MethodPost, fmt.Sprintf("/qc/questions/%d/release", q.ID), nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestDecisionValidation(t *testing.T) {
	env := newTestEnv(t)
	q := env.question(t)
	c := env.login(t, env.qc1)
	status, _ := c.do(http.MethodPost, fmt.Sprintf("/qc/questions/%d/claim", q.ID), nil)
	require.Equal(t, http.StatusOK, status)

	status, body := c.do(http.MethodPost, fmt.Sprintf("/qc/questions/%d/decision", q.ID), map[string]any{
		"difficulty": "hard",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ValidationFailed", body["code"])

	status, body = c.do(http.MethodPost, fmt.Sprintf("/qc/questions/%d/decision", q.ID), map[string]any{
		"difficulty": "hard",
		"accept":     false,
		"notes":      "Tabel tidak terbaca",
		"keywords":   []string{model.KeywordCodingFormatting},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(model.RoleDataEntry), body["target_role"])
	assert.Equal(t, model.RemarksSendToDataEntry, body["remarks"])
}

func TestQuestionNotFound(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.login(t, env.qc1).do(http.MethodGet, "/questions/9999", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", body["code"])
}

func TestAdminCreateUser(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, env.admin)
	req := map[string]string{"name": "Sari", "email": "Sari@Example.com", "role": "qc_data", "vendor_name": "Vendor B"}

	status, body := admin.do(http.MethodPost, "/admin/users", req)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "sari@example.com", body["email"])
	assert.NotContains(t, body, "PasswordHash")

	status, body = admin.do(http.MethodPost, "/admin/users", req)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "EmailTaken", body["code"])

	req["email"], req["role"] = "other@example.com", "superuser"
	status, _ = admin.do(http.MethodPost, "/admin/users", req)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminDeleteUser(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, env.admin)
	qc := env.login(t, env.qc2)

	status, _ := admin.do(http.MethodDelete, fmt.Sprintf("/admin/users/%d", env.admin.User.ID), nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = admin.do(http.MethodDelete, fmt.Sprintf("/admin/users/%d", env.qc2.User.ID), nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = qc.do(http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestQuotaSetting(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, env.admin)
	status, body := admin.do(http.MethodGet, "/admin/settings/quota", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 10, body["max"])

	status, _ = admin.do(http.MethodPut, "/admin/settings/quota", map[string]int{"max": 0})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = admin.do(http.MethodPut, "/admin/settings/quota", map[string]int{"max": 1})
	require.Equal(t, http.StatusOK, status)

	q1, q2 := env.question(t), env.question(t)
	qc := env.login(t, env.qc1)
	status, _ = qc.do(http.MethodPost, fmt.Sprintf("/qc/questions/%d/claim", q1.ID), nil)
	require.Equal(t, http.StatusOK, status)
	status, body = qc.do(http.MethodPost, fmt.Sprintf("/qc/questions/%d/claim", q2.ID), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "QuotaFull", body["code"])
}

func TestTaxonomyEditing(t *testing.T) {
	env := newTestEnv(t)
	meta := env.login(t, env.meta)

	status, subj := meta.do(http.MethodPost, "/metadata/taxonomy/subjects", map[string]string{"name": "Biologi", "abbreviation": "BIO"})
	require.Equal(t, http.StatusCreated, status)
	subjectID := subj["id"].(float64)

	status, chapter := meta.do(http.MethodPost, "/metadata/taxonomy/chapter", map[string]any{"parent_id": subjectID, "name": "Sel"})
	require.Equal(t, http.StatusCreated, status)
	chapterID := chapter["id"].(float64)

	status, body := meta.do(http.MethodDelete, fmt.Sprintf("/metadata/taxonomy/subject/%d", int64(subjectID)), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "InvalidTransition", body["code"])

	status, body = meta.do(http.MethodPut, fmt.Sprintf("/metadata/taxonomy/chapter/%d", int64(chapterID)), map[string]string{"name": "Sel dan Jaringan"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Sel dan Jaringan", body["name"])

	status, _ = meta.do(http.MethodDelete, fmt.Sprintf("/metadata/taxonomy/chapter/%d", int64(chapterID)), nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = meta.do(http.MethodDelete, fmt.Sprintf("/metadata/taxonomy/subject/%d", int64(subjectID)), nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = meta.do(http.MethodPost, "/metadata/taxonomy/galaxy", map[string]any{"parent_id": 1, "name": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestExport(t *testing.T) {
	env := newTestEnv(t)
	env.question(t)
	status, body := env.login(t, env.admin).do(http.MethodGet, "/admin/export", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body)
}
