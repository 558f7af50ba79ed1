package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/questionflow/internal/auth"
	appI18n "github.com/pavelanni/questionflow/internal/i18n"
	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/storage"
	"github.com/pavelanni/questionflow/internal/store"
	"github.com/pavelanni/questionflow/internal/workflow"
)

const maxUploadBytes = 32 << 20

var validate = validator.New()

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	flow   *workflow.Service
	gate   *auth.Gate
	config model.AppConfig
}

// New creates a new Handler.
func New(s *store.Store, flow *workflow.Service, gate *auth.Gate, cfg model.AppConfig) (*Handler, error) {
	if s == nil || flow == nil || gate == nil {
		return nil, errors.New("handler needs a store, workflow service and auth gate")
	}
	return &Handler{store: s, flow: flow, gate: gate, config: cfg}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.csrfMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/auth/login", h.handleLogin)
	r.Get("/auth/callback", h.handleCallback)
	r.Post("/auth/password", h.handlePasswordLogin)
	r.Post("/auth/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/me", h.handleMe)
		r.Get("/taxonomy/subjects", h.handleListSubjects)
		r.Get("/taxonomy/{level}/{parentID}/children", h.handleListChildren)

		r.Get("/packages/{packageID}", h.handleGetPackage)
		r.Get("/questions/{questionID}", h.handleGetQuestion)

		r.Route("/revisions", func(r chi.Router) {
			r.Get("/incoming", h.handleIncoming)
			r.Get("/outgoing", h.handleOutgoing)
			r.Post("/", h.handleCreateRequest)
			r.Get("/{revisionID}", h.handleGetRevision)
			r.Post("/{revisionID}/respond", h.handleRespondRequest)
			r.Post("/{revisionID}/acceptance", h.handleUpdateAcceptance)
		})

		r.Route("/question-maker", func(r chi.Router) {
			r.Use(requireRole(model.RoleQuestionMaker))
			r.Get("/packages", h.handleListPackages)
			r.Post("/packages", h.handleCreatePackage)
			r.Post("/revisions/{revisionID}/approve-easy", h.handleApproveEasyRevision)
		})

		r.Route("/data-entry", func(r chi.Router) {
			r.Use(requireRole(model.RoleDataEntry))
			r.Get("/packages", h.handleListPackages)
			r.Get("/packages/{packageID}/questions", h.handleListQuestions)
			r.Post("/packages/{packageID}/questions", h.handleCreateQuestion)
			r.Put("/questions/{questionID}", h.handleUpdateQuestion)
		})

		r.Route("/qc", func(r chi.Router) {
			r.Use(requireRole(model.RoleQCData))
			r.Get("/questions/pending", h.handlePendingQuestions)
			r.Get("/questions/mine", h.handleClaimedQuestions)
			r.Get("/quota", h.handleQuota)
			r.Post("/questions/{questionID}/claim", h.handleClaim)
			r.Post("/questions/{questionID}/release", h.handleRelease)
			r.Post("/questions/{questionID}/decision", h.handleDecision)
		})

		r.Route("/metadata", func(r chi.Router) {
			r.Use(requireRole(model.RoleMetadata))
			r.Post("/taxonomy/subjects", h.handleCreateSubject)
			r.Put("/taxonomy/subjects/{id}", h.handleUpdateSubject)
			r.Post("/taxonomy/{level}", h.handleCreateNode)
			r.Put("/taxonomy/{level}/{id}", h.handleRenameNode)
			r.Delete("/taxonomy/{level}/{id}", h.handleDeleteNode)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireRole(model.RoleAdministrator))
			r.Get("/users", h.handleListUsers)
			r.Post("/users", h.handleCreateUser)
			r.Put("/users/{userID}", h.handleUpdateUser)
			r.Delete("/users/{userID}", h.handleDeleteUser)
			r.Get("/settings/quota", h.handleGetQuotaSetting)
			r.Put("/settings/quota", h.handleSetQuotaSetting)
			r.Put("/packages/{packageID}/status", h.handleSetPackageStatus)
			r.Get("/export", h.handleExport)
		})
	})
}

func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

// session returns the workflow capability for the authenticated request.
func session(r *http.Request) model.Session {
	if u := model.UserFromContext(r.Context()); u != nil {
		return model.NewSession(*u)
	}
	return model.Session{}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Refresh bool   `json:"refresh,omitempty"`
	Step    string `json:"step,omitempty"`
}

// writeError maps workflow errors onto HTTP statuses with a localized message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var verr *workflow.ValidationError
	var perr *workflow.PartialUpdateError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Code:  "ValidationFailed",
			Error: appI18n.Td(ctx, "ValidationFailed", map[string]any{"Detail": verr.Field + " " + verr.Reason}),
		})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code:  "PartialUpdate",
			Error: appI18n.Td(ctx, "PartialUpdate", map[string]any{"Step": perr.Failed}),
			Step:  perr.Failed,
		})
	case errors.Is(err, workflow.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Code: "Forbidden", Error: appI18n.T(ctx, "Forbidden")})
	case errors.Is(err, workflow.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		writeJSON(w, http.StatusNotFound, errorBody{Code: "NotFound", Error: appI18n.T(ctx, "NotFound")})
	case errors.Is(err, workflow.ErrAlreadyTaken):
		writeJSON(w, http.StatusConflict, errorBody{Code: "AlreadyTaken", Error: appI18n.T(ctx, "AlreadyTaken"), Refresh: true})
	case errors.Is(err, workflow.ErrNotClaimHolder):
		writeJSON(w, http.StatusConflict, errorBody{Code: "NotClaimHolder", Error: appI18n.T(ctx, "NotClaimHolder"), Refresh: true})
	case errors.Is(err, workflow.ErrQuotaFull):
		limit, _ := h.store.QuotaMax(ctx, h.config.QuotaMax)
		writeJSON(w, http.StatusConflict, errorBody{Code: "QuotaFull", Error: appI18n.Td(ctx, "QuotaFull", map[string]any{"Max": limit})})
	case errors.Is(err, workflow.ErrRevisionClosed):
		writeJSON(w, http.StatusConflict, errorBody{Code: "RevisionClosed", Error: appI18n.T(ctx, "RevisionClosed"), Refresh: true})
	case errors.Is(err, workflow.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Code: "InvalidTransition", Error: appI18n.T(ctx, "InvalidTransition")})
	case errors.Is(err, store.ErrHasChildren):
		writeJSON(w, http.StatusConflict, errorBody{Code: "InvalidTransition", Error: appI18n.T(ctx, "InvalidTransition")})
	case errors.Is(err, errEmailTaken):
		writeJSON(w, http.StatusConflict, errorBody{Code: "EmailTaken", Error: appI18n.T(ctx, "EmailTaken")})
	case errors.Is(err, workflow.ErrNoStorage):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: storage.MsgBucketMissing, Error: appI18n.T(ctx, storage.MsgBucketMissing)})
	case errors.Is(err, auth.ErrNotRegistered):
		writeJSON(w, http.StatusForbidden, errorBody{Code: "NotRegistered", Error: appI18n.T(ctx, "NotRegistered")})
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "LoginError", Error: appI18n.T(ctx, "LoginError")})
	default:
		if msgID, ok := storage.TranslateError(err); ok {
			slog.Warn("upload failed", "path", r.URL.Path, "error", err)
			writeJSON(w, http.StatusBadGateway, errorBody{Code: msgID, Error: appI18n.T(ctx, msgID)})
			return
		}
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "InternalError", Error: appI18n.T(ctx, "InternalError")})
	}
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	h.writeError(w, r, &workflow.ValidationError{Reason: detail})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &workflow.ValidationError{Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}

// decodeValid decodes a JSON body and checks its validate tags.
func decodeValid(r *http.Request, v any) error {
	if err := decodeJSON(r, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &workflow.ValidationError{Field: strings.ToLower(verrs[0].Field()), Reason: verrs[0].Tag()}
		}
		return &workflow.ValidationError{Reason: err.Error()}
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, &workflow.ValidationError{Field: name, Reason: "invalid id"}
	}
	return id, nil
}

func listOptions(r *http.Request) model.ListOptions {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return model.ListOptions{Limit: limit, Offset: offset}
}

func parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return &workflow.ValidationError{Reason: "invalid upload: " + err.Error()}
	}
	return nil
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

// formFiles reads every file uploaded under field.
func formFiles(r *http.Request, field string) ([]storage.File, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	var out []storage.File
	for _, fh := range r.MultipartForm.File[field] {
		f, err := readFile(fh)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func formFile(r *http.Request, field string) (*storage.File, error) {
	files, err := formFiles(r, field)
	if err != nil || len(files) == 0 {
		return nil, err
	}
	return &files[0], nil
}

func readFile(fh *multipart.FileHeader) (storage.File, error) {
	f, err := fh.Open()
	if err != nil {
		return storage.File{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return storage.File{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}
	ct := fh.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return storage.File{Name: fh.Filename, ContentType: ct, Data: data}, nil
}
