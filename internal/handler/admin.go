package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pavelanni/questionflow/internal/auth"
	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/workflow"
)

var errEmailTaken = errors.New("email already registered")

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	var role model.Role
	if v := r.URL.Query().Get("role"); v != "" {
		parsed, err := model.ParseRole(v)
		if err != nil {
			h.writeError(w, r, &workflow.ValidationError{Field: "role", Reason: err.Error()})
			return
		}
		role = parsed
	}
	users, err := h.store.ListUsers(r.Context(), role, listOptions(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(users))
}

type createUserRequest struct {
	Name       string `json:"name" validate:"required,max=200"`
	Email      string `json:"email" validate:"required,email"`
	Role       string `json:"role" validate:"required"`
	VendorName string `json:"vendor_name" validate:"max=200"`
	Password   string `json:"password" validate:"omitempty,min=8"`
}

// handleCreateUser registers a user. Users normally sign in through OAuth; a password is
// only set for accounts that need local login.
func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeValid(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		h.writeError(w, r, &workflow.ValidationError{Field: "role", Reason: err.Error()})
		return
	}

	existing, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if existing != nil {
		h.writeError(w, r, errEmailTaken)
		return
	}

	u := model.User{
		Name:       strings.TrimSpace(req.Name),
		Email:      req.Email,
		Role:       role,
		VendorName: req.VendorName,
	}
	if req.Password != "" {
		if u.PasswordHash, err = auth.HashPassword(req.Password); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	id, err := h.store.CreateUser(r.Context(), u)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	created, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type updateUserRequest struct {
	Name       string `json:"name" validate:"required,max=200"`
	VendorName string `json:"vendor_name" validate:"max=200"`
}

func (h *Handler) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "userID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req updateUserRequest
	if err := decodeValid(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	u, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if u == nil || u.IsDeleted {
		h.writeError(w, r, workflow.ErrNotFound)
		return
	}
	if err := h.store.UpdateUserProfile(r.Context(), id, req.Name, req.VendorName); err != nil {
		h.writeError(w, r, err)
		return
	}
	u.Name, u.VendorName = req.Name, req.VendorName
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "userID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if id == session(r).User.ID {
		h.badRequest(w, r, "you cannot delete your own account")
		return
	}
	u, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if u == nil || u.IsDeleted {
		h.writeError(w, r, workflow.ErrNotFound)
		return
	}
	if err := h.store.SoftDeleteUser(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type quotaSetting struct {
	Max int `json:"max" validate:"min=1,max=100"`
}

func (h *Handler) handleGetQuotaSetting(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.QuotaMax(r.Context(), h.config.QuotaMax)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaSetting{Max: n})
}

func (h *Handler) handleSetQuotaSetting(w http.ResponseWriter, r *http.Request) {
	var req quotaSetting
	if err := decodeValid(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.SetQuotaMax(r.Context(), req.Max); err != nil {
		h.writeError(w, r, err)
		return
	}
	slog.Info("quota updated", "max", req.Max, "by", session(r).User.ID)
	writeJSON(w, http.StatusOK, req)
}

type packageStatusRequest struct {
	Status model.PackageStatus `json:"status" validate:"required"`
}

func (h *Handler) handleSetPackageStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "packageID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req packageStatusRequest
	if err := decodeValid(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.flow.SetPackageStatus(r.Context(), session(r), id, req.Status); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, progress, err := h.flow.Package(r.Context(), session(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, packageResponse{Package: p, Progress: progress})
}

// handleExport returns the progress report as a downloadable JSON document.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := h.store.ExportProgress(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="progress.json"`)
	writeJSON(w, http.StatusOK, export)
}
