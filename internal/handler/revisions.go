package handler

import (
	"net/http"
	"strconv"

	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/storage"
	"github.com/pavelanni/questionflow/internal/store"
	"github.com/pavelanni/questionflow/internal/workflow"
)

func revisionFilter(r *http.Request) (store.RevisionFilter, error) {
	q := r.URL.Query()
	f := store.RevisionFilter{
		RevisionType: model.RevisionType(q.Get("type")),
		Status:       model.RevisionStatus(q.Get("status")),
		ListOptions:  listOptions(r),
	}
	if v := q.Get("package_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, &workflow.ValidationError{Field: "package_id", Reason: "invalid id"}
		}
		f.PackageID = id
	}
	return f, nil
}

func (h *Handler) handleIncoming(w http.ResponseWriter, r *http.Request) {
	f, err := revisionFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	role := model.Role(r.URL.Query().Get("role"))
	if role != "" && !role.Valid() {
		h.writeError(w, r, &workflow.ValidationError{Field: "role", Reason: "unknown role"})
		return
	}
	revs, err := h.flow.Incoming(r.Context(), session(r), role, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(revs))
}

func (h *Handler) handleOutgoing(w http.ResponseWriter, r *http.Request) {
	f, err := revisionFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	revs, err := h.flow.Outgoing(r.Context(), session(r), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(revs))
}

func (h *Handler) handleGetRevision(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "revisionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rev, err := h.flow.Revision(r.Context(), session(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

type createRequestBody struct {
	PackageID  int64      `json:"package_id"`
	TargetRole model.Role `json:"target_role"`
	Notes      string     `json:"notes"`
	Keywords   []string   `json:"keywords"`
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in workflow.RequestInput
	if isMultipart(r) {
		if err := parseMultipart(w, r); err != nil {
			h.writeError(w, r, err)
			return
		}
		pkgID, err := strconv.ParseInt(r.FormValue("package_id"), 10, 64)
		if err != nil {
			h.writeError(w, r, &workflow.ValidationError{Field: "package_id", Reason: "invalid id"})
			return
		}
		in = workflow.RequestInput{
			PackageID:  pkgID,
			TargetRole: model.Role(r.FormValue("target_role")),
			Notes:      r.FormValue("notes"),
			Keywords:   r.MultipartForm.Value["keywords"],
		}
		if in.Evidence, err = formFiles(r, "evidence"); err != nil {
			h.writeError(w, r, err)
			return
		}
	} else {
		var body createRequestBody
		if err := decodeJSON(r, &body); err != nil {
			h.writeError(w, r, err)
			return
		}
		in = workflow.RequestInput{PackageID: body.PackageID, TargetRole: body.TargetRole, Notes: body.Notes, Keywords: body.Keywords}
	}
	rev, err := h.flow.CreateRequest(r.Context(), session(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

// handleRespondRequest takes approve=true|false and an optional replacement file.
func (h *Handler) handleRespondRequest(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "revisionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var approve bool
	var replacement *storage.File
	if isMultipart(r) {
		if err := parseMultipart(w, r); err != nil {
			h.writeError(w, r, err)
			return
		}
		if approve, err = strconv.ParseBool(r.FormValue("approve")); err != nil {
			h.writeError(w, r, &workflow.ValidationError{Field: "approve", Reason: "must be true or false"})
			return
		}
		if replacement, err = formFile(r, "file"); err != nil {
			h.writeError(w, r, err)
			return
		}
	} else {
		var body struct {
			Approve *bool `json:"approve"`
		}
		if err := decodeJSON(r, &body); err != nil {
			h.writeError(w, r, err)
			return
		}
		if body.Approve == nil {
			h.writeError(w, r, &workflow.ValidationError{Field: "approve", Reason: "required"})
			return
		}
		approve = *body.Approve
	}
	rev, err := h.flow.RespondRequest(r.Context(), session(r), id, approve, replacement)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (h *Handler) handleApproveEasyRevision(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "revisionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var upload *storage.File
	if isMultipart(r) {
		if err := parseMultipart(w, r); err != nil {
			h.writeError(w, r, err)
			return
		}
		if upload, err = formFile(r, "file"); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	rev, err := h.flow.ApproveEasyRevision(r.Context(), session(r), id, upload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

func (h *Handler) handleUpdateAcceptance(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "revisionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	content, err := questionContent(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q, err := h.flow.UpdateAcceptance(r.Context(), session(r), id, content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
