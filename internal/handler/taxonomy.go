package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/questionflow/internal/store"
	"github.com/pavelanni/questionflow/internal/workflow"
)

func levelParam(r *http.Request) (store.Level, error) {
	l, err := store.ParseLevel(chi.URLParam(r, "level"))
	if err != nil {
		return "", &workflow.ValidationError{Field: "level", Reason: err.Error()}
	}
	return l, nil
}

func (h *Handler) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.store.ListSubjects(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(subjects))
}

// handleListChildren lists the nodes directly below a node, e.g. the chapters of a subject.
func (h *Handler) handleListChildren(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	parentID, err := idParam(r, "parentID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	child := level.Child()
	if child == "" {
		writeJSON(w, http.StatusOK, []store.Node{})
		return
	}
	nodes, err := h.store.ListChildren(r.Context(), child, parentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(nodes))
}

type subjectRequest struct {
	Name         string `json:"name" validate:"required,max=200"`
	Abbreviation string `json:"abbreviation" validate:"required,alphanum,max=10"`
}

func (h *Handler) handleCreateSubject(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if err := decodeValid(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.store.CreateSubject(r.Context(), req.Name, req.Abbreviation)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	subj, err := h.store.GetSubject(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, subj)
}

func (h *Handler) handleUpdateSubject(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req subjectRequest
	if err := decodeValid(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	subj, err := h.store.GetSubject(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if subj == nil {
		h.writeError(w, r, workflow.ErrNotFound)
		return
	}
	if err := h.store.UpdateSubject(r.Context(), id, req.Name, req.Abbreviation); err != nil {
		h.writeError(w, r, err)
		return
	}
	subj.Name, subj.Abbreviation = req.Name, req.Abbreviation
	writeJSON(w, http.StatusOK, subj)
}

type nodeRequest struct {
	ParentID int64  `json:"parent_id" validate:"required,gt=0"`
	Name     string `json:"name" validate:"required,max=300"`
}

func (h *Handler) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if level == store.LevelSubject {
		h.badRequest(w, r, "subjects are created under /metadata/taxonomy/subjects")
		return
	}
	var req nodeRequest
	if err := decodeValid(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.store.CreateNode(r.Context(), level, req.ParentID, req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, store.Node{ID: id, ParentID: req.ParentID, Name: req.Name})
}

type renameRequest struct {
	Name string `json:"name" validate:"required,max=300"`
}

func (h *Handler) handleRenameNode(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req renameRequest
	if err := decodeValid(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	node, err := h.store.GetNode(r.Context(), level, id)
	if err != nil {
		h.writeError(w, r, &workflow.ValidationError{Field: "level", Reason: err.Error()})
		return
	}
	if node == nil {
		h.writeError(w, r, workflow.ErrNotFound)
		return
	}
	if err := h.store.RenameNode(r.Context(), level, id, req.Name); err != nil {
		h.writeError(w, r, err)
		return
	}
	node.Name = req.Name
	writeJSON(w, http.StatusOK, node)
}

func (h *Handler) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	level, err := levelParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.DeleteNode(r.Context(), level, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
