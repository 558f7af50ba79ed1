package handler

import (
	"net/http"
	"strconv"

	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/workflow"
)

func (h *Handler) handlePendingQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := h.flow.PendingQuestions(r.Context(), session(r), listOptions(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(qs))
}

func (h *Handler) handleClaimedQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := h.flow.ClaimedQuestions(r.Context(), session(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(qs))
}

func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	qs, err := h.flow.MyQuota(r.Context(), session(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "questionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q, err := h.flow.StartReview(r.Context(), session(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "questionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.flow.ReleaseReview(r.Context(), session(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type decisionRequest struct {
	Difficulty model.Difficulty `json:"difficulty"`
	Accept     *bool            `json:"accept"`
	Notes      string           `json:"notes"`
	Keywords   []string         `json:"keywords"`
}

// handleDecision accepts either a JSON body or a multipart form carrying evidence files.
func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "questionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	in := workflow.DecisionInput{QuestionID: id}
	if isMultipart(r) {
		if err := parseMultipart(w, r); err != nil {
			h.writeError(w, r, err)
			return
		}
		in.Difficulty = model.Difficulty(r.FormValue("difficulty"))
		if v := r.FormValue("accept"); v != "" {
			accept, err := strconv.ParseBool(v)
			if err != nil {
				h.writeError(w, r, &workflow.ValidationError{Field: "accept", Reason: "must be true or false"})
				return
			}
			in.Accept = &accept
		}
		in.Notes = r.FormValue("notes")
		in.Keywords = r.MultipartForm.Value["keywords"]
		if in.Evidence, err = formFiles(r, "evidence"); err != nil {
			h.writeError(w, r, err)
			return
		}
	} else {
		var req decisionRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
		in.Difficulty, in.Accept, in.Notes, in.Keywords = req.Difficulty, req.Accept, req.Notes, req.Keywords
	}

	res, err := h.flow.SubmitDecision(r.Context(), session(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func orEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
