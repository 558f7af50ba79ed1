package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pavelanni/questionflow/internal/model"
	"github.com/pavelanni/questionflow/internal/store"
	"github.com/pavelanni/questionflow/internal/workflow"
)

type packageResponse struct {
	*model.Package
	Progress model.PackageProgress `json:"progress"`
}

func (h *Handler) handleListPackages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pkgs, err := h.flow.Packages(r.Context(), session(r), store.PackageFilter{
		Status:      model.PackageStatus(q.Get("status")),
		VendorName:  q.Get("vendor"),
		ListOptions: listOptions(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(pkgs))
}

func (h *Handler) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "packageID")
	if err != nil {
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

// handleCreatePackage expects a multipart form with the package fields and a "source" file.
func (h *Handler) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	if err := parseMultipart(w, r); err != nil {
		h.writeError(w, r, err)
		return
	}
	number, err := strconv.Atoi(r.FormValue("package_number"))
	if err != nil {
		h.writeError(w, r, &workflow.ValidationError{Field: "package_number", Reason: "must be a number"})
		return
	}
	amount, err := strconv.Atoi(r.FormValue("amount_of_questions"))
	if err != nil {
		h.writeError(w, r, &workflow.ValidationError{Field: "amount_of_questions", Reason: "must be a number"})
		return
	}
	in := workflow.PackageInput{
		VendorName:        r.FormValue("vendor_name"),
		Subject:           r.FormValue("subject"),
		Exam:              r.FormValue("exam"),
		PackageNumber:     number,
		Title:             r.FormValue("title"),
		AmountOfQuestions: amount,
	}
	src, err := formFile(r, "source")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if src != nil {
		in.Source = *src
	}
	p, err := h.flow.CreatePackage(r.Context(), session(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type questionBody struct {
	SubjectID       *int64             `json:"subject_id"`
	ChapterID       *int64             `json:"chapter_id"`
	TopicID         *int64             `json:"topic_id"`
	ConceptTitleID  *int64             `json:"concept_title_id"`
	Type            model.QuestionType `json:"type"`
	Body            string             `json:"body"`
	Options         []string           `json:"options"`
	CorrectOption   *int               `json:"correct_option"`
	CorrectAnswer   string             `json:"correct_answer"`
	Solution        string             `json:"solution"`
	KeepAttachments []string           `json:"attachments"`
}

func (b questionBody) content() workflow.QuestionContent {
	return workflow.QuestionContent{
		SubjectID:       b.SubjectID,
		ChapterID:       b.ChapterID,
		TopicID:         b.TopicID,
		ConceptTitleID:  b.ConceptTitleID,
		Type:            b.Type,
		Body:            b.Body,
		Options:         b.Options,
		CorrectOption:   b.CorrectOption,
		CorrectAnswer:   b.CorrectAnswer,
		Solution:        b.Solution,
		KeepAttachments: b.KeepAttachments,
	}
}

// questionContent reads question fields from a JSON body, or from the "question" JSON
// field of a multipart form whose "attachments" files are uploaded alongside.
func questionContent(w http.ResponseWriter, r *http.Request) (workflow.QuestionContent, error) {
	var body questionBody
	if !isMultipart(r) {
		if err := decodeJSON(r, &body); err != nil {
			return workflow.QuestionContent{}, err
		}
		return body.content(), nil
	}
	if err := parseMultipart(w, r); err != nil {
		return workflow.QuestionContent{}, err
	}
	if err := json.Unmarshal([]byte(r.FormValue("question")), &body); err != nil {
		return workflow.QuestionContent{}, &workflow.ValidationError{Field: "question", Reason: "invalid JSON"}
	}
	c := body.content()
	files, err := formFiles(r, "attachments")
	if err != nil {
		return workflow.QuestionContent{}, err
	}
	c.Attachments = files
	return c, nil
}

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "packageID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	qs, err := h.flow.Questions(r.Context(), id, listOptions(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(qs))
}

func (h *Handler) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "questionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q, err := h.flow.Question(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	pkgID, err := idParam(r, "packageID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := questionContent(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q, err := h.flow.CreateQuestion(r.Context(), session(r), pkgID, c)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (h *Handler) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "questionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := questionContent(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	q, err := h.flow.UpdateQuestion(r.Context(), session(r), id, c)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
