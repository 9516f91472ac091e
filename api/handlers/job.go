package handlers

import (
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/api"
	"github.com/gridxlabs/gridx/internal/ctxkeys"
	"github.com/gridxlabs/gridx/internal/jobs"
	"github.com/gridxlabs/gridx/types"
)

// maxUploadBytes caps a whole job submission.
const maxUploadBytes = 512 << 20 // 512 MB

// JobHandler serves the owner-facing job API. All routes sit behind the
// auth middleware, which puts the owner ID on the context.
type JobHandler struct {
	jobs   *jobs.Service
	logger *zap.Logger
}

// NewJobHandler creates the job API handler.
func NewJobHandler(svc *jobs.Service, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{
		jobs:   svc,
		logger: logger.With(zap.String("component", "job_api")),
	}
}

func ownerFrom(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	ownerID, ok := ctxkeys.OwnerID(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrUnauthorized, "no authenticated owner"), logger)
		return "", false
	}
	return ownerID, true
}

// Submit handles POST /v1/jobs: a multipart form with a title field and
// the three files code, requirements and dataset.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFrom(w, r, h.logger)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid multipart body").WithCause(err), h.logger)
		return
	}

	code, err := formFileBytes(r, "code")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	requirements, err := formFileBytes(r, "requirements")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	data, err := formFileBytes(r, "dataset")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	job, err := h.jobs.SubmitJob(r.Context(), jobs.Upload{
		Title:        r.FormValue("title"),
		OwnerID:      ownerID,
		Code:         code,
		Requirements: requirements,
		Data:         data,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data:    api.SubmitJobResponse{JobID: job.ID, Status: string(job.Status)},
	})
}

// List handles GET /v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFrom(w, r, h.logger)
	if !ok {
		return
	}

	list, err := h.jobs.ListJobs(r.Context(), ownerID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, list)
}

// Get handles GET /v1/jobs/{id}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFrom(w, r, h.logger)
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(r.Context(), ownerID, r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, job)
}

// Subtasks handles GET /v1/jobs/{id}/subtasks.
func (h *JobHandler) Subtasks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFrom(w, r, h.logger)
	if !ok {
		return
	}

	subtasks, err := h.jobs.Subtasks(r.Context(), ownerID, r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, subtasks)
}

// Result handles GET /v1/jobs/{id}/result: the raw averaged artifact of
// a completed job.
func (h *JobHandler) Result(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFrom(w, r, h.logger)
	if !ok {
		return
	}

	data, err := h.jobs.GetResult(r.Context(), ownerID, r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="final_model.pth"`)
	_, _ = w.Write(data)
}

func formFileBytes(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "%s file is required", field).WithCause(err)
	}
	defer func(f multipart.File) { _ = f.Close() }(file)

	data, err := readAllLimited(file, maxUploadBytes)
	if err != nil {
		return nil, err
	}
	return data, nil
}
