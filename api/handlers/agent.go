package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/gridxlabs/gridx/api"
	"github.com/gridxlabs/gridx/internal/blob"
	"github.com/gridxlabs/gridx/internal/liveness"
	"github.com/gridxlabs/gridx/internal/scheduler"
	"github.com/gridxlabs/gridx/internal/store"
	"github.com/gridxlabs/gridx/types"
)

// maxResultBytes caps result-artifact uploads.
const maxResultBytes = 256 << 20 // 256 MB

// AgentHandler serves the pull-based agent protocol.
type AgentHandler struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	tracker   liveness.Tracker
	blobs     blob.Store
	logger    *zap.Logger
}

// NewAgentHandler creates the agent protocol handler.
func NewAgentHandler(st *store.Store, sched *scheduler.Scheduler, tracker liveness.Tracker, blobs blob.Store, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{
		store:     st,
		scheduler: sched,
		tracker:   tracker,
		blobs:     blobs,
		logger:    logger.With(zap.String("component", "agent_api")),
	}
}

// Register handles POST /v1/agent/register. Idempotent: re-registering
// an existing agent relinks it instead of erroring.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}
	if req.AgentID == "" || req.OwnerID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "agent_id and owner_id are required"), h.logger)
		return
	}

	outcome, err := h.store.UpsertAgent(r.Context(), req.AgentID, req.OwnerID, req.GPUModel, req.RAMTotal)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.RegisterResponse{AgentID: req.AgentID, Outcome: string(outcome)})
}

// Heartbeat handles POST /v1/agent/heartbeat.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}
	if req.AgentID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "agent_id is required"), h.logger)
		return
	}

	if err := h.tracker.Beat(r.Context(), req.AgentID, types.AgentStatus(req.Status)); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, nil)
}

// RequestTask handles POST /v1/agent/request_task. An empty response
// with Assigned=false means no pending work; the agent polls again.
func (h *AgentHandler) RequestTask(w http.ResponseWriter, r *http.Request) {
	var req api.TaskRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}
	if req.AgentID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "agent_id is required"), h.logger)
		return
	}

	assignment, err := h.scheduler.RequestTask(r.Context(), req.AgentID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if assignment == nil {
		WriteSuccess(w, api.TaskResponse{Assigned: false})
		return
	}
	WriteSuccess(w, api.TaskResponse{
		Assigned:        true,
		TaskID:          assignment.TaskID,
		JobID:           assignment.JobID,
		CodeURL:         assignment.CodeURL,
		RequirementsURL: assignment.RequirementsURL,
		ChunkURL:        assignment.ChunkURL,
	})
}

// UploadResult handles POST /v1/agent/upload_result. The artifact
// arrives as a multipart file under "model" with agent_id and task_id
// form fields; the stored URL comes back for the completion report.
func (h *AgentHandler) UploadResult(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxResultBytes); err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid multipart body").WithCause(err), h.logger)
		return
	}
	agentID := r.FormValue("agent_id")
	taskID := r.FormValue("task_id")
	if agentID == "" || taskID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "agent_id and task_id are required"), h.logger)
		return
	}

	subtask, err := h.store.GetSubtask(r.Context(), taskID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if subtask.AssignedTo == nil || *subtask.AssignedTo != agentID {
		WriteError(w, types.NewErrorf(types.ErrTaskNotAssigned,
			"subtask %s is not assigned to agent %s", taskID, agentID), h.logger)
		return
	}

	file, _, err := r.FormFile("model")
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "model file is required").WithCause(err), h.logger)
		return
	}
	defer file.Close()

	data, err := readAllLimited(file, maxResultBytes)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	url, err := h.blobs.Put(r.Context(), blob.ResultPath(subtask.JobID, taskID), "application/octet-stream", data)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "store result").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, api.UploadResultResponse{ResultURL: url})
}

// CompleteTask handles POST /v1/agent/complete_task. A missing
// result_url is accepted: the subtask completes without an artifact and
// aggregation works with whatever siblings produced.
func (h *AgentHandler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	var req api.CompleteTaskRequest
	if DecodeJSONBody(w, r, &req, h.logger) != nil {
		return
	}
	if req.AgentID == "" || req.TaskID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "agent_id and task_id are required"), h.logger)
		return
	}

	var resultURL *string
	if req.ResultURL != "" {
		resultURL = &req.ResultURL
	}
	if err := h.scheduler.CompleteTask(r.Context(), req.AgentID, req.TaskID, resultURL); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, nil)
}

// ListOnline handles GET /v1/agents. Operator view of the agents inside
// the liveness window.
func (h *AgentHandler) ListOnline(w http.ResponseWriter, r *http.Request) {
	agents, err := h.tracker.Online(r.Context(), liveness.DefaultWindow)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	views := make([]api.AgentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, api.AgentView{
			AgentID:       a.ID,
			OwnerID:       a.OwnerID,
			Status:        string(a.Status),
			GPUModel:      a.GPUModel,
			RAMTotal:      a.RAMTotal,
			LastHeartbeat: a.LastHeartbeat,
		})
	}
	WriteSuccess(w, views)
}
