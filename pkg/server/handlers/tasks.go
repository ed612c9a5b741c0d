package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	graphops "github.com/soundprediction/go-graphops"
	"github.com/soundprediction/go-graphops/pkg/server/dto"
	"github.com/soundprediction/go-graphops/pkg/store"
	"github.com/soundprediction/go-graphops/pkg/types"
)

// TasksHandler handles task submission and lifecycle requests
type TasksHandler struct {
	graphops graphops.GraphOps
}

// NewTasksHandler creates a new tasks handler
func NewTasksHandler(g graphops.GraphOps) *TasksHandler {
	return &TasksHandler{
		graphops: g,
	}
}

// Submit handles POST /tasks
func (h *TasksHandler) Submit(c *gin.Context) {
	var req dto.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	taskID, err := h.graphops.Submit(c.Request.Context(), req.ToSubmitRequest())
	if err != nil {
		writeTaskError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitTaskResponse{TaskID: taskID})
}

// RunSync handles POST /tasks/sync
func (h *TasksHandler) RunSync(c *gin.Context) {
	var req dto.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	task, err := h.graphops.RunSync(c.Request.Context(), req.ToSubmitRequest())
	if err != nil {
		writeTaskError(c, err)
		return
	}

	c.JSON(http.StatusOK, task)
}

// Get handles GET /tasks/:id
func (h *TasksHandler) Get(c *gin.Context) {
	task, err := h.graphops.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeTaskError(c, err)
		return
	}

	c.JSON(http.StatusOK, task)
}

// List handles GET /tasks with optional status, tenant_id and project_id
// query filters
func (h *TasksHandler) List(c *gin.Context) {
	var filter store.Filter

	if statusStr := c.Query("status"); statusStr != "" {
		status := types.TaskStatus(statusStr)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{
				Error:   "invalid_request",
				Message: "unknown status " + statusStr,
			})
			return
		}
		filter.Status = &status
	}

	tenantID := c.Query("tenant_id")
	projectID := c.Query("project_id")
	if tenantID != "" || projectID != "" {
		scope := types.Scope{TenantID: tenantID, ProjectID: projectID}
		if err := scope.Validate(); err != nil {
			writeTaskError(c, err)
			return
		}
		filter.Scope = &scope
	}

	tasks, err := h.graphops.ListTasks(c.Request.Context(), filter)
	if err != nil {
		writeTaskError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ListTasksResponse{
		Tasks: tasks,
		Count: len(tasks),
	})
}

// Cancel handles POST /tasks/:id/cancel
func (h *TasksHandler) Cancel(c *gin.Context) {
	outcome, err := h.graphops.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeTaskError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.CancelTaskResponse{Status: outcome})
}

// writeTaskError maps domain errors onto HTTP statuses
func writeTaskError(c *gin.Context, err error) {
	var valErr *types.ValidationError
	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation_error",
			Message: valErr.Error(),
		})
	case errors.Is(err, types.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Error:   "task_not_found",
			Message: err.Error(),
		})
	case errors.Is(err, types.ErrConflict):
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error:   "scope_busy",
			Message: err.Error(),
		})
	case errors.Is(err, types.ErrBusy):
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
			Error:   "queue_full",
			Message: err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error:   "internal_error",
			Message: err.Error(),
		})
	}
}
