package dto

import (
	"github.com/soundprediction/go-graphops/pkg/scheduler"
	"github.com/soundprediction/go-graphops/pkg/types"
)

// SubmitTaskRequest is the body of POST /tasks and POST /tasks/sync
type SubmitTaskRequest struct {
	Kind      string     `json:"kind" binding:"required"`
	TenantID  string     `json:"tenant_id" binding:"required"`
	ProjectID string     `json:"project_id" binding:"required"`
	DryRun    bool       `json:"dry_run"`
	Params    TaskParams `json:"params"`
}

// TaskParams mirrors the operation parameters on the wire
type TaskParams struct {
	SimilarityThreshold float64  `json:"similarity_threshold,omitempty"`
	DaysSinceUpdate     *int     `json:"days_since_update,omitempty"`
	EpisodeIDs          []string `json:"episode_ids,omitempty"`
	RebuildCommunities  bool     `json:"rebuild_communities,omitempty"`
	Operations          []string `json:"operations,omitempty"`
}

// ToSubmitRequest converts the wire request into a scheduler submission
func (r SubmitTaskRequest) ToSubmitRequest() scheduler.SubmitRequest {
	return scheduler.SubmitRequest{
		Kind: types.TaskKind(r.Kind),
		Scope: types.Scope{
			TenantID:  r.TenantID,
			ProjectID: r.ProjectID,
		},
		DryRun: r.DryRun,
		Params: types.Params{
			SimilarityThreshold: r.Params.SimilarityThreshold,
			DaysSinceUpdate:     r.Params.DaysSinceUpdate,
			EpisodeIDs:          r.Params.EpisodeIDs,
			RebuildCommunities:  r.Params.RebuildCommunities,
			Operations:          r.Params.Operations,
		},
	}
}

// SubmitTaskResponse is the body of a successful POST /tasks
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// CancelTaskResponse is the body of POST /tasks/:id/cancel
type CancelTaskResponse struct {
	Status string `json:"status"` // cancel_requested or no_effect
}

// ListTasksResponse is the body of GET /tasks
type ListTasksResponse struct {
	Tasks []*types.Task `json:"tasks"`
	Count int           `json:"count"`
}
