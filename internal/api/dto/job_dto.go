package dto

import (
	"time"

	"github.com/cuongbtq/job-pipeline/internal/api/service"
	"github.com/cuongbtq/job-pipeline/internal/domain"
)

type CreateJobRequest struct {
	Input           string `json:"input"`
	SimulateFailure bool   `json:"simulate_failure"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	After    string `form:"after"`
}

type JobDTO struct {
	JobID           string  `json:"job_id"`
	Input           string  `json:"input"`
	Status          string  `json:"status"`
	Output          *string `json:"output"`
	ErrorMessage    *string `json:"error_message"`
	SimulateFailure bool    `json:"simulate_failure"`
	CreatedAt       string  `json:"created_at"`
	StartedAt       *string `json:"started_at"`
	CompletedAt     *string `json:"completed_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type EdgeDTO struct {
	Node   JobDTO `json:"node"`
	Cursor string `json:"cursor"`
}

type PageInfoDTO struct {
	HasNextPage     bool    `json:"has_next_page"`
	HasPreviousPage bool    `json:"has_previous_page"`
	StartCursor     *string `json:"start_cursor"`
	EndCursor       *string `json:"end_cursor"`
}

type ListJobsResponse struct {
	Edges      []EdgeDTO   `json:"edges"`
	PageInfo   PageInfoDTO `json:"page_info"`
	TotalCount int         `json:"total_count"`
}

type ProgressResponse struct {
	Progress *domain.ProgressSnapshot `json:"progress"`
}

// NewJobDTO converts a job record into its API form
func NewJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:           job.JobID,
		Input:           job.Input,
		Status:          string(job.Status),
		Output:          job.Output,
		ErrorMessage:    job.ErrorMessage,
		SimulateFailure: job.SimulateFailure,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339Nano),
		StartedAt:       formatOptional(job.StartedAt),
		CompletedAt:     formatOptional(job.CompletedAt),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// NewListJobsResponse converts a page of jobs into its API form
func NewListJobsResponse(conn *service.Connection) ListJobsResponse {
	edges := make([]EdgeDTO, len(conn.Edges))
	for i := range conn.Edges {
		edges[i] = EdgeDTO{
			Node:   NewJobDTO(&conn.Edges[i].Node),
			Cursor: conn.Edges[i].Cursor,
		}
	}

	return ListJobsResponse{
		Edges: edges,
		PageInfo: PageInfoDTO{
			HasNextPage:     conn.PageInfo.HasNextPage,
			HasPreviousPage: conn.PageInfo.HasPreviousPage,
			StartCursor:     optionalString(conn.PageInfo.StartCursor),
			EndCursor:       optionalString(conn.PageInfo.EndCursor),
		},
		TotalCount: conn.TotalCount,
	}
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
