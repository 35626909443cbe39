package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/job-pipeline/internal/api/dto"
	"github.com/cuongbtq/job-pipeline/internal/api/service"
	"github.com/cuongbtq/job-pipeline/internal/domain"
)

// CreateJob handles POST /api/v1/jobs
// Creates a job and queues it for processing
func (h *JobHandler) CreateJob(c *gin.Context) {
	h.logger.Info("CreateJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := h.service.Submit(c.Request.Context(), service.SubmitRequest{
		OwnerID:         c.GetString(OwnerIDKey),
		Input:           req.Input,
		SimulateFailure: req.SimulateFailure,
	})
	if err != nil {
		if errors.Is(err, domain.ErrQueueing) && job != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": domain.QueueFailureMessage,
				"job":   dto.NewJobDTO(job),
			})
			return
		}
		h.writeError(c, "Failed to create job", err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves one of the caller's jobs
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.service.Get(c.Request.Context(), jobID, c.GetString(OwnerIDKey))
	if err != nil {
		h.writeError(c, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	conn, err := h.service.List(c.Request.Context(), service.ListRequest{
		OwnerID:  c.GetString(OwnerIDKey),
		Status:   req.Status,
		PageSize: req.PageSize,
		After:    req.After,
	})
	if err != nil {
		h.writeError(c, "Failed to list jobs", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewListJobsResponse(conn))
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Re-queues a FAILED job from the beginning
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.service.Retry(c.Request.Context(), jobID, c.GetString(OwnerIDKey))
	if err != nil {
		h.writeError(c, "Failed to retry job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// GetJobProgress handles GET /api/v1/jobs/:job_id/progress
// Returns the latest cached progress snapshot, or null
func (h *JobHandler) GetJobProgress(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	snapshot, err := h.service.Progress(c.Request.Context(), jobID, c.GetString(OwnerIDKey))
	if err != nil {
		h.writeError(c, "Failed to get job progress", err)
		return
	}

	c.JSON(http.StatusOK, dto.ProgressResponse{Progress: snapshot})
}

// jobIDParam validates the job_id path parameter and writes a 400 when it
// is not a UUID
func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")

	h.logger.Info("Job request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}

	return jobID, true
}

// writeError maps domain errors to HTTP status codes
func (h *JobHandler) writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	message := msg

	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidCursor),
		errors.Is(err, domain.ErrInvalidStatus):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
		message = "Job not found"
	case errors.Is(err, domain.ErrNotRetryable):
		status = http.StatusConflict
		message = "Only failed jobs can be retried"
	case errors.Is(err, domain.ErrQueueing):
		status = http.StatusServiceUnavailable
		message = domain.QueueFailureMessage
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, slog.String("error", err.Error()))
	} else {
		h.logger.Warn(msg, slog.String("error", err.Error()), slog.Int("status", status))
	}

	c.JSON(status, gin.H{
		"error": message,
	})
}
