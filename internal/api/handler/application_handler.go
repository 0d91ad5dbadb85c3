package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"applyflow/internal/api/dto"
)

// CreateApplication handles POST /api/v1/applications
// Creates an application and starts its pipeline. Credentials are optional;
// without them the pipeline pauses for approval after tailoring.
func (h *ApplicationHandler) CreateApplication(c *gin.Context) {
	h.logger.Info("CreateApplication called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.CreateApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	app, err := h.svc.CreateApplication(c.Request.Context(), req.UserID, req.JobID, toCredentials(req.Credentials))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toApplicationDTO(app))
}

// GetApplication handles GET /api/v1/applications/:application_id
func (h *ApplicationHandler) GetApplication(c *gin.Context) {
	applicationID := c.Param("application_id")

	if _, err := uuid.Parse(applicationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "application_id must be a valid UUID",
		})
		return
	}

	app, err := h.svc.GetApplication(c.Request.Context(), applicationID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toApplicationDTO(app))
}

// ListApplications handles GET /api/v1/applications?user_id=...
func (h *ApplicationHandler) ListApplications(c *gin.Context) {
	userID := c.Query("user_id")

	apps, err := h.svc.ListApplications(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := make([]dto.ApplicationDTO, len(apps))
	for i := range apps {
		out[i] = toApplicationDTO(&apps[i])
	}

	c.JSON(http.StatusOK, dto.ListApplicationsResponse{Applications: out})
}

// ApproveApplication handles POST /api/v1/applications/:application_id/approve
// Resumes a paused application at the automation stage. The credentials in
// the body exist only for the lifetime of this request and the pipeline run
// it starts.
func (h *ApplicationHandler) ApproveApplication(c *gin.Context) {
	applicationID := c.Param("application_id")

	h.logger.Info("ApproveApplication called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("application_id", applicationID),
	)

	if _, err := uuid.Parse(applicationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "application_id must be a valid UUID",
		})
		return
	}

	var req dto.ApproveApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "credentials with username and password are required",
		})
		return
	}

	if err := h.svc.Approve(c.Request.Context(), applicationID, toCredentials(&req.Credentials)); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"application_id": applicationID,
		"status":         "approved",
	})
}

// RejectApplication handles POST /api/v1/applications/:application_id/reject
func (h *ApplicationHandler) RejectApplication(c *gin.Context) {
	applicationID := c.Param("application_id")

	h.logger.Info("RejectApplication called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("application_id", applicationID),
	)

	if _, err := uuid.Parse(applicationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "application_id must be a valid UUID",
		})
		return
	}

	if err := h.svc.Reject(c.Request.Context(), applicationID); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"application_id": applicationID,
		"status":         "rejected",
	})
}

// RetryApplication handles POST /api/v1/applications/:application_id/retry
func (h *ApplicationHandler) RetryApplication(c *gin.Context) {
	applicationID := c.Param("application_id")

	h.logger.Info("RetryApplication called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("application_id", applicationID),
	)

	if _, err := uuid.Parse(applicationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "application_id must be a valid UUID",
		})
		return
	}

	// An empty body means retry without credentials; the pipeline will
	// pause for approval again after tailoring.
	var req dto.RetryApplicationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
	}

	if err := h.svc.Retry(c.Request.Context(), applicationID, toCredentials(req.Credentials)); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"application_id": applicationID,
		"status":         "retrying",
	})
}

// ListEvents handles GET /api/v1/applications/:application_id/events
func (h *ApplicationHandler) ListEvents(c *gin.Context) {
	applicationID := c.Param("application_id")

	if _, err := uuid.Parse(applicationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "application_id must be a valid UUID",
		})
		return
	}

	events, err := h.svc.ListEvents(c.Request.Context(), applicationID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := make([]dto.EventDTO, len(events))
	for i, event := range events {
		out[i] = dto.EventDTO{
			EventID:       event.EventID,
			ApplicationID: event.ApplicationID,
			Kind:          event.Kind,
			Message:       event.Message,
			Metadata:      event.Metadata,
			CreatedAt:     event.CreatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, dto.ListEventsResponse{Events: out})
}

// GetFeed handles GET /api/v1/users/:user_id/feed
// Returns the current job listings ranked for the user.
func (h *ApplicationHandler) GetFeed(c *gin.Context) {
	userID := c.Param("user_id")

	h.logger.Info("GetFeed called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("user_id", userID),
	)

	feed, warnings, err := h.svc.Feed(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := dto.FeedResponse{
		Jobs: make([]dto.FeedItemDTO, len(feed)),
	}
	for i, item := range feed {
		resp.Jobs[i] = dto.FeedItemDTO{
			JobID:        item.Job.JobID,
			Title:        item.Job.Title,
			Company:      item.Job.Company,
			URL:          item.Job.URL,
			VectorScore:  item.Score.VectorScore,
			KeywordScore: item.Score.KeywordScore,
			FinalScore:   item.Score.FinalScore,
			MatchPercent: item.Percent,
		}
	}
	for _, warning := range warnings {
		resp.Warnings = append(resp.Warnings, dto.FeedWarningDTO{
			JobID:  warning.JobID,
			Reason: warning.Reason,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// UpdateResume handles PUT /api/v1/users/:user_id/resume
func (h *ApplicationHandler) UpdateResume(c *gin.Context) {
	userID := c.Param("user_id")

	var req dto.UpdateResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "resume_text is required",
		})
		return
	}

	if err := h.svc.UpdateResume(c.Request.Context(), userID, req.ResumeText, req.Skills); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"status":  "updated",
	})
}
