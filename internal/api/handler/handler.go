package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"applyflow/internal/api/dto"
	"applyflow/internal/domain"
	"applyflow/internal/service"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service *service.Service
	DB      HealthChecker
}

// ApplicationHandler handles application lifecycle HTTP requests
type ApplicationHandler struct {
	logger *slog.Logger
	svc    *service.Service
	db     HealthChecker
}

// NewApplicationHandler creates a new ApplicationHandler instance
func NewApplicationHandler(deps *Dependencies) *ApplicationHandler {
	return &ApplicationHandler{
		logger: deps.Logger,
		svc:    deps.Service,
		db:     deps.DB,
	}
}

// writeError maps domain errors onto HTTP statuses. Anything unmapped is a
// 500 with a generic body; the real cause goes to the log only.
func (h *ApplicationHandler) writeError(c *gin.Context, err error) {
	var vErr *domain.ValidationError

	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error()})

	case errors.Is(err, domain.ErrApplicationNotFound),
		errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.Is(err, domain.ErrDuplicateApplication),
		errors.Is(err, domain.ErrPipelineActive),
		errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.Is(err, domain.ErrRetriesExhausted):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})

	case errors.Is(err, domain.ErrQueueSaturated),
		errors.Is(err, domain.ErrSchedulerStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is busy, try again later"})

	default:
		h.logger.Error("Request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func toApplicationDTO(app *domain.Application) dto.ApplicationDTO {
	out := dto.ApplicationDTO{
		ApplicationID: app.ApplicationID,
		UserID:        app.UserID,
		JobID:         app.JobID,
		Status:        app.Status,
		ResumeRef:     app.ResumeRef,
		FailureReason: app.FailureReason,
		RetryCount:    app.RetryCount,
		CreatedAt:     app.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     app.UpdatedAt.Format(time.RFC3339),
	}
	if app.ApprovedAt != nil {
		out.ApprovedAt = app.ApprovedAt.Format(time.RFC3339)
	}
	if app.SubmittedAt != nil {
		out.SubmittedAt = app.SubmittedAt.Format(time.RFC3339)
	}
	return out
}

func toCredentials(in *dto.CredentialsDTO) *domain.Credentials {
	if in == nil {
		return nil
	}
	return &domain.Credentials{
		Username: in.Username,
		Password: in.Password,
	}
}
