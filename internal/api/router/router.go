package router

import (
	"github.com/gin-gonic/gin"

	"applyflow/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	appHandler := handler.NewApplicationHandler(deps)

	// Health check endpoint, backed by a database ping
	r.GET("/health", appHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		applications := v1.Group("/applications")
		{
			// POST /api/v1/applications - Create an application and start its pipeline
			applications.POST("", appHandler.CreateApplication)

			// GET /api/v1/applications?user_id= - List a user's applications
			applications.GET("", appHandler.ListApplications)

			// GET /api/v1/applications/:application_id - Get application details
			applications.GET("/:application_id", appHandler.GetApplication)

			// GET /api/v1/applications/:application_id/events - Audit trail
			applications.GET("/:application_id/events", appHandler.ListEvents)

			// POST /api/v1/applications/:application_id/approve - Resume at automation
			applications.POST("/:application_id/approve", appHandler.ApproveApplication)

			// POST /api/v1/applications/:application_id/reject - Decline the tailored resume
			applications.POST("/:application_id/reject", appHandler.RejectApplication)

			// POST /api/v1/applications/:application_id/retry - Re-enter a failed pipeline
			applications.POST("/:application_id/retry", appHandler.RetryApplication)
		}

		users := v1.Group("/users")
		{
			// GET /api/v1/users/:user_id/feed - Ranked job feed
			users.GET("/:user_id/feed", appHandler.GetFeed)

			// PUT /api/v1/users/:user_id/resume - Replace resume text and skills
			users.PUT("/:user_id/resume", appHandler.UpdateResume)
		}
	}

	return r
}
