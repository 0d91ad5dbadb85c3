package dto

// CredentialsDTO carries portal login credentials on a request body. They
// are handed to the pipeline as-is and never echoed back in any response.
type CredentialsDTO struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type CreateApplicationRequest struct {
	UserID      string          `json:"user_id" binding:"required"`
	JobID       string          `json:"job_id" binding:"required"`
	Credentials *CredentialsDTO `json:"credentials,omitempty"`
}

type ApproveApplicationRequest struct {
	Credentials CredentialsDTO `json:"credentials" binding:"required"`
}

type RetryApplicationRequest struct {
	Credentials *CredentialsDTO `json:"credentials,omitempty"`
}

type UpdateResumeRequest struct {
	ResumeText string   `json:"resume_text" binding:"required"`
	Skills     []string `json:"skills"`
}

type ApplicationDTO struct {
	ApplicationID string `json:"application_id"`
	UserID        string `json:"user_id"`
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	ResumeRef     string `json:"resume_ref,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	RetryCount    int    `json:"retry_count"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
	ApprovedAt    string `json:"approved_at,omitempty"`
	SubmittedAt   string `json:"submitted_at,omitempty"`
}

type ListApplicationsResponse struct {
	Applications []ApplicationDTO `json:"applications"`
}

type EventDTO struct {
	EventID       string         `json:"event_id"`
	ApplicationID string         `json:"application_id"`
	Kind          string         `json:"kind"`
	Message       string         `json:"message"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     string         `json:"created_at"`
}

type ListEventsResponse struct {
	Events []EventDTO `json:"events"`
}

type FeedItemDTO struct {
	JobID        string  `json:"job_id"`
	Title        string  `json:"title"`
	Company      string  `json:"company"`
	URL          string  `json:"url"`
	VectorScore  float64 `json:"vector_score"`
	KeywordScore float64 `json:"keyword_score"`
	FinalScore   float64 `json:"final_score"`
	MatchPercent int     `json:"match_percent"`
}

type FeedWarningDTO struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

type FeedResponse struct {
	Jobs     []FeedItemDTO    `json:"jobs"`
	Warnings []FeedWarningDTO `json:"warnings,omitempty"`
}
