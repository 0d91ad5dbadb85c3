package capability

import (
	"context"

	"applyflow/internal/domain"
)

// Capability names used in error wrapping and audit metadata.
const (
	NameEmbedding  = "embedding"
	NameGeneration = "generation"
	NameAutomation = "automation"
)

// Embedder turns text into a fixed-length embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// TextGenerator covers the text-generation surface the pipeline and the
// ingestion worker depend on.
type TextGenerator interface {
	// Tailor rewrites the master resume for one job posting.
	Tailor(ctx context.Context, masterResume, jobDescription string, requirements []string) (string, error)

	// ExtractRequirements pulls the requirement list out of a job description.
	ExtractRequirements(ctx context.Context, jobDescription string) ([]string, error)

	// AnswerQuestions answers application-form screening questions from the
	// candidate's profile and tailored resume.
	AnswerQuestions(ctx context.Context, questions []string, profile *domain.UserProfile, resumeText string) (map[string]string, error)
}

// ApplyRequest carries everything the automation capability needs for one
// submission. Credentials are passed by value and must not be retained.
type ApplyRequest struct {
	JobURL      string
	Credentials domain.Credentials
	Profile     *domain.UserProfile
	ResumeText  string
}

// Outcome is the result of one browser automation attempt.
type Outcome struct {
	Succeeded     bool
	ScreenshotRef string
	ErrorReason   string
}

// Automator drives a browser session that submits one application.
type Automator interface {
	Apply(ctx context.Context, req ApplyRequest) (*Outcome, error)
}
