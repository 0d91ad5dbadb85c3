package domain

import "time"

// UserProfile is the subset of a user the matching engine and the pipeline
// care about. The embedding is a derived cache of the resume text; it is
// invalidated (EmbeddingStale) whenever the resume changes.
type UserProfile struct {
	UserID         string    `db:"user_id"`
	FullName       string    `db:"full_name"`
	Email          string    `db:"email"`
	ResumeText     string    `db:"resume_text"`
	Skills         []string  `db:"-"`
	Embedding      []float64 `db:"-"`
	EmbeddingStale bool      `db:"embedding_stale"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// JobListing is a scraped job posting. Requirements are extracted from the
// description at ingestion time; the embedding follows the same staleness
// rule as the user profile.
type JobListing struct {
	JobID          string    `db:"job_id"`
	Title          string    `db:"title"`
	Company        string    `db:"company"`
	URL            string    `db:"url"`
	Description    string    `db:"description"`
	Source         string    `db:"source"`
	Requirements   []string  `db:"-"`
	Embedding      []float64 `db:"-"`
	EmbeddingStale bool      `db:"embedding_stale"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// EmbeddingText is the canonical text a job listing is embedded from. Every
// path that computes a listing vector must use it, so a listing ranks with
// the same vector no matter which path produced it.
func (j *JobListing) EmbeddingText() string {
	if j.Title == "" {
		return j.Description
	}
	return j.Title + "\n" + j.Description
}

// MatchScore is the ephemeral result of ranking one job for one user.
// It is recomputed on every feed request and never persisted.
type MatchScore struct {
	UserID       string
	JobID        string
	VectorScore  float64
	KeywordScore float64
	FinalScore   float64
}

// Percent exposes the canonical 0..1 score as a presentation percentage.
func (m MatchScore) Percent() int {
	return int(m.FinalScore * 100)
}
