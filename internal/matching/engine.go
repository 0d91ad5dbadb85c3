package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"applyflow/internal/capability"
	"applyflow/internal/domain"
	"applyflow/internal/vectorstore"
)

// Score weights for the hybrid relevance score.
const (
	vectorWeight  = 0.6
	keywordWeight = 0.4
)

// UserSource supplies user profiles and accepts derived embeddings.
type UserSource interface {
	Get(ctx context.Context, userID string) (*domain.UserProfile, error)
	UpdateEmbedding(ctx context.Context, userID string, embedding []float64) error
}

// JobSource supplies job listings and accepts derived embeddings.
type JobSource interface {
	Get(ctx context.Context, jobID string) (*domain.JobListing, error)
	UpdateEmbedding(ctx context.Context, jobID string, embedding []float64) error
}

// Warning reports a job that was ranked with a degraded score because its
// embedding could not be produced. Partial results, not hard errors.
type Warning struct {
	JobID  string
	Reason string
}

// Engine computes the hybrid relevance score for (user, job) pairs and
// produces the ranked feed.
type Engine struct {
	users    UserSource
	jobs     JobSource
	embedder capability.Embedder
	vectors  *vectorstore.Store
	logger   *slog.Logger
}

// NewEngine creates a matching Engine.
func NewEngine(users UserSource, jobs JobSource, embedder capability.Embedder, vectors *vectorstore.Store, logger *slog.Logger) *Engine {
	return &Engine{
		users:    users,
		jobs:     jobs,
		embedder: embedder,
		vectors:  vectors,
		logger:   logger,
	}
}

// Rank scores every candidate job for the user and returns the jobs ordered
// by descending final score, ties broken by job id ascending. Embedding
// failures degrade the affected job to a vector score of zero and surface as
// warnings; they never abort the ranking.
func (e *Engine) Rank(ctx context.Context, userID string, jobIDs []string) ([]domain.MatchScore, []Warning, error) {
	user, err := e.users.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	var warnings []Warning

	userVec, err := e.userVector(ctx, user)
	if err != nil {
		e.logger.Warn("User embedding unavailable, ranking on keywords only",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		warnings = append(warnings, Warning{Reason: fmt.Sprintf("user embedding unavailable: %v", err)})
		userVec = nil
	}

	userSkills := lowerSet(user.Skills)

	scores := make([]domain.MatchScore, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		score := domain.MatchScore{UserID: userID, JobID: jobID}

		job, err := e.jobs.Get(ctx, jobID)
		if err != nil {
			warnings = append(warnings, Warning{JobID: jobID, Reason: fmt.Sprintf("job unavailable: %v", err)})
			scores = append(scores, score)
			continue
		}

		jobVec, err := e.jobVector(ctx, job)
		if err != nil {
			warnings = append(warnings, Warning{JobID: jobID, Reason: fmt.Sprintf("job embedding unavailable: %v", err)})
			jobVec = nil
		}

		score.VectorScore = clamp01(vectorstore.CosineSimilarity(userVec, jobVec))
		score.KeywordScore = keywordScore(userSkills, job.Requirements)
		score.FinalScore = vectorWeight*score.VectorScore + keywordWeight*score.KeywordScore

		scores = append(scores, score)
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].FinalScore != scores[j].FinalScore {
			return scores[i].FinalScore > scores[j].FinalScore
		}
		return scores[i].JobID < scores[j].JobID
	})

	return scores, warnings, nil
}

// userVector returns a current embedding for the user, generating and storing
// one when it is absent or stale.
func (e *Engine) userVector(ctx context.Context, user *domain.UserProfile) ([]float64, error) {
	if !user.EmbeddingStale {
		if vec, ok := e.vectors.User(user.UserID); ok {
			return vec, nil
		}
		if len(user.Embedding) > 0 {
			e.vectors.PutUser(user.UserID, user.Embedding)
			return user.Embedding, nil
		}
	}

	vec, err := e.embedder.Embed(ctx, user.ResumeText)
	if err != nil {
		return nil, err
	}

	if err := e.users.UpdateEmbedding(ctx, user.UserID, vec); err != nil {
		// The embedding is still good for this request; only the cache
		// write-back failed.
		e.logger.Warn("Failed to persist user embedding",
			slog.String("user_id", user.UserID),
			slog.String("error", err.Error()),
		)
	}
	e.vectors.PutUser(user.UserID, vec)

	return vec, nil
}

// jobVector returns a current embedding for the job under the same staleness
// rule as userVector.
func (e *Engine) jobVector(ctx context.Context, job *domain.JobListing) ([]float64, error) {
	if !job.EmbeddingStale {
		if vec, ok := e.vectors.Job(job.JobID); ok {
			return vec, nil
		}
		if len(job.Embedding) > 0 {
			e.vectors.PutJob(job.JobID, job.Embedding)
			return job.Embedding, nil
		}
	}

	vec, err := e.embedder.Embed(ctx, job.EmbeddingText())
	if err != nil {
		return nil, err
	}

	if err := e.jobs.UpdateEmbedding(ctx, job.JobID, vec); err != nil {
		e.logger.Warn("Failed to persist job embedding",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
	e.vectors.PutJob(job.JobID, vec)

	return vec, nil
}

// keywordScore is the fraction of job requirements covered by the user's
// skills, compared case-insensitively. Zero requirements score zero.
func keywordScore(userSkills map[string]struct{}, requirements []string) float64 {
	if len(requirements) == 0 {
		return 0
	}

	matched := 0
	for _, req := range requirements {
		if _, ok := userSkills[strings.ToLower(strings.TrimSpace(req))]; ok {
			matched++
		}
	}

	return float64(matched) / float64(len(requirements))
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
