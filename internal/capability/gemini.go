package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"applyflow/internal/domain"

	"google.golang.org/genai"
)

const (
	defaultGenerationModel = "gemini-2.5-flash"
	defaultEmbeddingModel  = "gemini-embedding-001"
)

// Gemini backs both the embedding and the text-generation capabilities with
// the Gemini API.
type Gemini struct {
	client          *genai.Client
	generationModel string
	embeddingModel  string
	logger          *slog.Logger
}

// GeminiConfig holds Gemini client configuration.
type GeminiConfig struct {
	APIKey          string
	GenerationModel string
	EmbeddingModel  string
}

// NewGemini creates a Gemini capability client.
func NewGemini(ctx context.Context, cfg *GeminiConfig, logger *slog.Logger) (*Gemini, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	generationModel := strings.TrimSpace(cfg.GenerationModel)
	if generationModel == "" {
		generationModel = defaultGenerationModel
	}

	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}

	return &Gemini{
		client:          client,
		generationModel: generationModel,
		embeddingModel:  embeddingModel,
		logger:          logger,
	}, nil
}

// Embed returns the embedding vector for the given text.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.NewPermanentError(NameEmbedding, errors.New("text must not be empty"))
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), nil)
	if err != nil {
		return nil, classifyError(NameEmbedding, err)
	}

	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, domain.NewTransientError(NameEmbedding, errors.New("gemini api returned empty embedding"))
	}

	values := resp.Embeddings[0].Values
	vec := make([]float64, len(values))
	for i, v := range values {
		vec[i] = float64(v)
	}

	return vec, nil
}

// Tailor rewrites the master resume for the job posting.
func (g *Gemini) Tailor(ctx context.Context, masterResume, jobDescription string, requirements []string) (string, error) {
	if strings.TrimSpace(masterResume) == "" {
		return "", domain.NewPermanentError(NameGeneration, errors.New("master resume must not be empty"))
	}

	var prompt strings.Builder
	prompt.WriteString("Rewrite the resume below so it is tailored to the job posting. ")
	prompt.WriteString("Keep every statement truthful to the original resume; reorder and rephrase to emphasize relevant experience. ")
	prompt.WriteString("Return only the tailored resume text, no commentary.\n\n")
	prompt.WriteString("Job description:\n")
	prompt.WriteString(jobDescription)
	if len(requirements) > 0 {
		prompt.WriteString("\n\nKey requirements:\n")
		for _, req := range requirements {
			prompt.WriteString("- ")
			prompt.WriteString(req)
			prompt.WriteString("\n")
		}
	}
	prompt.WriteString("\nResume:\n")
	prompt.WriteString(masterResume)

	return g.generateText(ctx, prompt.String())
}

// ExtractRequirements pulls the requirement list out of a job description.
func (g *Gemini) ExtractRequirements(ctx context.Context, jobDescription string) ([]string, error) {
	if strings.TrimSpace(jobDescription) == "" {
		return nil, domain.NewPermanentError(NameGeneration, errors.New("job description must not be empty"))
	}

	prompt := "Extract the skills and qualifications required by the job description below. " +
		"Respond with a JSON array of short requirement strings and nothing else.\n\n" + jobDescription

	raw, err := g.generateText(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var requirements []string
	if err := json.Unmarshal([]byte(extractJSON(raw)), &requirements); err != nil {
		return nil, domain.NewTransientError(NameGeneration, fmt.Errorf("parse requirements response: %w", err))
	}

	out := make([]string, 0, len(requirements))
	for _, req := range requirements {
		if req = strings.TrimSpace(req); req != "" {
			out = append(out, req)
		}
	}

	return out, nil
}

// AnswerQuestions answers screening questions from the candidate's profile.
func (g *Gemini) AnswerQuestions(ctx context.Context, questions []string, profile *domain.UserProfile, resumeText string) (map[string]string, error) {
	if len(questions) == 0 {
		return map[string]string{}, nil
	}

	var prompt strings.Builder
	prompt.WriteString("Answer the application-form questions below on behalf of the candidate. ")
	prompt.WriteString("Base every answer on the candidate profile and resume; keep answers short and factual. ")
	prompt.WriteString("Respond with a JSON object mapping each question to its answer and nothing else.\n\n")
	prompt.WriteString("Questions:\n")
	for _, q := range questions {
		prompt.WriteString("- ")
		prompt.WriteString(q)
		prompt.WriteString("\n")
	}
	if profile != nil {
		prompt.WriteString("\nCandidate:\n")
		prompt.WriteString("Name: " + profile.FullName + "\n")
		prompt.WriteString("Email: " + profile.Email + "\n")
		if len(profile.Skills) > 0 {
			prompt.WriteString("Skills: " + strings.Join(profile.Skills, ", ") + "\n")
		}
	}
	prompt.WriteString("\nResume:\n")
	prompt.WriteString(resumeText)

	raw, err := g.generateText(ctx, prompt.String())
	if err != nil {
		return nil, err
	}

	var answers map[string]string
	if err := json.Unmarshal([]byte(extractJSON(raw)), &answers); err != nil {
		return nil, domain.NewTransientError(NameGeneration, fmt.Errorf("parse answers response: %w", err))
	}

	return answers, nil
}

func (g *Gemini) generateText(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.generationModel, genai.Text(prompt), nil)
	if err != nil {
		return "", classifyError(NameGeneration, err)
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", domain.NewTransientError(NameGeneration, errors.New("gemini api returned empty response"))
	}

	return output, nil
}

// classifyError maps an API failure to the transient/permanent taxonomy:
// rate limits and server errors are retryable, everything else is not.
func classifyError(capability string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return domain.NewTransientError(capability, err)
		}
		return domain.NewPermanentError(capability, err)
	}

	// Network-level failures carry no status code; treat them as transient.
	return domain.NewTransientError(capability, err)
}

// extractJSON strips a markdown code fence from a model response, which
// Gemini adds even when told not to.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}
