package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ArtifactStore keeps tailored-resume artifacts on the local filesystem and
// hands out opaque references to them. Applications store the reference, not
// the text.
type ArtifactStore struct {
	dir string
}

// NewArtifactStore creates the artifact directory if needed.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

// SaveResume stores the tailored resume text for an application and returns
// its reference. A retried pipeline overwrites the previous artifact.
func (s *ArtifactStore) SaveResume(_ context.Context, applicationID, text string) (string, error) {
	ref := filepath.Join(s.dir, applicationID+".txt")
	if err := os.WriteFile(ref, []byte(text), 0o600); err != nil {
		return "", fmt.Errorf("failed to write resume artifact: %w", err)
	}
	return ref, nil
}

// LoadResume reads the tailored resume text behind a reference.
func (s *ArtifactStore) LoadResume(_ context.Context, ref string) (string, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("failed to read resume artifact: %w", err)
	}
	return string(data), nil
}
