// Package backend adapts model-serving APIs to the generation pipeline.
//
// Implementations never retry and never impose their own timeout; callers
// bound each call through the context. Errors are classified as
// generation.ErrBackendUnavailable (worth retrying) or generation.ErrBackend.
package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/farhan-ahmed1/llmhub/internal/config"
)

// Backend is a text generation service
type Backend interface {
	// ListModels returns the names of the models the service can run
	ListModels(ctx context.Context) ([]string, error)

	// Generate produces a completion for prompt with model
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// New builds the backend selected by cfg.Kind
func New(cfg config.BackendConfig) (Backend, error) {
	httpClient := &http.Client{Transport: NewStatusTransport(nil)}

	switch cfg.Kind {
	case config.BackendOllama:
		return NewOllama(cfg.URL, httpClient)
	case config.BackendOpenAI:
		return NewOpenAI(cfg.URL, cfg.APIKey, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown generation backend %q", cfg.Kind)
	}
}
