package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// OllamaBackend talks to an Ollama server through its Go client
type OllamaBackend struct {
	client *api.Client
	base   *url.URL
}

// NewOllama creates a backend for the Ollama server at baseURL
func NewOllama(baseURL string, httpClient *http.Client) (*OllamaBackend, error) {
	// api.NewClient expects the server root, not the OpenAI-compatible /v1
	trimmed := strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid ollama url %q: scheme and host required", baseURL)
	}

	if httpClient == nil {
		httpClient = &http.Client{Transport: NewStatusTransport(nil)}
	}

	return &OllamaBackend{
		client: api.NewClient(parsed, httpClient),
		base:   parsed,
	}, nil
}

// ListModels returns the tags of every local model
func (o *OllamaBackend) ListModels(ctx context.Context) ([]string, error) {
	resp, err := o.client.List(ctx)
	if err != nil {
		return nil, classify("list models", ollamaStatus(err), err)
	}

	models := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

// Generate runs a non-streaming completion
func (o *OllamaBackend) Generate(ctx context.Context, model, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: &stream,
	}

	var sb strings.Builder
	err := o.client.Generate(ctx, req, func(r api.GenerateResponse) error {
		sb.WriteString(r.Response)
		return nil
	})
	if err != nil {
		return "", classify("generate", ollamaStatus(err), err)
	}

	return sb.String(), nil
}

// String identifies the backend in logs
func (o *OllamaBackend) String() string {
	return "ollama(" + o.base.String() + ")"
}

func ollamaStatus(err error) int {
	var se api.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
