package backend

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend talks to any OpenAI-compatible chat completion service
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAI creates a backend for the service at baseURL.
// baseURL should include the API version path, e.g. https://api.openai.com/v1.
func NewOpenAI(baseURL, apiKey string, httpClient *http.Client) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}

	return &OpenAIBackend{client: openai.NewClientWithConfig(cfg)}
}

// ListModels returns the ids of the available models
func (o *OpenAIBackend) ListModels(ctx context.Context) ([]string, error) {
	resp, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, classify("list models", openAIStatus(err), err)
	}

	models := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, m.ID)
	}
	return models, nil
}

// Generate sends prompt as a single user message
func (o *OpenAIBackend) Generate(ctx context.Context, model, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", classify("generate", openAIStatus(err), err)
	}
	if len(resp.Choices) == 0 {
		return "", classify("generate", 0, errors.New("response contained no choices"))
	}

	return resp.Choices[0].Message.Content, nil
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
