package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// groqBaseURL is the OpenAI-compatible endpoint Groq exposes.
const groqBaseURL = "https://api.groq.com/openai/v1"

// GroqAdapter speaks Groq's OpenAI-compatible chat API.
type GroqAdapter struct {
	client *openai.Client
}

// NewGroqAdapter builds the adapter. The API key must be non-empty;
// callers surface configuration errors before any run starts.
func NewGroqAdapter(apiKey string) (*GroqAdapter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("missing GROQ_API_KEY")
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = groqBaseURL
	return &GroqAdapter{client: openai.NewClientWithConfig(cfg)}, nil
}

func (a *GroqAdapter) Name() string { return "groq" }

func (a *GroqAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        0.95,
	})
	if err != nil {
		return Response{}, classifyGroqError(req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("groq returned no choices for %s", req.Model)
	}
	return Response{Text: resp.Choices[0].Message.Content, Model: resp.Model}, nil
}

// classifyGroqError maps provider errors onto the client's retry
// taxonomy: 429 becomes RateLimitError with any Retry-After hint, 404
// and invalid-model responses become ModelNotFoundError.
func classifyGroqError(model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return &RateLimitError{RetryAfter: retryAfterHint(apiErr), Err: err}
		case http.StatusNotFound:
			return &ModelNotFoundError{Model: model, Err: err}
		}
		if strings.Contains(strings.ToLower(apiErr.Message), "model") &&
			strings.Contains(strings.ToLower(apiErr.Message), "not found") {
			return &ModelNotFoundError{Model: model, Err: err}
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate_limit") || strings.Contains(msg, "quota") {
		return &RateLimitError{Err: err}
	}
	if strings.Contains(msg, "404") || strings.Contains(msg, "not found") || strings.Contains(msg, "invalid model") {
		return &ModelNotFoundError{Model: model, Err: err}
	}
	return err
}

// retryAfterHint extracts a Retry-After duration when the provider
// embeds one in the error message ("try again in 7.66s").
func retryAfterHint(apiErr *openai.APIError) time.Duration {
	msg := apiErr.Message
	idx := strings.Index(msg, "try again in ")
	if idx < 0 {
		return 0
	}
	rest := msg[idx+len("try again in "):]
	end := strings.IndexAny(rest, "s ")
	if end <= 0 {
		return 0
	}
	secs, err := strconv.ParseFloat(rest[:end], 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
