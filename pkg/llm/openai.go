package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
	maxRetries           = 3
	initialRetryDelay    = 1 * time.Second
	backoffFactor        = 2.0
)

// OpenAIClient implements Client on OpenAI's Chat Completions API with
// retries on rate limits and server errors.
type OpenAIClient struct {
	APIKey  string
	Model   string
	BaseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIClient creates an OpenAI completion client with the default model.
func NewOpenAIClient(apiKey string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		APIKey:  apiKey,
		Model:   defaultOpenAIModel,
		BaseURL: defaultOpenAIBaseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends the prompt, retrying with exponential backoff and jitter on
// retryable failures.
func (o *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	delay := initialRetryDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Jitter between 0.5x and 1.5x of the current delay.
			jitter := delay/2 + time.Duration(rand.Int63n(int64(delay)))
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			delay = time.Duration(float64(delay) * backoffFactor)
		}

		result, err := o.makeRequest(ctx, prompt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// CompleteWithSchema completes the prompt and unmarshals the JSON answer.
func (o *OpenAIClient) CompleteWithSchema(ctx context.Context, prompt string, schema any) error {
	response, err := o.Complete(ctx, prompt)
	if err != nil {
		return err
	}
	return unmarshalCompletion(response, schema, o.logger)
}

// unmarshalCompletion tolerates the usual model non-compliance: markdown code
// fences around the JSON and arrays where strings were asked for.
func unmarshalCompletion(response string, schema any, logger *slog.Logger) error {
	cleaned := stripMarkdownCodeFence(response)

	normalized, changed, err := NormalizeJSONArraysToStrings([]byte(cleaned))
	if err != nil {
		return fmt.Errorf("normalize completion: %w", err)
	}
	if changed {
		logger.Debug("completion contained array values where strings were expected, normalized")
	}

	if err := json.Unmarshal(normalized, schema); err != nil {
		return fmt.Errorf("unmarshal completion: %w", err)
	}
	return nil
}

// stripMarkdownCodeFence removes ```json ... ``` wrappers.
func stripMarkdownCodeFence(s string) string {
	s = strings.TrimSpace(s)
	re := regexp.MustCompile("(?s)^```(?:json)?\\s*\n?(.*?)\\s*```$")
	if matches := re.FindStringSubmatch(s); len(matches) == 2 {
		return strings.TrimSpace(matches[1])
	}
	return s
}

func (o *OpenAIClient) makeRequest(ctx context.Context, prompt string) (string, error) {
	reqBody := chatRequest{
		Model:    o.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.BaseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", &retryableError{err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
		}
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var apiResp chatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("openai api error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}
	return apiResp.Choices[0].Message.Content, nil
}

// retryableError marks failures worth retrying.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
