package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	anthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion  = "2023-06-01"
	defaultModel      = "claude-3-5-sonnet-20241022"

	oracleTimeout   = 60 * time.Second
	oracleMaxTokens = 2000
)

// AnthropicOracle calls the Anthropic Messages API.
type AnthropicOracle struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// NewAnthropicOracle creates an oracle. An empty model selects the default.
func NewAnthropicOracle(apiKey, model string) *AnthropicOracle {
	if model == "" {
		model = defaultModel
	}
	return &AnthropicOracle{
		apiKey:     apiKey,
		model:      model,
		endpoint:   anthropicEndpoint,
		httpClient: &http.Client{Timeout: oracleTimeout},
	}
}

// Model returns the model identifier used for requests.
func (o *AnthropicOracle) Model() string {
	return o.model
}

// SetEndpoint overrides the API endpoint. Used by tests.
func (o *AnthropicOracle) SetEndpoint(endpoint string) {
	o.endpoint = endpoint
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze sends the prompt and returns the first text block of the response.
func (o *AnthropicOracle) Analyze(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:       o.model,
		MaxTokens:   oracleMaxTokens,
		Temperature: 0.3,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", o.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if parsed.Error != nil {
			return "", fmt.Errorf("anthropic API error: %s", parsed.Error.Message)
		}
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody)
	}

	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("empty response content")
	}
	return parsed.Content[0].Text, nil
}
