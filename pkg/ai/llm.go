package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ErrEmptyCompletion is returned when the provider answers without any choice.
var ErrEmptyCompletion = errors.New("llm returned no choices")

type LLMConfig struct {
	URL         string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Completion is one chat completion.
type Completion struct {
	Model        string
	Content      string
	InputTokens  int
	OutputTokens int
}

// LLMClient calls a chat-completions endpoint.
type LLMClient struct {
	http   *httpclient.Client
	cfg    LLMConfig
	logger ectologger.Logger
}

func NewLLMClient(client *httpclient.Client, cfg LLMConfig, logger ectologger.Logger) *LLMClient {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	return &LLMClient{http: client, cfg: cfg, logger: logger}
}

func (c *LLMClient) Model() string {
	return c.cfg.Model
}

func (c *LLMClient) Complete(ctx context.Context, messages []ChatMessage) (*Completion, error) {
	ctx, span := tracing.StartSpan(ctx, "LLMClient.Complete")
	defer span.End()

	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	resp, err := c.http.PostJSON(ctx, c.cfg.URL, chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}, headers)
	if err != nil {
		tracing.Fail(span, err)
		metrics.LLMRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !httpclient.IsSuccessStatus(resp.StatusCode) {
		err := httpclient.NewStatusError("POST", c.cfg.URL, resp)
		tracing.Fail(span, err)
		metrics.LLMRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var out chatResponse
	if err := resp.Decode(&out); err != nil {
		metrics.LLMRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to decode llm response: %w", err)
	}
	if len(out.Choices) == 0 {
		metrics.LLMRequestsTotal.WithLabelValues("error").Inc()
		return nil, ErrEmptyCompletion
	}

	metrics.LLMRequestsTotal.WithLabelValues("success").Inc()
	metrics.LLMTokensTotal.WithLabelValues("input").Add(float64(out.Usage.PromptTokens))
	metrics.LLMTokensTotal.WithLabelValues("output").Add(float64(out.Usage.CompletionTokens))

	model := out.Model
	if model == "" {
		model = c.cfg.Model
	}
	return &Completion{
		Model:        model,
		Content:      out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}
