package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// OpenAIConfig configures an OpenAI-compatible chat completion provider.
type OpenAIConfig struct {
	Name      string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// OpenAI is a Gateway backed by the chat completions API.
type OpenAI struct {
	name      string
	client    openai.Client
	model     string
	maxTokens int
	logger    *zap.Logger
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// retries are owned by the workflow
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{
		name:      name,
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

// Invoke sends one system+user exchange and returns the first choice.
func (o *OpenAI) Invoke(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.maxTokens
	}
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               o.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	})
	if err != nil {
		return nil, o.classify(err)
	}

	o.logger.Debug("agent call completed",
		zap.String("provider", o.name),
		zap.String("task", req.Task),
		zap.String("model", o.model),
		zap.Duration("duration", time.Since(start)),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens))

	if len(resp.Choices) == 0 {
		return &Response{Model: o.model}, nil
	}
	return &Response{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (o *OpenAI) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", o.name, ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		retryable := RetryableStatus(apiErr.StatusCode)
		if !retryable {
			o.logger.Error("agent client error",
				zap.String("provider", o.name),
				zap.Int("status_code", apiErr.StatusCode),
				zap.String("error_type", apiErr.Type),
				zap.String("error_code", apiErr.Code))
		}
		return &ProviderError{Provider: o.name, StatusCode: apiErr.StatusCode, Retryable: retryable, Err: err}
	}
	// No API response: network failure.
	return &ProviderError{Provider: o.name, Retryable: true, Err: err}
}
