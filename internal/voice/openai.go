package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lucasnoah/debugfactory/internal/agent"
)

// OpenAITranscriber transcribes audio with the OpenAI audio API.
type OpenAITranscriber struct {
	client openai.Client
	model  string
}

// NewOpenAITranscriber creates a transcriber. model "" uses whisper-1.
func NewOpenAITranscriber(apiKey, baseURL, model string) (*OpenAITranscriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &OpenAITranscriber{client: openai.NewClient(opts...), model: model}, nil
}

// Transcribe sends audio (any container the API accepts, e.g. webm) and
// returns the recognized text.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	res, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), "input.webm", "audio/webm"),
		Model: openai.AudioModel(t.model),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &agent.ProviderError{
				Provider:   "openai-audio",
				StatusCode: apiErr.StatusCode,
				Retryable:  agent.RetryableStatus(apiErr.StatusCode),
				Err:        err,
			}
		}
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return res.Text, nil
}
