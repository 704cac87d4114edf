package translator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/foxseedlab/livecaption/internal/translator"
	openai "github.com/sashabaranov/go-openai"
)

const defaultModel = "gpt-4o-mini"

var ErrMalformedResponse = errors.New("malformed translation response")

type OpenAITranslator struct {
	client  *openai.Client
	model   string
	backoff []time.Duration
	wait    func(context.Context, time.Duration) error
}

func NewOpenAITranslator(apiKey, model, baseURL string) translator.Translator {
	config := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		config.BaseURL = baseURL
	}
	return NewOpenAITranslatorWithConfig(config, model)
}

func NewOpenAITranslatorWithConfig(config openai.ClientConfig, model string) *OpenAITranslator {
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	return &OpenAITranslator{
		client:  openai.NewClientWithConfig(config),
		model:   model,
		backoff: []time.Duration{250 * time.Millisecond, time.Second},
		wait:    waitContext,
	}
}

// Translate asks for every target language in one completion. Languages the
// model leaves out are absent from the result.
func (t *OpenAITranslator) Translate(ctx context.Context, text string, targetLanguages []string) (map[string]string, error) {
	if len(targetLanguages) == 0 || strings.TrimSpace(text) == "" {
		return map[string]string{}, nil
	}

	req := openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt(targetLanguages),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var lastErr error
	for attempt := 0; attempt <= len(t.backoff); attempt++ {
		resp, err := t.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, ErrMalformedResponse
			}
			return parseTranslations(resp.Choices[0].Message.Content, targetLanguages)
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, fmt.Errorf("openai translation failed: %w", err)
		}
		if attempt < len(t.backoff) {
			if err := t.wait(ctx, t.backoff[attempt]); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("openai translation failed after retries: %w", lastErr)
}

// retryable reports whether a failed request may succeed later: rate limits,
// server errors, and transport failures that carry no status.
func retryable(err error) bool {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 {
		return true
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func waitContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func systemPrompt(targetLanguages []string) string {
	return "Translate the user's message into each of these languages: " +
		strings.Join(targetLanguages, ", ") +
		". Reply with a JSON object whose keys are exactly those language codes and whose values are the translations. Do not add commentary."
}

func parseTranslations(content string, targetLanguages []string) (map[string]string, error) {
	var raw map[string]string
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	out := make(map[string]string, len(targetLanguages))
	for _, lang := range targetLanguages {
		if v := strings.TrimSpace(raw[lang]); v != "" {
			out[lang] = v
		}
	}
	return out, nil
}
