// Package translator sends placeholder-normalized HTML to a
// chat-completions endpoint with a fixed instruction: translate the prose,
// leave markup and math placeholders untouched, return only the translated
// markup. Transport and API failures are retried a bounded number of times
// with exponential backoff; a persistent outage surfaces as an error rather
// than an endless retry loop.
package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultEndpoint is the OpenAI chat-completions API.
	DefaultEndpoint = "https://api.openai.com/v1/chat/completions"
	// DefaultModel matches the model the mirror has always used.
	DefaultModel = "gpt-4o-mini"

	maxAttempts = 5
	baseDelay   = 2 * time.Second
)

// Translator holds the API credentials and retry policy.
type Translator struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	delay    time.Duration
	log      *zap.SugaredLogger
}

// Option adjusts a Translator; used by tests to point at a fake endpoint
// and shrink the backoff.
type Option func(*Translator)

// WithEndpoint overrides the API URL.
func WithEndpoint(url string) Option {
	return func(t *Translator) { t.endpoint = url }
}

// WithBaseDelay overrides the first retry delay.
func WithBaseDelay(d time.Duration) Option {
	return func(t *Translator) { t.delay = d }
}

// New builds a Translator. An empty model falls back to DefaultModel.
func New(apiKey, model string, log *zap.SugaredLogger, opts ...Option) *Translator {
	if model == "" {
		model = DefaultModel
	}
	t := &Translator{
		apiKey:   apiKey,
		model:    model,
		endpoint: DefaultEndpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
		delay:    baseDelay,
		log:      log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// instruction builds the fixed system prompt for one content kind and
// target language.
func instruction(kindLabel, targetLang string) string {
	return fmt.Sprintf(
		"The text you are about to receive is HTML-formatted KaTeX math %s written in Japanese.\n"+
			"Translate all sentences into %s, preserving all HTML and KaTeX formatting\n"+
			"(font size, line breaks, class=\"katex-display\" for display formulas, $...$ and $$...$$ placeholders).\n"+
			"Return ONLY the translated HTML; do not wrap it in extra tags, do not alter math placeholders.\n"+
			"If input is empty or none, return empty. The content may be long: please output fully.",
		kindLabel, targetLang)
}

// Translate sends markup for translation and returns the translated markup,
// trimmed. Empty input short-circuits to empty output without an API call.
// An empty response after a successful call is returned as-is: the caller
// treats it as a skip signal and persists nothing.
func (t *Translator) Translate(ctx context.Context, markup, kindLabel, targetLang string) (string, error) {
	if strings.TrimSpace(markup) == "" {
		return "", nil
	}

	reqBody := chatRequest{
		Model: t.model,
		Messages: []chatMessage{
			{Role: "system", Content: instruction(kindLabel, targetLang)},
			{Role: "user", Content: markup},
		},
		Temperature: 0,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to encode translation request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := t.delay << (attempt - 2)
			t.log.Warnw("translation retry", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		out, err := t.call(ctx, payload)
		if err == nil {
			return strings.TrimSpace(out), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}

	return "", fmt.Errorf("translation failed after %d attempts: %w", maxAttempts, lastErr)
}

func (t *Translator) call(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("translation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read translation response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode translation response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("translation API error (status %d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("translation API error: status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("translation response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
