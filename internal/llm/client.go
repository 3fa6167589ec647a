package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"CharForge/pipeline/internal/config"
	"CharForge/pipeline/internal/imaging"
	"CharForge/pipeline/internal/models"
	"CharForge/pipeline/internal/prompts"
)

const (
	defaultRatePerMin = 15
	defaultRetryBase  = 4 * time.Second
	defaultMaxRetries = 5
)

// Client calls the Gemini OpenAI-compatible endpoint for captioning, prompt
// generation and prompt optimization.
type Client struct {
	api        *openai.Client
	model      string
	maxTokens  int
	maxRetries int
	retryBase  time.Duration
	limiter    *rate.Limiter
}

// NewClient builds a Gemini client from config. The endpoint speaks the
// OpenAI chat-completions dialect.
func NewClient(cfg config.GeminiConfig) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		apiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = defaultRatePerMin
	}
	retryBase := time.Duration(cfg.RetryBaseMS) * time.Millisecond
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &Client{
		api:        openai.NewClientWithConfig(apiCfg),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 1),
	}
}

// Caption asks the model for a training caption of one image.
func (c *Client) Caption(ctx context.Context, img image.Image) (string, error) {
	uri, err := dataURI(img)
	if err != nil {
		return "", err
	}
	parts := []openai.ChatMessagePart{
		imagePart(uri),
		{Type: openai.ChatMessagePartTypeText, Text: prompts.CaptionRequest},
	}
	return c.chat(ctx, prompts.CaptionSystem, parts, 0)
}

// GeneratePrompts asks the model for count scenario prompts for the person on
// the face image. Fewer prompts than asked for is not an error.
func (c *Client) GeneratePrompts(ctx context.Context, face image.Image, description string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	uri, err := dataURI(face)
	if err != nil {
		return nil, err
	}
	parts := []openai.ChatMessagePart{
		imagePart(uri),
		{Type: openai.ChatMessagePartTypeText, Text: prompts.PersonDescription(description)},
	}

	text, err := c.chat(ctx, prompts.PromptGenSystem(count), parts, c.maxTokens)
	if err != nil {
		return nil, err
	}
	generated := ParsePrompts(text, count)
	if len(generated) < count {
		log.Printf("[LLM] asked for %d prompts, parsed %d", count, len(generated))
	}
	return generated, nil
}

// OptimizePrompt rewrites a user prompt against the character's training
// captions. Every failure falls back to the unmodified prompt; this call
// never blocks generation.
func (c *Client) OptimizePrompt(ctx context.Context, userPrompt string, captions []string, reference image.Image) string {
	var parts []openai.ChatMessagePart
	if reference != nil {
		uri, err := dataURI(reference)
		if err != nil {
			log.Printf("[LLM] reference image skipped: %v", err)
		} else {
			parts = append(parts, imagePart(uri))
		}
	}
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: prompts.OptimizeRequest(captions, userPrompt),
	})

	text, err := c.chat(ctx, prompts.OptimizeSystem, parts, 0)
	if err != nil {
		log.Printf("[LLM] prompt optimization failed, using raw prompt: %v", err)
		return userPrompt
	}
	optimized, ok := ParseOptimized(text)
	if !ok {
		log.Printf("[LLM] could not parse optimized prompt, using raw prompt")
		return userPrompt
	}
	return optimized
}

func (c *Client) chat(ctx context.Context, system string, parts []openai.ChatMessagePart, maxTokens int) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		MaxTokens: maxTokens,
	}

	var content string
	attempt := 0
	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			// Only rate-limit-class failures are worth another attempt.
			if statusOf(err) == http.StatusTooManyRequests {
				log.Printf("[LLM] rate limited on attempt %d, backing off", attempt)
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("model returned no choices"))
		}
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	}

	if err := backoff.Retry(operation, c.policy(ctx)); err != nil {
		return "", &models.ExternalServiceError{Service: "gemini", StatusCode: statusOf(err), Err: err}
	}
	return content, nil
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	retries := c.maxRetries - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// ParsePrompts extracts PROMPT:-prefixed lines, at most max of them.
func ParsePrompts(text string, max int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prompts.PromptMarker) {
			continue
		}
		p := strings.TrimSpace(strings.TrimPrefix(line, prompts.PromptMarker))
		if p != "" {
			out = append(out, p)
		}
		if len(out) == max {
			break
		}
	}
	return out
}

// ParseOptimized finds the rewritten prompt after the Optimized Prompt:
// marker, either on the same line or on the next non-empty one.
func ParseOptimized(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		idx := strings.Index(line, prompts.OptimizedMarker)
		if idx < 0 {
			continue
		}
		if rest := strings.TrimSpace(line[idx+len(prompts.OptimizedMarker):]); rest != "" {
			return rest, true
		}
		for _, next := range lines[i+1:] {
			if next = strings.TrimSpace(next); next != "" {
				return next, true
			}
		}
	}
	return "", false
}

func dataURI(img image.Image) (string, error) {
	encoded, err := imaging.EncodeJPEG(img)
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(encoded), nil
}

func imagePart(uri string) openai.ChatMessagePart {
	return openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: uri},
	}
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	return 0
}
