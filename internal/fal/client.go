package fal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"CharForge/pipeline/internal/config"
	"CharForge/pipeline/internal/imaging"
	"CharForge/pipeline/internal/models"
)

const (
	defaultBaseURL   = "https://queue.fal.run"
	defaultCallDelay = 2 * time.Second
	defaultTimeout   = 5 * time.Minute

	fluxPulidModel = "fal-ai/flux-pulid"
	esrganModel    = "fal-ai/esrgan"
	esrganWeights  = "RealESRGAN_x4plus"

	portraitNegativePrompt = "bad quality, worst quality, text, signature, watermark, extra limbs"

	maxAttempts  = 3
	retryBase    = 5 * time.Second
	pollInterval = 2 * time.Second

	statusCompleted = "COMPLETED"
)

// Client talks to the fal.ai request queue. Jobs are submitted, polled until
// done and their results downloaded.
type Client struct {
	baseURL   string
	apiKey    string
	http      *http.Client
	limiter   *rate.Limiter
	poll      time.Duration
	retryBase time.Duration
}

func NewClient(cfg config.FalConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	delay := time.Duration(cfg.CallDelayMS) * time.Millisecond
	if delay <= 0 {
		delay = defaultCallDelay
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		http:      &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Every(delay), 1),
		poll:      pollInterval,
		retryBase: retryBase,
	}
}

// Portrait generates one identity-preserving image of the person on the
// reference for the given prompt and returns the raw JPEG bytes.
func (c *Client) Portrait(ctx context.Context, prompt string, reference image.Image) ([]byte, error) {
	encoded, err := imaging.EncodeJPEG(reference)
	if err != nil {
		return nil, err
	}
	args := map[string]any{
		"prompt":                prompt,
		"reference_image_url":   "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(encoded),
		"image_size":            map[string]int{"width": 1024, "height": 1024},
		"num_inference_steps":   20,
		"guidance_scale":        4,
		"negative_prompt":       portraitNegativePrompt,
		"true_cfg":              1,
		"id_weight":             1,
		"enable_safety_checker": false,
		"max_sequence_length":   "256",
	}

	raw, err := c.run(ctx, fluxPulidModel, args)
	if err != nil {
		return nil, err
	}
	var result struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", fluxPulidModel, err)
	}
	if len(result.Images) == 0 {
		return nil, fmt.Errorf("%s returned no images", fluxPulidModel)
	}
	return c.download(ctx, result.Images[0].URL)
}

// Upscale runs Real-ESRGAN with face enhancement on img at the given scale.
func (c *Client) Upscale(ctx context.Context, img image.Image, scale float64) (image.Image, error) {
	encoded, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	args := map[string]any{
		"image_url":     "data:image/png;base64," + base64.StdEncoding.EncodeToString(encoded),
		"scale":         scale,
		"model":         esrganWeights,
		"output_format": "png",
		"face":          true,
	}

	raw, err := c.run(ctx, esrganModel, args)
	if err != nil {
		return nil, err
	}
	var result struct {
		Image struct {
			URL string `json:"url"`
		} `json:"image"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", esrganModel, err)
	}
	if result.Image.URL == "" {
		return nil, fmt.Errorf("%s returned no image", esrganModel)
	}
	data, err := c.download(ctx, result.Image.URL)
	if err != nil {
		return nil, err
	}
	return imaging.Decode(data)
}

// run pushes one job through the queue. Rate-limit and server failures are
// retried with exponential delays, anything else fails the call.
func (c *Client) run(ctx context.Context, model string, args any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retryBase * (1 << attempt)
			log.Printf("[Fal] retry %d/%d for %s in %s", attempt, maxAttempts-1, model, delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.runOnce(ctx, model, args)
		if err == nil {
			return result, nil
		}
		var svcErr *models.ExternalServiceError
		if !errors.As(err, &svcErr) || !svcErr.Retryable() {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) runOnce(ctx context.Context, model string, args any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	requestID, err := c.submit(ctx, model, args)
	if err != nil {
		return nil, err
	}
	if err := c.await(ctx, model, requestID); err != nil {
		return nil, err
	}
	return c.fetch(ctx, model, requestID)
}

func (c *Client) submit(ctx context.Context, model string, args any) (string, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	var queued struct {
		RequestID string `json:"request_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/"+model, bytes.NewReader(body), &queued); err != nil {
		return "", err
	}
	if queued.RequestID == "" {
		return "", fmt.Errorf("queue accepted %s without a request id", model)
	}
	return queued.RequestID, nil
}

func (c *Client) await(ctx context.Context, model, requestID string) error {
	url := fmt.Sprintf("%s/%s/requests/%s/status", c.baseURL, model, requestID)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		var status struct {
			Status string `json:"status"`
		}
		if err := c.do(ctx, http.MethodGet, url, nil, &status); err != nil {
			return err
		}
		if status.Status == statusCompleted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) fetch(ctx context.Context, model, requestID string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/%s/requests/%s", c.baseURL, model, requestID)
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, url, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.ExternalServiceError{Service: "fal", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &models.ExternalServiceError{
			Service:    "fal",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s %s: %s", method, url, strings.TrimSpace(string(detail))),
		}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// download fetches a finished result file. Result URLs are pre-signed, no
// auth header goes out with them.
func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &models.ExternalServiceError{Service: "fal", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &models.ExternalServiceError{
			Service:    "fal",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("download %s", url),
		}
	}
	return io.ReadAll(resp.Body)
}
