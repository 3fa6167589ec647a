package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"CharForge/pipeline/internal/config"
	"CharForge/pipeline/internal/imaging"
	"CharForge/pipeline/internal/models"
)

const (
	defaultTimeout = 60 * time.Second
	violationLabel = "nsfw"
)

// LabelScore is one classification result from the model.
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Client calls the hosted NSFW classification model.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg config.ModelServiceConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Classify returns the model's label scores for one image.
func (c *Client) Classify(ctx context.Context, img image.Image) ([]LabelScore, error) {
	encoded, err := imaging.EncodeJPEG(img)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &models.ExternalServiceError{Service: "classifier", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &models.ExternalServiceError{
			Service:    "classifier",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("classify: %s", strings.TrimSpace(string(detail))),
		}
	}

	var scores []LabelScore
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, fmt.Errorf("decode classifier response: %w", err)
	}
	return scores, nil
}

// HealthCheck warms the hosted model with a tiny classification request.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Classify(ctx, image.NewRGBA(image.Rect(0, 0, 16, 16)))
	return err
}

// Checker applies the content policy on top of the classifier. Failures
// never block a result: an image the checker cannot classify passes as safe.
type Checker struct {
	client *Client
}

func NewChecker(client *Client) *Checker {
	return &Checker{client: client}
}

// Check reports whether the image violates the content policy.
func (ch *Checker) Check(ctx context.Context, img image.Image) bool {
	scores, err := ch.client.Classify(ctx, img)
	if err != nil {
		log.Printf("[Safety] check failed, assuming safe: %v", err)
		return false
	}
	if len(scores) == 0 {
		log.Printf("[Safety] empty classification, assuming safe")
		return false
	}

	top := scores[0]
	for _, s := range scores[1:] {
		if s.Score > top.Score {
			top = s
		}
	}
	if strings.EqualFold(top.Label, violationLabel) {
		log.Printf("[Safety] VIOLATION: %s (confidence %.3f)", top.Label, top.Score)
		return true
	}
	log.Printf("[Safety] safe: %s (confidence %.3f)", top.Label, top.Score)
	return false
}

// CheckBatch checks every image and returns one flag per input, in order.
func (ch *Checker) CheckBatch(ctx context.Context, imgs []image.Image) []bool {
	flags := make([]bool, len(imgs))
	for i, img := range imgs {
		log.Printf("[Safety] checking image %d/%d", i+1, len(imgs))
		flags[i] = ch.Check(ctx, img)
	}
	log.Printf("[Safety] check complete: %d/%d images flagged", countFlagged(flags), len(flags))
	return flags
}

// CheckFiles checks every image file and returns one flag per path, in
// order. Unreadable files pass as safe.
func (ch *Checker) CheckFiles(ctx context.Context, paths []string) []bool {
	flags := make([]bool, len(paths))
	for i, path := range paths {
		img, err := imaging.Load(path)
		if err != nil {
			log.Printf("[Safety] cannot read %s, assuming safe: %v", path, err)
			continue
		}
		log.Printf("[Safety] checking image %d/%d", i+1, len(paths))
		flags[i] = ch.Check(ctx, img)
	}
	log.Printf("[Safety] check complete: %d/%d images flagged", countFlagged(flags), len(flags))
	return flags
}

func countFlagged(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

// ReplacePlaceholder overwrites the file at path with the filtered-content
// placeholder at the given square size.
func ReplacePlaceholder(path string, size int) error {
	if err := imaging.SaveJPEG(imaging.Placeholder(size, size), path); err != nil {
		return fmt.Errorf("write placeholder %s: %w", path, err)
	}
	log.Printf("[Safety] replaced %s with placeholder", path)
	return nil
}
