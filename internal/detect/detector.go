package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"CharForge/pipeline/internal/config"
	"CharForge/pipeline/internal/imaging"
	"CharForge/pipeline/internal/models"
)

const (
	defaultTimeout = 60 * time.Second

	// Margin around the detector box when cutting the face window, and the
	// upward shift that keeps hair and chin inside it.
	cropScaleFactor = 4.0
	cropShiftFactor = 0.45
)

// Client connects to the local face detector service.
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

// DetectFaces sends the image to the detector and returns every face it saw.
// An empty slice is a valid answer, not an error.
func (c *Client) DetectFaces(ctx context.Context, img image.Image) ([]models.Detection, error) {
	encoded, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/png")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &models.ExternalServiceError{Service: "detector", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &models.ExternalServiceError{
			Service:    "detector",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("detect: %s", strings.TrimSpace(string(detail))),
		}
	}

	var result struct {
		Detections []models.Detection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	return result.Detections, nil
}

// CropFace finds the dominant face on the image at srcPath and writes the
// cropped window to dstPath. No face is reported through the outcome, not as
// an error; only detector or file failures error out.
func (c *Client) CropFace(ctx context.Context, srcPath, dstPath string) (*models.FaceCrop, error) {
	img, err := imaging.Load(srcPath)
	if err != nil {
		return nil, err
	}

	detections, err := c.DetectFaces(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(detections) == 0 {
		log.Printf("[Detect] no faces found on %s", srcPath)
		return &models.FaceCrop{Outcome: models.FaceCropNone}, nil
	}

	outcome := models.FaceCropSingle
	discarded := 0
	if len(detections) > 1 {
		sort.Slice(detections, func(i, j int) bool {
			return detections[i].Confidence > detections[j].Confidence
		})
		discarded = len(detections) - 1
		outcome = models.FaceCropMultipleResolved
		log.Printf("[Detect] %d faces on %s, keeping the most confident", len(detections), srcPath)
	}
	best := detections[0]

	window := imaging.FaceWindow(img.Bounds(), best.Box, cropScaleFactor, cropShiftFactor)
	if err := imaging.SavePNG(imaging.Crop(img, window), dstPath); err != nil {
		return nil, err
	}

	return &models.FaceCrop{
		Outcome:    outcome,
		Path:       dstPath,
		Confidence: best.Confidence,
		Discarded:  discarded,
	}, nil
}

// HealthCheck pings the detector service.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("detector returned status %d", resp.StatusCode)
	}
	return nil
}
