package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout = 30 * time.Minute
	pollInterval   = 1 * time.Second
)

// Client talks to a running engine instance over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// PromptRequest represents a prompt submission.
type PromptRequest struct {
	Prompt   Workflow `json:"prompt"`
	ClientID string   `json:"client_id"`
}

// ImageInfo identifies an image stored by the engine.
type ImageInfo struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryEntry is one finished prompt in the engine history.
type HistoryEntry struct {
	Outputs map[string]struct {
		Images []ImageInfo `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// SystemStats mirrors the engine system report.
type SystemStats struct {
	System struct {
		OS       string `json:"os"`
		RAMTotal int64  `json:"ram_total"`
		RAMFree  int64  `json:"ram_free"`
	} `json:"system"`
	Devices []struct {
		Name          string `json:"name"`
		Type          string `json:"type"`
		VRAMTotal     int64  `json:"vram_total"`
		VRAMFree      int64  `json:"vram_free"`
		TorchVRAMFree int64  `json:"torch_vram_free"`
	} `json:"devices"`
}

// NewClient creates a client for the engine at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// NewClientID returns a fresh client identifier for prompt tracking.
func NewClientID() string {
	return uuid.NewString()
}

// QueuePrompt submits a workflow and returns the engine prompt ID.
func (c *Client) QueuePrompt(ctx context.Context, wf Workflow, clientID string) (string, error) {
	reqBody, err := json.Marshal(&PromptRequest{Prompt: wf, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal prompt: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/prompt", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to queue prompt: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Printf("[Comfy] queue rejected: status=%d body=%s", resp.StatusCode, string(bodyBytes))
		return "", fmt.Errorf("engine rejected prompt with status %d", resp.StatusCode)
	}

	var result struct {
		PromptID   string                 `json:"prompt_id"`
		NodeErrors map[string]interface{} `json:"node_errors"`
	}
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return "", fmt.Errorf("failed to decode queue response: %w", err)
	}
	if result.PromptID == "" {
		log.Printf("[Comfy] queue response missing prompt_id: %s", string(bodyBytes))
		return "", fmt.Errorf("invalid response: missing prompt_id")
	}
	if len(result.NodeErrors) > 0 {
		return "", fmt.Errorf("engine reported node errors: %v", result.NodeErrors)
	}
	return result.PromptID, nil
}

// GetHistory fetches the history entry for one prompt. Returns nil when the
// prompt has not finished yet.
func (c *Client) GetHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	var history map[string]*HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return history[promptID], nil
}

// CollectOutputs returns the finished prompt's images grouped by node ID.
func (c *Client) CollectOutputs(ctx context.Context, promptID string) (map[string][]ImageInfo, error) {
	entry, err := c.GetHistory(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("prompt %s not found in history", promptID)
	}

	outputs := make(map[string][]ImageInfo, len(entry.Outputs))
	for nodeID, out := range entry.Outputs {
		if len(out.Images) > 0 {
			outputs[nodeID] = out.Images
		}
	}
	return outputs, nil
}

// Run submits a workflow, waits for it to finish and returns the outputs
// grouped by node ID.
func (c *Client) Run(ctx context.Context, wf Workflow) (map[string][]ImageInfo, error) {
	clientID := NewClientID()
	promptID, err := c.QueuePrompt(ctx, wf, clientID)
	if err != nil {
		return nil, err
	}
	if err := c.WaitForPrompt(ctx, promptID, clientID); err != nil {
		if ctx.Err() != nil {
			// The engine keeps executing an abandoned prompt unless told
			// to stop.
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if ierr := c.Interrupt(stopCtx); ierr != nil {
				log.Printf("[Comfy] interrupt after cancel failed: %v", ierr)
			}
		}
		return nil, err
	}

	// The history write can land slightly after the completion event.
	var outputs map[string][]ImageInfo
	for attempt := 0; attempt < 5; attempt++ {
		outputs, err = c.CollectOutputs(ctx, promptID)
		if err == nil {
			return outputs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return nil, err
}

// GetImage downloads an image stored by the engine.
func (c *Client) GetImage(ctx context.Context, info ImageInfo) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", info.Filename)
	if info.Subfolder != "" {
		q.Set("subfolder", info.Subfolder)
	}
	if info.Type != "" {
		q.Set("type", info.Type)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image %s: %w", info.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine returned status %d for image %s", resp.StatusCode, info.Filename)
	}
	return io.ReadAll(resp.Body)
}

// UploadImage pushes local image bytes into the engine input folder and
// returns the stored filename.
func (c *Client) UploadImage(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/upload/image", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("engine returned status %d for upload", resp.StatusCode)
	}

	var result struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if result.Name == "" {
		result.Name = name
	}
	if result.Subfolder != "" {
		return result.Subfolder + "/" + result.Name, nil
	}
	return result.Name, nil
}

// FreeMemory asks the engine to unload all models and release cached GPU
// memory.
func (c *Client) FreeMemory(ctx context.Context) error {
	body := []byte(`{"unload_models":true,"free_memory":true}`)
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/free", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to free engine memory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine returned status %d for free", resp.StatusCode)
	}
	return nil
}

// Interrupt cancels the currently executing prompt.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/interrupt", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to interrupt engine: %w", err)
	}
	resp.Body.Close()
	return nil
}

// ObjectInfoOptions returns the choices the engine offers for one input
// field of a node class, e.g. the checkpoint names known to
// CheckpointLoaderSimple.
func (c *Client) ObjectInfoOptions(ctx context.Context, classType, field string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/object_info/"+classType, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch object info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine returned status %d for object info %s", resp.StatusCode, classType)
	}

	var info map[string]struct {
		Input struct {
			Required map[string][]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode object info: %w", err)
	}

	class, ok := info[classType]
	if !ok {
		return nil, fmt.Errorf("engine does not know node class %s", classType)
	}
	spec, ok := class.Input.Required[field]
	if !ok || len(spec) == 0 {
		return nil, fmt.Errorf("node class %s has no field %s", classType, field)
	}

	var options []string
	if err := json.Unmarshal(spec[0], &options); err != nil {
		return nil, fmt.Errorf("field %s of %s is not a choice list: %w", field, classType, err)
	}
	return options, nil
}

// KnownNodeClass reports whether the engine exposes a node class. The engine
// answers object-info requests for unknown classes with an empty object
// rather than an error status.
func (c *Client) KnownNodeClass(ctx context.Context, classType string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/object_info/"+classType, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to fetch object info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("engine returned status %d for object info %s", resp.StatusCode, classType)
	}

	var info map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return false, fmt.Errorf("failed to decode object info: %w", err)
	}
	_, ok := info[classType]
	return ok, nil
}

// SystemStats fetches the engine resource report.
func (c *Client) SystemStats(ctx context.Context) (*SystemStats, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/system_stats", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch system stats: %w", err)
	}
	defer resp.Body.Close()

	var stats SystemStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode system stats: %w", err)
	}
	return &stats, nil
}

// HealthCheck checks if the engine is accessible.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/queue", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine returned status %d", resp.StatusCode)
	}
	return nil
}

// BaseURL exposes the configured engine address.
func (c *Client) BaseURL() string {
	return c.baseURL
}
