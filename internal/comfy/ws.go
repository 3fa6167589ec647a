package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

type wsEvent struct {
	Type string `json:"type"`
	Data struct {
		Node     *string `json:"node"`
		PromptID string  `json:"prompt_id"`
	} `json:"data"`
}

// WaitForPrompt blocks until the engine finishes the prompt. Progress comes
// over the event socket; when the socket cannot be used, completion is
// confirmed by polling history.
func (c *Client) WaitForPrompt(ctx context.Context, promptID, clientID string) error {
	wsURL, err := c.eventURL(clientID)
	if err != nil {
		return c.pollForPrompt(ctx, promptID)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		log.Printf("[Comfy] event socket unavailable, polling instead: %v", err)
		return c.pollForPrompt(ctx, promptID)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[Comfy] event socket dropped, polling instead: %v", err)
			return c.pollForPrompt(ctx, promptID)
		}
		if msgType != websocket.TextMessage {
			// Binary frames carry preview images.
			continue
		}

		var ev wsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Data.PromptID != promptID {
			continue
		}

		switch ev.Type {
		case "executing":
			if ev.Data.Node == nil {
				return nil
			}
		case "execution_success":
			return nil
		case "execution_error":
			return fmt.Errorf("engine failed to execute prompt %s", promptID)
		case "execution_interrupted":
			return fmt.Errorf("prompt %s was interrupted", promptID)
		}
	}
}

// pollForPrompt watches history until the prompt shows up finished.
func (c *Client) pollForPrompt(ctx context.Context, promptID string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entry, err := c.GetHistory(ctx, promptID)
			if err != nil {
				continue
			}
			if entry == nil {
				continue
			}
			if entry.Status.StatusStr == "error" {
				return fmt.Errorf("engine failed to execute prompt %s", promptID)
			}
			return nil
		}
	}
}

func (c *Client) eventURL(clientID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = "clientId=" + url.QueryEscape(clientID)
	return u.String(), nil
}
