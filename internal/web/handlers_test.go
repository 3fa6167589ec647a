package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"CharForge/pipeline/internal/registry"
	"CharForge/pipeline/internal/session"
)

type fakeProbe struct {
	err error
}

func (f fakeProbe) HealthCheck(ctx context.Context) error { return f.err }

type apiFixture struct {
	server   *httptest.Server
	registry *registry.Registry
	queue    *Queue
	hub      *Hub
	gen      *fakeGen
	root     string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	root := t.TempDir()
	charDir := filepath.Join(root, "hero", "char")
	if err := os.MkdirAll(charDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(charDir, "char.safetensors"), []byte("w"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := registry.New(root)
	if err := reg.Refresh(); err != nil {
		t.Fatal(err)
	}

	gen := &fakeGen{}
	hub := NewHub()
	go hub.Run()
	queue := NewQueue(gen, hub)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	queue.Start(ctx)

	handlers := NewHandlers(reg, queue, hub, fakeProbe{}, map[string]session.HealthChecker{
		"detector":   fakeProbe{},
		"classifier": fakeProbe{err: errors.New("cold")},
	})
	server := httptest.NewServer(NewRouter(handlers))
	t.Cleanup(server.Close)

	return &apiFixture{
		server:   server,
		registry: reg,
		queue:    queue,
		hub:      hub,
		gen:      gen,
		root:     root,
	}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body map[string]interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeJob(t *testing.T, r io.Reader) *Job {
	t.Helper()
	var job Job
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		t.Fatal(err)
	}
	return &job
}

func TestGenerateEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/api/v1/generate", map[string]interface{}{
		"character_name": "hero",
		"prompt":         "on a beach",
		"safety_check":   false,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	job := decodeJob(t, resp.Body)
	if job.ID == "" || job.CharacterName != "hero" {
		t.Fatalf("job = %+v", job)
	}

	done := waitForTerminal(t, f.queue, job.ID)
	if done.Status != StatusDone {
		t.Fatalf("status = %s, error = %s", done.Status, done.Error)
	}

	// The job endpoint serves the finished snapshot.
	resp2, err := http.Get(f.server.URL + "/api/v1/jobs/" + job.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("jobs status = %d", resp2.StatusCode)
	}
	fetched := decodeJob(t, resp2.Body)
	if len(fetched.Images) != 1 {
		t.Fatalf("images = %v", fetched.Images)
	}

	// The image URL in the job serves the written file.
	resp3, err := http.Get(f.server.URL + fetched.Images[0])
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("image status = %d", resp3.StatusCode)
	}
	data, err := io.ReadAll(resp3.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "jpegdata" {
		t.Errorf("image body = %q", data)
	}
}

func TestGenerateEndpointValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		body map[string]interface{}
		code int
	}{
		{"missing prompt", map[string]interface{}{"character_name": "hero"}, http.StatusBadRequest},
		{"missing character", map[string]interface{}{"prompt": "hi"}, http.StatusBadRequest},
		{"unknown character", map[string]interface{}{"character_name": "ghost", "prompt": "hi"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.postJSON(t, "/api/v1/generate", tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != tc.code {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.code)
			}
		})
	}
}

func TestGenerateEndpointPicksUpNewCharacter(t *testing.T) {
	f := newAPIFixture(t)

	// Trained after the last registry scan.
	charDir := filepath.Join(f.root, "newcomer", "char")
	if err := os.MkdirAll(charDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(charDir, "char.safetensors"), []byte("w"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := f.postJSON(t, "/api/v1/generate", map[string]interface{}{
		"character_name": "newcomer",
		"prompt":         "portrait",
		"safety_check":   false,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestJobNotFound(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/api/v1/jobs/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCharactersEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/api/v1/characters")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var listing struct {
		Characters []*registry.Character `json:"characters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if len(listing.Characters) != 1 || listing.Characters[0].Name != "hero" {
		t.Errorf("characters = %+v", listing.Characters)
	}
}

func TestServeImageRejectsTraversal(t *testing.T) {
	f := newAPIFixture(t)
	if err := os.WriteFile(filepath.Join(f.root, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(f.server.URL + "/api/v1/images/hero/..%2F..%2Fsecret.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("traversal path was served")
	}
}

func TestServeImageUnknownFile(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/api/v1/images/hero/none.jpg")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status["status"] != "ok" || status["engine"] != "up" {
		t.Errorf("health = %v", status)
	}
	if status["characters"] != float64(1) {
		t.Errorf("characters = %v", status["characters"])
	}
	services, ok := status["services"].(map[string]interface{})
	if !ok {
		t.Fatalf("services missing: %v", status)
	}
	if services["detector"] != "up" || services["classifier"] != "down" {
		t.Errorf("services = %v", services)
	}
}

func TestUpdatesWebsocket(t *testing.T) {
	f := newAPIFixture(t)

	wsURL := strings.Replace(f.server.URL, "http", "ws", 1) + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, welcome, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var hello map[string]interface{}
	if err := json.Unmarshal(welcome, &hello); err != nil {
		t.Fatal(err)
	}
	if hello["type"] != "connected" {
		t.Fatalf("welcome = %v", hello)
	}

	// Enqueue work and expect status updates on the socket.
	resp2 := f.postJSON(t, "/api/v1/generate", map[string]interface{}{
		"character_name": "hero",
		"prompt":         fmt.Sprintf("streamed at %d", time.Now().UnixNano()),
		"safety_check":   false,
	})
	resp2.Body.Close()

	sawDone := false
	for i := 0; i < 5 && !sawDone; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read update: %v", err)
		}
		var update struct {
			Type string `json:"type"`
			Job  *Job   `json:"job"`
		}
		if err := json.Unmarshal(message, &update); err != nil {
			t.Fatal(err)
		}
		if update.Type != "job_update" || update.Job == nil {
			t.Fatalf("update = %s", message)
		}
		if update.Job.Status == StatusDone {
			sawDone = true
		}
	}
	if !sawDone {
		t.Error("never saw a done update")
	}
}
