package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"CharForge/pipeline/internal/models"
	"CharForge/pipeline/internal/registry"
	"CharForge/pipeline/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool, no origin policy
	},
}

// GenerateRequest is the wire form of a generation job. Optional booleans
// are pointers so an omitted field keeps its default instead of reading as
// false.
type GenerateRequest struct {
	CharacterName  string  `json:"character_name"`
	Prompt         string  `json:"prompt"`
	LoRAWeight     float64 `json:"lora_weight,omitempty"`
	TestDim        int     `json:"test_dim,omitempty"`
	BatchSize      int     `json:"batch_size,omitempty"`
	Steps          int     `json:"num_inference_steps,omitempty"`
	OptimizePrompt *bool   `json:"do_optimize_prompt,omitempty"`
	FixOutfit      bool    `json:"fix_outfit,omitempty"`
	SafetyCheck    *bool   `json:"safety_check,omitempty"`
	FaceEnhance    bool    `json:"face_enhance,omitempty"`
}

// Handlers carries the serving dependencies.
type Handlers struct {
	registry *registry.Registry
	queue    *Queue
	hub      *Hub
	engine   session.HealthChecker
	services map[string]session.HealthChecker
}

// NewHandlers wires the handler set. The engine probe may be nil, in which
// case the health endpoint omits engine status; services maps probe names to
// the external model services reported alongside it.
func NewHandlers(reg *registry.Registry, queue *Queue, hub *Hub, engine session.HealthChecker, services map[string]session.HealthChecker) *Handlers {
	return &Handlers{
		registry: reg,
		queue:    queue,
		hub:      hub,
		engine:   engine,
		services: services,
	}
}

// NewRouter builds the HTTP API over the handler set.
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("[Web] %s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	})
	r.Use(corsMiddleware)

	r.Get("/health", h.Health)
	r.Get("/ws", h.Updates)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/generate", h.Generate)
		r.Get("/jobs/{id}", h.GetJob)
		r.Get("/characters", h.Characters)
		r.Get("/images/{character}/{file}", h.ServeImage)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Generate validates the request against the registry and queues a job.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CharacterName == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "character_name and prompt are required")
		return
	}

	if !h.registry.Exists(req.CharacterName) {
		// The character may have finished training after the last scan.
		if err := h.registry.Refresh(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !h.registry.Exists(req.CharacterName) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("character not found: %s", req.CharacterName))
			return
		}
	}

	job, err := h.queue.Enqueue(h.buildConfig(&req))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(job)
}

func (h *Handlers) buildConfig(req *GenerateRequest) *models.InferenceConfig {
	cfg := models.NewInferenceConfig(req.CharacterName, req.Prompt)
	cfg.WorkDir = h.registry.WorkDir(req.CharacterName)
	if req.LoRAWeight > 0 {
		cfg.LoRAWeight = req.LoRAWeight
	}
	if req.TestDim > 0 {
		cfg.TestDim = req.TestDim
	}
	if req.BatchSize > 0 {
		cfg.BatchSize = req.BatchSize
	}
	if req.Steps > 0 {
		cfg.Steps = req.Steps
	}
	if req.OptimizePrompt != nil {
		cfg.OptimizePrompt = *req.OptimizePrompt
	}
	if req.SafetyCheck != nil {
		cfg.SafetyCheck = *req.SafetyCheck
	}
	cfg.FixOutfit = req.FixOutfit
	cfg.FaceEnhance = req.FaceEnhance
	return cfg
}

// GetJob returns the current snapshot of a queued job.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id := chi.URLParam(r, "id")
	job, ok := h.queue.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job not found: %s", id))
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(job)
}

// Characters rescans the scratch root and lists every trained character.
func (h *Handlers) Characters(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := h.registry.Refresh(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"characters": h.registry.List(),
	})
}

// ServeImage serves one generated output file of a trained character.
func (h *Handlers) ServeImage(w http.ResponseWriter, r *http.Request) {
	character := chi.URLParam(r, "character")
	file := chi.URLParam(r, "file")

	if file == "" || file == "." || file == ".." || filepath.Base(file) != file {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	if !h.registry.Exists(character) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusNotFound, fmt.Sprintf("character not found: %s", character))
		return
	}

	path := filepath.Join(h.registry.WorkDir(character), "output", file)
	if _, err := os.Stat(path); err != nil {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusNotFound, fmt.Sprintf("image not found: %s", file))
		return
	}
	http.ServeFile(w, r, path)
}

// Health reports service status, engine reachability and the character
// count.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := map[string]interface{}{
		"status":     "ok",
		"service":    "charforge",
		"characters": len(h.registry.List()),
		"clients":    h.hub.ClientCount(),
		"pending":    h.queue.Pending(),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if h.engine != nil {
		status["engine"] = probeStatus(ctx, h.engine)
	}
	if len(h.services) > 0 {
		services := make(map[string]string, len(h.services))
		for name, probe := range h.services {
			services[name] = probeStatus(ctx, probe)
		}
		status["services"] = services
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

func probeStatus(ctx context.Context, probe session.HealthChecker) string {
	if err := probe.HealthCheck(ctx); err != nil {
		return "down"
	}
	return "up"
}

// Updates upgrades the connection and subscribes it to job updates.
func (h *Handlers) Updates(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:   generateClientID(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Hub:  h.hub,
	}
	h.hub.register <- client

	welcome, _ := json.Marshal(map[string]interface{}{
		"type": "connected",
		"id":   client.ID,
		"time": time.Now().Unix(),
	})
	select {
	case client.Send <- welcome:
	default:
	}

	go client.readPump()
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// generateClientID generates a unique client ID.
func generateClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b)
}
