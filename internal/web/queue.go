package web

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"CharForge/pipeline/internal/models"
)

// Job states.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

const (
	jobTTL        = time.Hour
	jobSweep      = 2 * time.Hour
	reuseTTL      = 30 * time.Minute
	reuseSweep    = time.Hour
	queueCapacity = 100
)

// ImageGenerator is the slice of the inference generator the queue drives.
type ImageGenerator interface {
	Generate(ctx context.Context, cfg *models.InferenceConfig) ([]string, error)
	CheckSafety(ctx context.Context, files []string, dim int) []bool
}

// Job is the public view of one queued generation request.
type Job struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	CharacterName string    `json:"character_name"`
	Prompt        string    `json:"prompt"`
	Images        []string  `json:"images,omitempty"`
	Flagged       []bool    `json:"flagged,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	DurationSecs  float64   `json:"duration_seconds,omitempty"`

	files []string
}

type request struct {
	job  *Job
	cfg  *models.InferenceConfig
	hash string
}

// Queue serializes generation jobs onto a single worker so concurrent API
// calls never contend for the device. Finished jobs expire after an hour.
// An identical request inside the reuse window returns the earlier job as
// long as its output files are still on disk.
type Queue struct {
	gen ImageGenerator
	hub *Hub

	requests chan *request
	jobs     *cache.Cache
	seen     *cache.Cache

	mu sync.Mutex
}

// NewQueue creates a queue over the generator. Call Start to launch the
// worker.
func NewQueue(gen ImageGenerator, hub *Hub) *Queue {
	return &Queue{
		gen:      gen,
		hub:      hub,
		requests: make(chan *request, queueCapacity),
		jobs:     cache.New(jobTTL, jobSweep),
		seen:     cache.New(reuseTTL, reuseSweep),
	}
}

// Start launches the single worker. One worker only: a running generation
// owns the device.
func (q *Queue) Start(ctx context.Context) {
	go q.worker(ctx)
}

// Enqueue queues a generation request and returns its job. A matching
// recent job with intact output files is returned instead of queuing new
// work.
func (q *Queue) Enqueue(cfg *models.InferenceConfig) (*Job, error) {
	hash := requestHash(cfg)
	if job, ok := q.reusable(hash); ok {
		log.Printf("[Queue] reusing job %s for an identical request", job.ID)
		return job, nil
	}

	job := &Job{
		ID:            uuid.NewString(),
		Status:        StatusQueued,
		CharacterName: cfg.CharacterName,
		Prompt:        cfg.Prompt,
		CreatedAt:     time.Now(),
	}
	q.jobs.Set(job.ID, job, cache.DefaultExpiration)

	select {
	case q.requests <- &request{job: job, cfg: cfg, hash: hash}:
	default:
		q.jobs.Delete(job.ID)
		return nil, fmt.Errorf("queue is full")
	}

	log.Printf("[Queue] job %s queued for %s", job.ID, cfg.CharacterName)
	return q.snapshot(job), nil
}

// Job retrieves a job by ID.
func (q *Queue) Job(id string) (*Job, bool) {
	value, ok := q.jobs.Get(id)
	if !ok {
		return nil, false
	}
	return q.snapshot(value.(*Job)), true
}

// Pending returns the number of requests waiting for the worker.
func (q *Queue) Pending() int {
	return len(q.requests)
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-q.requests:
			if !ok {
				return
			}
			q.process(ctx, req)
		}
	}
}

func (q *Queue) process(ctx context.Context, req *request) {
	start := time.Now()
	q.update(req.job, func(j *Job) {
		j.Status = StatusRunning
	})

	files, err := q.gen.Generate(ctx, req.cfg)
	if err != nil {
		log.Printf("[Queue] job %s failed: %v", req.job.ID, err)
		q.update(req.job, func(j *Job) {
			j.Status = StatusFailed
			j.Error = err.Error()
			j.DurationSecs = time.Since(start).Seconds()
		})
		return
	}

	var flags []bool
	if req.cfg.SafetyCheck {
		flags = q.gen.CheckSafety(ctx, files, req.cfg.TestDim)
	}

	images := make([]string, len(files))
	for i, file := range files {
		images[i] = imageURL(req.cfg.CharacterName, filepath.Base(file))
	}

	q.update(req.job, func(j *Job) {
		j.Status = StatusDone
		j.Images = images
		j.Flagged = flags
		j.files = files
		j.DurationSecs = time.Since(start).Seconds()
	})
	q.seen.Set(req.hash, req.job.ID, cache.DefaultExpiration)
	log.Printf("[Queue] job %s done, %d images in %.2f seconds", req.job.ID, len(files), time.Since(start).Seconds())
}

// update mutates a job under the queue lock, refreshes its cache lease and
// broadcasts the new snapshot.
func (q *Queue) update(job *Job, fn func(*Job)) {
	q.mu.Lock()
	fn(job)
	snapshot := copyJob(job)
	q.mu.Unlock()

	q.jobs.Set(job.ID, job, cache.DefaultExpiration)
	if q.hub != nil {
		q.hub.Broadcast(snapshot)
	}
}

func (q *Queue) snapshot(job *Job) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyJob(job)
}

// reusable returns the finished job recorded for the hash if its files are
// all still present. Stale entries are dropped.
func (q *Queue) reusable(hash string) (*Job, bool) {
	idValue, ok := q.seen.Get(hash)
	if !ok {
		return nil, false
	}
	jobValue, ok := q.jobs.Get(idValue.(string))
	if !ok {
		q.seen.Delete(hash)
		return nil, false
	}

	job := q.snapshot(jobValue.(*Job))
	if job.Status != StatusDone {
		return nil, false
	}
	for _, file := range job.files {
		if _, err := os.Stat(file); err != nil {
			q.seen.Delete(hash)
			return nil, false
		}
	}
	return job, true
}

func copyJob(job *Job) *Job {
	jobCopy := *job
	jobCopy.Images = append([]string(nil), job.Images...)
	jobCopy.Flagged = append([]bool(nil), job.Flagged...)
	jobCopy.files = append([]string(nil), job.files...)
	return &jobCopy
}

func requestHash(cfg *models.InferenceConfig) string {
	data := fmt.Sprintf("%s|%s|%g|%d|%d|%d|%t|%t|%t",
		cfg.CharacterName, cfg.Prompt,
		cfg.LoRAWeight, cfg.TestDim, cfg.BatchSize, cfg.Steps,
		cfg.OptimizePrompt, cfg.FixOutfit, cfg.FaceEnhance)
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

func imageURL(character, file string) string {
	return path.Join("/api/v1/images", character, file)
}
