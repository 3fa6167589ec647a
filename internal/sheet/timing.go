package sheet

import (
	"fmt"
	"log"
	"os"
	"time"
)

// TimingLog appends stage durations to a plain-text log, one
// "<stage>: <seconds> seconds" line per entry.
type TimingLog struct {
	path string
}

// NewTimingLog starts a fresh timing log at path, truncating any previous
// run's entries.
func NewTimingLog(path string) (*TimingLog, error) {
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, fmt.Errorf("create timing log %s: %w", path, err)
	}
	return &TimingLog{path: path}, nil
}

// OpenTimingLog appends to an existing log owned by an outer workflow.
func OpenTimingLog(path string) *TimingLog {
	return &TimingLog{path: path}
}

// Track runs fn and records its duration under name. The entry is written
// even when fn fails.
func (t *TimingLog) Track(name string, fn func() error) error {
	start := time.Now()
	defer func() {
		t.record(name, time.Since(start))
	}()
	return fn()
}

func (t *TimingLog) record(name string, d time.Duration) {
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[Sheet] cannot write timing log: %v", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s: %.2f seconds\n", name, d.Seconds())
}

// Path returns the log file location.
func (t *TimingLog) Path() string {
	return t.path
}
