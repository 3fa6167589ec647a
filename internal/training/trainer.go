package training

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// lineWriter logs subprocess output line by line while keeping the full
// transcript. exec.Cmd serializes writes when stdout and stderr share one
// writer value, so no locking is needed here.
type lineWriter struct {
	partial bytes.Buffer
	out     strings.Builder
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.out.Write(p)
	w.partial.Write(p)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			// Put the incomplete tail back for the next write.
			w.partial.WriteString(line)
			return len(p), nil
		}
		log.Printf("[Trainer] %s", strings.TrimRight(line, "\n"))
	}
}

func (w *lineWriter) flush() {
	if w.partial.Len() > 0 {
		log.Printf("[Trainer] %s", w.partial.String())
		w.partial.Reset()
	}
}

func (w *lineWriter) transcript() string {
	return w.out.String()
}

// RunTrainer launches the external optimizer on a materialized config file
// and streams its combined output. A non-zero exit is an error; the trainer
// transcript is returned either way.
func RunTrainer(ctx context.Context, trainer, configPath string) (string, error) {
	w := &lineWriter{}
	cmd := exec.CommandContext(ctx, trainer, configPath)
	cmd.Stdout = w
	cmd.Stderr = w

	log.Printf("[Trainer] running: %s %s", trainer, configPath)
	err := cmd.Run()
	w.flush()
	if err != nil {
		return w.transcript(), fmt.Errorf("trainer exited abnormally: %w", err)
	}
	return w.transcript(), nil
}
