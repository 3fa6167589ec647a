package sheet

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestTimingLogAppendsStageLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timing.log")
	if err := os.WriteFile(path, []byte("previous run\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tl, err := NewTimingLog(path)
	if err != nil {
		t.Fatalf("NewTimingLog: %v", err)
	}

	if err := tl.Track("preprocessing", func() error { return nil }); err != nil {
		t.Fatalf("Track: %v", err)
	}
	stageErr := errors.New("engine down")
	if err := tl.Track("Multi-view", func() error { return stageErr }); !errors.Is(err, stageErr) {
		t.Fatalf("Track error = %v, want %v", err, stageErr)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "previous run") {
		t.Errorf("log was not truncated:\n%s", data)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), data)
	}
	format := regexp.MustCompile(`^[^:]+: \d+\.\d{2} seconds$`)
	for _, line := range lines {
		if !format.MatchString(line) {
			t.Errorf("malformed timing line %q", line)
		}
	}
	if !strings.HasPrefix(lines[0], "preprocessing: ") {
		t.Errorf("first line = %q, want preprocessing entry", lines[0])
	}
	// The failed stage still records its duration.
	if !strings.HasPrefix(lines[1], "Multi-view: ") {
		t.Errorf("second line = %q, want Multi-view entry", lines[1])
	}
}
