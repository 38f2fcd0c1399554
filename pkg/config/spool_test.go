package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingHandler struct {
	mu     sync.Mutex
	docs   []*Document
	reject string
}

func (h *recordingHandler) handle(ctx context.Context, doc *Document) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reject != "" && doc.Mission.Name == h.reject {
		return errors.New("queue full")
	}
	h.docs = append(h.docs, doc)
	return nil
}

func (h *recordingHandler) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, len(h.docs))
	for i, d := range h.docs {
		names[i] = d.Mission.Name
	}
	return names
}

func startSpool(t *testing.T, dir string, h *recordingHandler) {
	t.Helper()
	spool := NewSpool(dir, NewParser(), h.handle, zerolog.New(nil).Level(zerolog.Disabled),
		WithSettleDelay(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- spool.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("spool returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("spool did not stop")
		}
	})
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("file %s did not appear", path)
}

func missionSpec(name string) string {
	return "mission:\n  name: " + name + "\n  components:\n    - id: gateway\n      type: edge\n"
}

func TestSpool_ProcessesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "b.yaml", missionSpec("second"))
	writeSpec(t, dir, "a.yaml", missionSpec("first"))

	h := &recordingHandler{}
	startSpool(t, dir, h)

	waitForFile(t, filepath.Join(dir, ProcessedDir, "b.yaml"))
	waitForFile(t, filepath.Join(dir, ProcessedDir, "a.yaml"))

	names := h.names()
	if len(names) != 2 || names[0] != "first" || names[1] != "second" {
		t.Errorf("expected files in name order, got %v", names)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.yaml")); !os.IsNotExist(err) {
		t.Error("processed file should leave the spool directory")
	}
}

func TestSpool_NewFile(t *testing.T) {
	dir := t.TempDir()
	h := &recordingHandler{}
	startSpool(t, dir, h)

	// The processed directory is created by Run.
	waitForFile(t, filepath.Join(dir, ProcessedDir))

	writeSpec(t, dir, "new.yaml", missionSpec("dropped"))
	waitForFile(t, filepath.Join(dir, ProcessedDir, "new.yaml"))

	names := h.names()
	if len(names) != 1 || names[0] != "dropped" {
		t.Errorf("expected one submitted document, got %v", names)
	}
}

func TestSpool_RejectsInvalidAndRefused(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "broken.yaml", "mission:\n  components: []\n")
	writeSpec(t, dir, "refused.yaml", missionSpec("refused"))
	writeSpec(t, dir, "notes.txt", "not a spec")

	h := &recordingHandler{reject: "refused"}
	startSpool(t, dir, h)

	waitForFile(t, filepath.Join(dir, FailedDir, "broken.yaml.error"))
	waitForFile(t, filepath.Join(dir, FailedDir, "refused.yaml.error"))

	reason, err := os.ReadFile(filepath.Join(dir, FailedDir, "refused.yaml.error"))
	if err != nil {
		t.Fatalf("failed to read error file: %v", err)
	}
	if !strings.Contains(string(reason), "queue full") {
		t.Errorf("expected handler error in reason, got %q", reason)
	}
	if _, err := os.Stat(filepath.Join(dir, FailedDir, "broken.yaml")); err != nil {
		t.Errorf("invalid file should be moved to failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Error("non-spec files are left alone")
	}
	if len(h.names()) != 0 {
		t.Errorf("expected no accepted documents, got %v", h.names())
	}
}

func TestSpool_NameCollision(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ProcessedDir), 0755); err != nil {
		t.Fatal(err)
	}
	writeSpec(t, filepath.Join(dir, ProcessedDir), "job.yaml", "old")
	writeSpec(t, dir, "job.yaml", missionSpec("again"))

	h := &recordingHandler{}
	startSpool(t, dir, h)

	deadline := time.Now().Add(5 * time.Second)
	for len(h.names()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	waitForMissing(t, filepath.Join(dir, "job.yaml"))

	entries, err := os.ReadDir(filepath.Join(dir, ProcessedDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected the earlier file to be kept, got %d entries", len(entries))
	}
}

func waitForMissing(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("file %s was not moved", path)
}
