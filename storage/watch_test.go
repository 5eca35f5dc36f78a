package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExportWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "survey.csv")
	writeTestFile(t, main, "KEY,name\nuuid:1,amina\n")

	s, err := NewODKExportStorage(main, false)
	if err != nil {
		t.Fatalf("new export storage: %v", err)
	}
	w, err := NewExportWatcher(s, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(dir); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Stop()

	writeTestFile(t, main, "KEY,name\nuuid:1,amina\nuuid:2,joseph\n")

	deadline := time.Now().Add(5 * time.Second)
	for {
		ids, err := s.ListSubmissions(context.Background())
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(ids) == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("reload never happened, still %v", ids)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestExportWatcherStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "survey.csv")
	if err := os.WriteFile(main, []byte("KEY\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := NewODKExportStorage(main, false)
	if err != nil {
		t.Fatalf("new export storage: %v", err)
	}
	w, err := NewExportWatcher(s, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(dir); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
