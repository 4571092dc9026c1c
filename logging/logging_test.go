package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestRotatingWriterKeepsOneBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	rw, err := openRotating(path, 32)
	if err != nil {
		t.Fatalf("openRotating: %v", err)
	}
	defer rw.Close()

	first := strings.Repeat("a", 40)
	if _, err := rw.Write([]byte(first)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := rw.Write([]byte("after")); err != nil {
		t.Fatalf("write: %v", err)
	}

	backup, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(backup) != first {
		t.Fatalf("backup = %q", backup)
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(current) != "after" {
		t.Fatalf("current = %q", current)
	}
}

func TestSetupTruncatesOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	if err := os.WriteFile(path, make([]byte, maxLogSize+1), 0644); err != nil {
		t.Fatal(err)
	}

	logger, rw, err := Setup(path, "debug")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer rw.Close()

	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v", logger.GetLevel())
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected truncated log, size %d", info.Size())
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	if lvl := New("verbose").GetLevel(); lvl != logrus.InfoLevel {
		t.Fatalf("level = %v, want info", lvl)
	}
}
