package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAsyncHandlerWritesFileAndConsole(t *testing.T) {
	color.NoColor = true
	dir := t.TempDir()
	console := &lockedBuffer{}
	handler := NewAsyncHandler(Options{Dir: dir, Console: console}, slog.LevelInfo)
	log := slog.New(handler).With("conn", "abc").WithGroup("chat")

	log.Debug("hidden")
	log.Info("user online", "user", 7)
	if err := handler.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out := console.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line should be filtered at info level: %q", out)
	}
	if !strings.Contains(out, "user online conn=abc chat.user=7") {
		t.Errorf("unexpected console output: %q", out)
	}

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "user online") {
		t.Errorf("log file missing line: %q", data)
	}
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "2000-01-01.log")
	if err := os.WriteFile(old, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	handler := NewAsyncHandler(Options{Dir: dir, Retention: 24 * time.Hour, Console: &lockedBuffer{}}, slog.LevelInfo)
	defer handler.Close()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed, stat err=%v", old, err)
	}
}

func TestShutdownCallbackFlushes(t *testing.T) {
	console := &lockedBuffer{}
	handler := NewAsyncHandler(Options{Console: console}, slog.LevelDebug)
	slog.New(handler).Debug("flushed")

	cb := &ShutdownCallback{handler: handler}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cb.Invoke(ctx); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(console.String(), "flushed") {
		t.Errorf("expected queued line to be flushed, got %q", console.String())
	}
}
