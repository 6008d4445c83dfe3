package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	LevelFatal slog.Level = 12
)

type Options struct {
	Dir       string
	Debug     bool
	Retention time.Duration
	// Console is written in addition to the log file; nil means os.Stdout.
	Console io.Writer
}

// sink owns the queue and the rotated file. Handlers derived through WithAttrs and
// WithGroup share one sink so they all drain through the same worker.
type sink struct {
	ch          chan []byte
	console     io.Writer
	writer      io.Writer
	currentDay  int
	currentFile *os.File
	basePath    string
	retention   time.Duration
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type AsyncHandler struct {
	sink     *sink
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

func NewAsyncHandler(opts Options, logLevel slog.Level) *AsyncHandler {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	s := &sink{
		ch:        make(chan []byte, 1024),
		console:   console,
		writer:    console,
		basePath:  opts.Dir,
		retention: opts.Retention,
	}
	if err := s.rotateIfNeeded(time.Now()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "log file unavailable, console only: %v\n", err)
	}
	s.wg.Add(1)
	go s.startWorker()
	return &AsyncHandler{sink: s, logLevel: logLevel}
}

func (s *sink) cleanOldLogs(now time.Time) {
	if s.retention <= 0 {
		return
	}
	files, _ := filepath.Glob(filepath.Join(s.basePath, "*.log"))
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > s.retention {
			_ = os.Remove(f)
		}
	}
}

func (s *sink) rotateIfNeeded(now time.Time) error {
	if s.basePath == "" {
		return nil
	}
	currentDay := now.YearDay()
	if currentDay == s.currentDay && s.currentFile != nil {
		return nil
	}

	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		s.currentFile = nil
		s.writer = s.console
	}

	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logPath := filepath.Join(s.basePath, now.Format("2006-01-02")+".log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	s.currentFile = f
	s.currentDay = currentDay
	s.writer = io.MultiWriter(s.console, f)
	s.cleanOldLogs(now)
	return nil
}

func (s *sink) startWorker() {
	defer s.wg.Done()
	for data := range s.ch {
		_ = s.rotateIfNeeded(time.Now())
		_, _ = s.writer.Write(data)
	}
}

func (s *sink) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		s.wg.Wait()
		if s.currentFile != nil {
			_ = s.currentFile.Sync()
			_ = s.currentFile.Close()
		}
	})
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch {
	case r.Level >= LevelFatal:
		level = color.HiRedString("FATAL")
	case r.Level >= slog.LevelError:
		level = color.RedString(level)
	case r.Level >= slog.LevelWarn:
		level = color.YellowString(level)
	case r.Level >= slog.LevelInfo:
		level = color.BlueString(level)
	default:
		level = color.MagentaString(level)
	}

	var line strings.Builder
	line.WriteString(fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		color.CyanString(r.Message),
	))

	for _, attr := range h.attrs {
		line.WriteString(color.CyanString(fmt.Sprintf(" %s=%v", attr.Key, attr.Value)))
	}
	r.Attrs(func(attr slog.Attr) bool {
		line.WriteString(color.CyanString(fmt.Sprintf(" %s=%v", h.qualify(attr.Key), attr.Value)))
		return true
	})
	line.WriteByte('\n')

	h.Write([]byte(line.String()))
	return nil
}

func (h *AsyncHandler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	for _, attr := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: h.qualify(attr.Key), Value: attr.Value})
	}
	return &AsyncHandler{sink: h.sink, attrs: newAttrs, group: h.group, logLevel: h.logLevel}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &AsyncHandler{sink: h.sink, attrs: h.attrs, group: h.qualify(name), logLevel: h.logLevel}
}

func (h *AsyncHandler) Write(p []byte) {
	pb := make([]byte, len(p))
	copy(pb, p)
	defer func() {
		// the sink was closed during shutdown; late lines go straight to stderr
		if recover() != nil {
			_, _ = os.Stderr.Write(pb)
		}
	}()
	h.sink.ch <- pb
}

func (h *AsyncHandler) Close() error {
	h.sink.close()
	return nil
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = lc.handler.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush logs: %w", ctx.Err())
	}
}

// Init installs the async handler as the slog default.
func Init(opts Options) *ShutdownCallback {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handler := NewAsyncHandler(opts, level)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
