package event

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
)

const (
	cleanerTimeout        = 10 * time.Second
	loggerShutdownTimeout = 3 * time.Second
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Cleaner runs registered shutdown callbacks in registration order, once.
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleanOnce      sync.Once
	cleaning       bool
	loggerShutdown Callable
	exit           func(code int)
	cleanErr       error
}

func NewCleaner() *Cleaner {
	return &Cleaner{exit: os.Exit}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init arms the SIGINT/SIGTERM handler. On signal every cleaner runs, the logger is
// flushed and the process exits.
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		c.loggerShutdown = loggerShutdown

		go func() {
			<-ctx.Done()
			stop()
			logger.Info("Received interrupt signal, shutting down")
			code := 0
			if err := c.Clean(); err != nil {
				code = 1
			}
			c.exit(code)
		}()
	})
}

// Clean runs the cleaners. It is safe to call from both the signal path and a
// deferred call in main; only the first call does any work.
func (c *Cleaner) Clean() error {
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i, callable := range cleanersCopy {
			if err := invoke(i, callable); err != nil {
				errs = append(errs, err)
			}
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, server offline")

		if c.loggerShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), loggerShutdownTimeout)
			defer cancel()
			if err := c.loggerShutdown.Invoke(ctx); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
		}
		c.cleanErr = errors.Join(errs...)
	})
	return c.cleanErr
}

func invoke(idx int, callable Callable) error {
	logger.DebugF("Invoking cleaner #%d (%T)", idx+1, callable)
	ctx, cancel := context.WithTimeout(context.Background(), cleanerTimeout)
	defer cancel()
	if err := callable.Invoke(ctx); err != nil {
		logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, callable, err)
		return fmt.Errorf("cleaner #%d: %w", idx+1, err)
	}
	return nil
}
