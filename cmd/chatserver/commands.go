package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-chat/internal/chat"
	"github.com/life-stream-dev/life-stream-go-chat/internal/config"
	"github.com/life-stream-dev/life-stream-go-chat/internal/database"
	"github.com/life-stream-dev/life-stream-go-chat/internal/event"
	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat/internal/server"
	"github.com/life-stream-dev/life-stream-go-chat/internal/session"
	"github.com/life-stream-dev/life-stream-go-chat/internal/utils"
)

type rootOptions struct {
	ConfigPath string
	Debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "chatserver",
		Short:        "Life Stream chat server",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath, "path to the configuration file")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	return cmd
}

// bootstrap loads the configuration, installs the logger and arms the signal
// handler. The caller must run the returned cleaner before exiting.
func bootstrap(opts *rootOptions) (config.Config, *event.Cleaner, error) {
	cfg, err := config.ReadConfig(opts.ConfigPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigCreated) {
			logger.Warn(err.Error(), "path", opts.ConfigPath)
		} else {
			logger.ErrorF("Error occured while reading config %v", err)
		}
		return cfg, nil, err
	}
	if opts.Debug {
		cfg.DebugMode = true
	}

	retention, _ := utils.ParseStringTime(cfg.LogRetention)
	loggerCallback := logger.Init(logger.Options{Dir: cfg.LogDir, Debug: cfg.DebugMode, Retention: retention})
	logger.Debug("Application initializing...")

	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	return cfg, cleaner, nil
}

func newService(store database.Store, cfg config.Config) (*chat.Service, error) {
	return chat.NewService(store, chat.Options{
		PresenceShards: cfg.PresenceShards,
		UserCacheSize:  cfg.UserCacheSize,
	})
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Reconcile stale presence and start accepting connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleaner, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer func() { _ = cleaner.Clean() }()
			ctx := cmd.Context()

			store, err := database.Open(ctx, cfg)
			if err != nil {
				logger.ErrorF("Error occured while initializing database, details: %v", err)
				return err
			}
			svc, err := newService(store, cfg)
			if err != nil {
				_ = store.Close(ctx)
				return err
			}

			// No connection is accepted before the sweep has finished.
			if _, err := svc.Lifecycle().ReconcileAll(ctx); err != nil {
				logger.ErrorF("Error occured while reconciling presence, details: %v", err)
				_ = store.Close(ctx)
				return err
			}

			idleTimeout, _ := utils.ParseStringTime(cfg.IdleTimeout)
			srv := server.New(svc, server.Options{
				Addr:           cfg.ListenAddr,
				MaxConnections: cfg.MaxConnections,
				IdleTimeout:    idleTimeout,
			})

			serveCtx, stopServing := context.WithCancel(ctx)
			served := make(chan struct{})
			cleaner.Add(event.CallableFunc(func(ctx context.Context) error {
				stopServing()
				select {
				case <-served:
					return nil
				case <-ctx.Done():
					return fmt.Errorf("stop server: %w", ctx.Err())
				}
			}))
			cleaner.Add(session.NewShutdownCallback(svc.Lifecycle()))
			cleaner.Add(database.NewCloseCallback(store))

			err = srv.ListenAndServe(serveCtx)
			close(served)
			if err != nil {
				logger.ErrorF("Chat server stopped with error: %v", err)
			}
			return err
		},
	}
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Force every user recorded as online to offline and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleaner, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer func() { _ = cleaner.Clean() }()
			ctx := cmd.Context()

			store, err := database.Open(ctx, cfg)
			if err != nil {
				logger.ErrorF("Error occured while initializing database, details: %v", err)
				return err
			}
			cleaner.Add(database.NewCloseCallback(store))

			svc, err := newService(store, cfg)
			if err != nil {
				return err
			}
			n, err := svc.Lifecycle().ReconcileAll(ctx)
			if err != nil {
				return err
			}
			logger.InfoF("Reconciliation finished, %d users reset to offline", n)
			return nil
		},
	}
}
