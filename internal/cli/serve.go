package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quillworks/quill/internal/config"
	"github.com/quillworks/quill/internal/notebook"
	"github.com/quillworks/quill/internal/remote"
	"github.com/quillworks/quill/internal/server"
	"github.com/quillworks/quill/internal/storage"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Config   string
	Database string
	Engine   string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve <notebook-path>",
		Short: "Host a notebook for collaborative editing and execution",
		Long: `Host one notebook: sequence concurrent edits into a single version
history, broadcast them to attached sessions, and coordinate cell
execution against a shared engine.

The notebook is loaded from the database if it exists there, created
otherwise, and saved back on shutdown.

Example:
  quilld serve --config ./quill.yaml demo.qnb
  quilld serve --db /tmp/quill.db --engine ws://127.0.0.1:9007/kernel demo.qnb`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to configuration file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Engine, "engine", "", "websocket URL of the computation engine (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, path string, cmd *cobra.Command) error {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if opts.Database != "" {
		cfg.Storage.Path = opts.Database
	}
	if opts.Engine != "" {
		cfg.Executor.Remote = opts.Engine
	}
	if cfg.Executor.Remote == "" {
		return NewExitError(ExitCommandError, "no engine endpoint configured (set executor.remote or --engine)")
	}

	log := newLogger(cfg.Logging, opts.Verbose)
	slog.SetDefault(log)

	log.Info("opening database", "path", cfg.Storage.Path)
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	nb, version, err := store.Load(cmd.Context(), path)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Info("notebook not found; starting empty", "path", path)
		nb = notebook.Notebook{Path: path}
	case err != nil:
		return WrapExitError(ExitCommandError, "failed to load notebook", err)
	default:
		log.Info("notebook loaded", "path", path, "cells", len(nb.Cells), "version", version)
	}

	launcher := remote.Launcher{URL: cfg.Executor.Remote, Log: log}
	srv := server.New(cfg, nb, launcher, store, log)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("server starting", "notebook", path, "engine", cfg.Executor.Remote)
	if err := srv.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	log.Info("server stopped gracefully")
	return nil
}

// newLogger builds the slog handler the configuration asks for.
func newLogger(cfg config.Logging, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}
