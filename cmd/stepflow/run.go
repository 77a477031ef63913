package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/opentalon/stepflow/internal/app"
	"github.com/opentalon/stepflow/internal/config"
	"github.com/opentalon/stepflow/internal/event"
	"github.com/opentalon/stepflow/internal/orchestrator"
)

const shutdownTimeout = 15 * time.Second

type runFlags struct {
	config       string
	conversation string
	contextID    string
	userID       string
	metricsAddr  string
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Handle one request and print its events as JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd.Context(), f, strings.Join(args, " "), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&f.config, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().StringVar(&f.conversation, "conversation", "cli", "conversation id")
	cmd.Flags().StringVar(&f.contextID, "context", "", "actor context id")
	cmd.Flags().StringVar(&f.userID, "user", "", "actor user id")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics on this address (overrides metrics.addr)")
	return cmd
}

func runRequest(ctx context.Context, f runFlags, message string, stdout, stderr io.Writer) error {
	cfg, err := config.Load(f.config)
	if err != nil {
		return err
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = f.metricsAddr
	}
	logger := app.NewLogger(cfg.Log, stderr)

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	a.Start()

	var srv *http.Server
	if a.Registry != nil && cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := false
	enc := json.NewEncoder(stdout)
	for ev := range a.Orchestrator.Run(ctx, orchestrator.Request{
		ConversationID: f.conversation,
		ContextID:      f.contextID,
		UserID:         f.userID,
		Message:        message,
	}) {
		if ev.Type == event.Error {
			failed = true
		}
		if err := enc.Encode(ev); err != nil {
			logger.Warn("writing event", "error", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(sctx)
	}
	if err := a.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if failed {
		return errors.New("request failed")
	}
	return nil
}
