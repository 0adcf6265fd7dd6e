// Package main is the control plane's unified entry point: it wires the
// Mission/Agent Store, Deployment Manager, Gateway Client Pool, LLM
// Router, Planner, Orchestrator Pipeline, Team Chat Service, and Mention
// Router together and runs until terminated. HTTP transport is out of
// scope here; callers drive the Orchestrator and Mention Router
// directly (or via a bridge process built on top of this module).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/common/tracing"
	"github.com/openclaw/ctlplane-core/internal/deployment"
	"github.com/openclaw/ctlplane-core/internal/events/bus"
	"github.com/openclaw/ctlplane-core/internal/gateway/pool"
	"github.com/openclaw/ctlplane-core/internal/llm"
	"github.com/openclaw/ctlplane-core/internal/mention"
	"github.com/openclaw/ctlplane-core/internal/orchestrator"
	"github.com/openclaw/ctlplane-core/internal/planner"
	"github.com/openclaw/ctlplane-core/internal/store"
	"github.com/openclaw/ctlplane-core/internal/teamchat"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting control plane core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.NewMemoryEventBus(log)

	st, closeStore, err := store.Provide(ctx, cfg.Store)
	if err != nil {
		log.Fatal("failed to connect to store", zap.Error(err))
	}
	defer closeStore()

	projectRoot, err := os.Getwd()
	if err != nil {
		log.Fatal("failed to resolve project root", zap.Error(err))
	}

	deployMgr, err := deployment.Provide(ctx, cfg.Deployments, projectRoot, log)
	if err != nil {
		log.Fatal("failed to initialize deployment manager", zap.Error(err))
	}

	gwPool := pool.New(deployMgr.Resolver(), cfg.Gateway, log)
	defer gwPool.CloseAll()

	llmRouter, err := llm.Provide(cfg.LLM, envFilePath(projectRoot), log)
	if err != nil {
		log.Fatal("failed to initialize LLM router", zap.Error(err))
	}

	plannerModel := cfg.LLM.ModelOverride
	if plannerModel == "" {
		plannerModel = "gpt-4"
	}
	pl := planner.New(llmRouter, plannerModel)

	chat := teamchat.New(st, eventBus, log)

	orch := orchestrator.Provide(st, pl, llmRouter, gwPool, chat, eventBus, cfg.Orchestrator, log)

	mentionRouter := mention.Provide(st, gwPool, eventBus, cfg.Mention, log)
	_ = mentionRouter
	_ = orch

	log.Info("control plane core ready",
		zap.String("default_llm_provider", cfg.LLM.DefaultProvider),
		zap.String("deployments_dir", cfg.Deployments.BaseDir),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down control plane core")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("control plane core stopped")
}

// envFilePath returns the shared .env the LLM Router persists provider
// credentials to, following the Deployment Manager's on-disk layout.
func envFilePath(projectRoot string) string {
	return projectRoot + "/.env"
}
