package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"comfyrunner/internal/api"
	"comfyrunner/internal/comfyui"
	"comfyrunner/internal/config"
	"comfyrunner/internal/dispatcher"
	"comfyrunner/internal/queue"
	"comfyrunner/internal/runner"
	"comfyrunner/internal/workflow"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Configure global logger
	config.ConfigureGlobalLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	// Resolve workflow template
	template, err := workflow.Lookup(cfg.Workflow.Template)
	if err != nil {
		logrus.Fatal(err)
	}
	if _, err := os.Stat(cfg.Workflow.File); err != nil {
		logrus.WithError(err).Warn("Workflow file not readable yet, jobs will fail until it exists")
	}

	// Initialize components
	qm := queue.NewManager(cfg.Redis, cfg.ResultTTL)
	defer qm.Close()

	comfyClient := comfyui.NewClient(cfg.Comfy.Host)
	jobRunner := runner.New(comfyClient, template, runner.OptionsFromConfig(cfg))
	jobDispatcher := dispatcher.NewDispatcher(qm, jobRunner)

	logrus.WithFields(logrus.Fields{
		"template":     template.Name,
		"workflow":     cfg.Workflow.File,
		"comfy_host":   cfg.Comfy.Host,
		"redis":        cfg.Redis.Addr(),
		"auth_enabled": cfg.APIKey != "" || cfg.JWTSecret != "",
	}).Info("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recover unfinished jobs before dispatching
	if err := qm.Start(ctx); err != nil {
		logrus.WithError(err).Error("Failed to start queue manager")
	}

	// Start job dispatcher
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		if err := jobDispatcher.Start(ctx); err != nil {
			logrus.WithError(err).Error("Failed to start job dispatcher")
		}
	}()
	logrus.Info("Starting job dispatcher")

	// Start HTTP server
	router := gin.Default()
	apiHandler := api.NewHandler(qm, comfyClient, jobDispatcher, api.Options{
		APIKey:      cfg.APIKey,
		JWTSecret:   cfg.JWTSecret,
		RunSyncWait: cfg.RunSync,
	})
	apiHandler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	// Start server
	go func() {
		logrus.Infof("Server starting on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to listen: %s\n", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")

	// Graceful shutdown
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		logrus.Error("Server forced to shutdown:", err)
	}

	// Stop dispatching; an in-flight job is recorded as failed by its cancelled context
	cancel()
	select {
	case <-dispatcherDone:
	case <-ctxShutdown.Done():
		logrus.Warn("Dispatcher did not stop in time")
	}

	logrus.Info("Server exited")
}
