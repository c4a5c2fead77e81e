package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/app"
	"github.com/nikhilbhutani/tenantctl/internal/config"
	"github.com/nikhilbhutani/tenantctl/internal/logger"
	"github.com/nikhilbhutani/tenantctl/internal/queue"
	"github.com/nikhilbhutani/tenantctl/internal/queue/workers"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, toml or json)")
	withScheduler := flag.Bool("scheduler", true, "also run the periodic sweep scheduler; enable on one worker only")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Logger, "worker")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	a, err := app.Build(context.Background(), cfg, log)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	registry := queue.NewHandlersRegistry(log.Named("tasks"))

	provisionWorker := workers.NewProvisionWorker(a.Orchestrator, log.Named("provision"))
	approvalWorker := workers.NewApprovalWorker(a.Orchestrator)
	sweepWorker := workers.NewSweepWorker(a.Sweeper)

	registry.Register(queue.TypeProvision, asynq.HandlerFunc(provisionWorker.ProcessTask))
	registry.Register(queue.TypeAutoApprove, asynq.HandlerFunc(approvalWorker.ProcessTask))
	for _, taskType := range queue.SweepTypes {
		registry.Register(taskType, asynq.HandlerFunc(sweepWorker.ProcessTask))
	}

	var scheduler *asynq.Scheduler
	if *withScheduler {
		if scheduler, err = queue.NewScheduler(cfg.Redis, cfg.Sweeper, log.Named("scheduler")); err != nil {
			log.Fatal("failed to build scheduler", zap.Error(err))
		}
		if err := scheduler.Start(); err != nil {
			log.Fatal("failed to start scheduler", zap.Error(err))
		}
	}

	srv := queue.NewServer(cfg.Redis, cfg.Worker, log.Named("asynq"))
	log.Info("starting worker", zap.Int("concurrency", cfg.Worker.Concurrency), zap.Bool("scheduler", *withScheduler))
	if err := srv.Start(registry.Mux()); err != nil {
		log.Fatal("worker error", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker")
	if scheduler != nil {
		scheduler.Shutdown()
	}
	srv.Shutdown()
}
