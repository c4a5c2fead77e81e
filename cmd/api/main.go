package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/app"
	"github.com/nikhilbhutani/tenantctl/internal/auth"
	"github.com/nikhilbhutani/tenantctl/internal/config"
	"github.com/nikhilbhutani/tenantctl/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, toml or json)")
	issueFor := flag.String("issue-token", "", "print an operator token for this email and exit")
	role := flag.String("role", string(auth.RoleOperator), "role for -issue-token: viewer, operator or admin")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime for -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	if *issueFor != "" {
		if !auth.Role(*role).Valid() {
			fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
			os.Exit(2)
		}
		token, err := auth.IssueToken(cfg.Auth.JWTSecret, *issueFor, auth.Role(*role), *ttl)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to issue token:", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log, err := logger.New(cfg.Logger, "api")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	router, limiter := a.Router()
	done := make(chan struct{})
	go limiter.Run(done)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("starting API server", zap.String("addr", cfg.Addr()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	close(done)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced shutdown", zap.Error(err))
	}
	log.Info("server stopped")
}
