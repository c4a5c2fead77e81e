// Package app assembles the orchestrator and its collaborators from
// configuration. Both the api and worker binaries start from Build.
package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/allocator"
	"github.com/nikhilbhutani/tenantctl/internal/api"
	"github.com/nikhilbhutani/tenantctl/internal/api/handlers"
	"github.com/nikhilbhutani/tenantctl/internal/api/middleware"
	"github.com/nikhilbhutani/tenantctl/internal/audit"
	"github.com/nikhilbhutani/tenantctl/internal/cache"
	"github.com/nikhilbhutani/tenantctl/internal/config"
	"github.com/nikhilbhutani/tenantctl/internal/database"
	"github.com/nikhilbhutani/tenantctl/internal/dbprov"
	"github.com/nikhilbhutani/tenantctl/internal/deployment"
	"github.com/nikhilbhutani/tenantctl/internal/lifecycle"
	"github.com/nikhilbhutani/tenantctl/internal/lock"
	"github.com/nikhilbhutani/tenantctl/internal/metrics"
	"github.com/nikhilbhutani/tenantctl/internal/models"
	"github.com/nikhilbhutani/tenantctl/internal/notify"
	"github.com/nikhilbhutani/tenantctl/internal/proxy"
	"github.com/nikhilbhutani/tenantctl/internal/queue"
	"github.com/nikhilbhutani/tenantctl/internal/store"
	"github.com/nikhilbhutani/tenantctl/internal/sweeper"
	"github.com/nikhilbhutani/tenantctl/internal/workload"
)

type App struct {
	Config     *config.Config
	Deployment *models.DeploymentConfig
	Log        *zap.Logger
	Metrics    *metrics.Metrics

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Store        *store.Store
	Events       *audit.Service
	Docker       *workload.Docker
	Workloads    *workload.Provisioner
	Databases    *dbprov.Provisioner
	Routes       *proxy.Registrar
	Notifier     *notify.Dispatcher
	Queue        *queue.Client
	Orchestrator *lifecycle.Orchestrator
	Sweeper      *sweeper.Sweeper

	closers []func()
}

// Build connects to every dependency, applies migrations, seeds first-start
// records and wires the lifecycle. The deployment config is read once here;
// changes made through the API apply on the next start.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(reg)

	if a.Pool, err = database.NewPool(ctx, cfg.Database); err != nil {
		return nil, err
	}
	a.onClose(a.Pool.Close)
	if err = database.RunMigrations(ctx, a.Pool, cfg.Database.MigrationsPath, log); err != nil {
		return nil, err
	}

	a.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	a.onClose(func() { a.Redis.Close() })

	a.Store = store.New(a.Pool)
	a.Events = audit.NewService(a.Pool)
	if a.Deployment, err = Seed(ctx, a.Store, cfg.Deployment, log); err != nil {
		return nil, err
	}
	dc := a.Deployment

	strategy, err := deployment.New(*dc)
	if err != nil {
		return nil, err
	}
	alloc := allocator.New(a.Store, allocator.Options{
		PortStart:     dc.PortRangeStart,
		PortEnd:       dc.PortRangeEnd,
		ReservedPorts: dc.ReservedPorts,
		MaxSuffix:     cfg.Provisioning.HandleMaxSuffix,
		MaxRetries:    cfg.Provisioning.AllocationRetries,
	}, log.Named("allocator"), a.Metrics)

	if a.Docker, err = workload.NewDocker(); err != nil {
		return nil, err
	}
	a.onClose(func() { a.Docker.Close() })
	a.Workloads = workload.NewProvisioner(a.Docker, workload.Options{
		Runtime:     dc.Runtime,
		Database:    dc.DatabaseServer,
		PublishPort: strategy.PublishPort(),
	}, log.Named("workload"))

	a.Databases, err = dbprov.New(ctx, dbprov.Options{
		Server:            dc.DatabaseServer,
		SchemaInitTimeout: cfg.Provisioning.SchemaInitTimeout,
		PasswordRounds:    cfg.Provisioning.PasswordRounds,
	}, a.Workloads, log.Named("dbprov"))
	if err != nil {
		return nil, err
	}
	a.onClose(a.Databases.Close)

	a.Routes = proxy.NewRegistrar(proxy.Options{
		ConfigDir:       cfg.Proxy.ConfigDir,
		ValidateCommand: cfg.Proxy.ValidateCommand,
		ReloadCommand:   cfg.Proxy.ReloadCommand,
	}, nil, lock.NewRedis(a.Redis, cfg.Proxy.LockTTL), log.Named("proxy"), a.Metrics)

	a.Notifier = notify.NewDispatcher(cfg.Notify, log.Named("notify"), a.Metrics)
	a.onClose(a.Notifier.Close)

	a.Queue = queue.NewClient(cfg.Redis, queue.ClientOptions{
		ProvisionTimeout: cfg.Provisioning.SchemaInitTimeout + 6*cfg.Provisioning.StepTimeout,
		MaxRetry:         cfg.Provisioning.TaskMaxRetry,
	}, log.Named("queue"))
	a.onClose(func() { a.Queue.Close() })

	a.Orchestrator = lifecycle.New(lifecycle.Deps{
		Store:     a.Store,
		Allocator: alloc,
		Strategy:  strategy,
		Databases: a.Databases,
		Workloads: a.Workloads,
		Routes:    a.Routes,
		Scheduler: a.Queue,
		Notifier:  a.Notifier,
		Events:    a.Events,
		Log:       log.Named("lifecycle"),
		Metrics:   a.Metrics,
	}, lifecycle.Options{
		StepTimeout:    cfg.Provisioning.StepTimeout,
		PasswordRounds: cfg.Provisioning.PasswordRounds,
		TrialDays:      dc.TrialDays,
		AutoApprove:    dc.AutoApprove,
		BaseModules:    dc.Runtime.BaseModules,
		GracePeriod:    cfg.Sweeper.GracePeriod,
		Approval: lifecycle.ApprovalPolicy{
			MaxAttempts: cfg.Approval.MaxAttempts,
			BaseDelay:   cfg.Approval.BaseDelay,
			MaxDelay:    cfg.Approval.MaxDelay,
		},
	})

	a.Sweeper, err = sweeper.New(a.Store, a.Databases, a.Orchestrator, a.Notifier, sweeper.Options{
		WarnRatio:    cfg.Sweeper.WarnRatio,
		ReminderDays: cfg.Sweeper.ReminderDays,
		GracePeriod:  cfg.Sweeper.GracePeriod,
		Concurrency:  cfg.Sweeper.Concurrency,
	}, log.Named("sweeper"), a.Metrics)
	if err != nil {
		return nil, err
	}
	a.onClose(a.Sweeper.Close)

	log.Info("orchestrator ready",
		zap.String("mode", string(dc.Mode)),
		zap.String("domain", dc.Domain),
		zap.Int("port_pool", dc.PoolSize()),
	)
	ready = true
	return a, nil
}

// Router builds the HTTP surface over the assembled services. The returned
// limiter must be pruned by the caller with Run.
func (a *App) Router() (*api.Router, *middleware.RateLimiter) {
	limiter := middleware.NewRateLimiter(a.Config.Server.SignupRPS, a.Config.Server.SignupBurst)
	return api.NewRouter(a.Config, api.Deps{
		Tenants:    a.Orchestrator,
		Events:     a.Events,
		Usage:      a.Store,
		Plans:      cache.NewPlans(a.Store, cache.NewCache(a.Redis, "tenantctl:cache:"), 5*time.Minute, a.Log.Named("cache")),
		Deployment: a.Store,
		Workloads:  a.Workloads,
		Routes:     a.Routes,
		Sweeps:     a.Queue,
		Checks: map[string]handlers.Pinger{
			"database":        handlers.PingFunc(a.Pool.Ping),
			"redis":           handlers.PingFunc(func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }),
			"database_server": a.Databases,
			"runtime":         a.Workloads,
		},
		Metrics:     a.Metrics,
		Log:         a.Log.Named("http"),
		RateLimiter: limiter,
	}), limiter
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ShutdownTimeout bounds graceful shutdown of either binary.
func (a *App) ShutdownTimeout() time.Duration {
	if a.Config.Server.ShutdownTimeout > 0 {
		return a.Config.Server.ShutdownTimeout
	}
	return 30 * time.Second
}
