package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/api/handlers"
	"github.com/nikhilbhutani/tenantctl/internal/api/middleware"
	"github.com/nikhilbhutani/tenantctl/internal/auth"
	"github.com/nikhilbhutani/tenantctl/internal/config"
	"github.com/nikhilbhutani/tenantctl/internal/metrics"
)

// Deps carries everything the HTTP surface needs. Collaborators are
// interfaces so the router can be exercised without infrastructure.
type Deps struct {
	Tenants     handlers.TenantService
	Events      handlers.EventLister
	Usage       handlers.UsageLister
	Plans       handlers.PlanStore
	Deployment  handlers.DeploymentStore
	Workloads   handlers.WorkloadLister
	Routes      handlers.RouteLister
	Sweeps      handlers.SweepEnqueuer
	Checks      map[string]handlers.Pinger
	Metrics     *metrics.Metrics
	Log         *zap.Logger
	RateLimiter *middleware.RateLimiter
}

type Router struct {
	mux    *chi.Mux
	cfg    *config.Config
	deps   Deps
	jwt    *auth.JWTMiddleware
	intake *auth.APIKeyMiddleware
}

func NewRouter(cfg *config.Config, deps Deps) *Router {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.RateLimiter == nil {
		deps.RateLimiter = middleware.NewRateLimiter(cfg.Server.SignupRPS, cfg.Server.SignupBurst)
	}
	return &Router{
		mux:    chi.NewRouter(),
		cfg:    cfg,
		deps:   deps,
		jwt:    auth.NewJWTMiddleware(cfg.Auth.JWTSecret),
		intake: auth.NewAPIKeyMiddleware(cfg.Auth.APIKeyHeader, cfg.Auth.IntakeAPIKeys),
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux
	d := rt.deps

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(d.Log, d.Metrics))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.cfg.Server.AllowedOrigins, rt.cfg.Auth.APIKeyHeader))

	health := handlers.NewHealthHandler(d.Checks)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	r.Handle("/metrics", d.Metrics.Handler())

	tenantH := handlers.NewTenantHandler(d.Tenants, d.Events, d.Usage, d.Log)
	planH := handlers.NewPlanHandler(d.Plans, d.Log)
	deployH := handlers.NewDeploymentHandler(d.Deployment, d.Log)
	infraH := handlers.NewInfraHandler(d.Workloads, d.Routes, d.Sweeps, d.Log)

	r.Route("/api/v1", func(r chi.Router) {
		// Public intake
		r.Get("/plans", planH.Offered)
		r.Group(func(r chi.Router) {
			r.Use(d.RateLimiter.Limit)
			r.Use(rt.intake.Authenticate)
			r.Post("/signup", tenantH.Signup)
			r.Get("/signup/{id}", tenantH.SignupStatus)
		})

		// Operator API
		r.Route("/admin", func(r chi.Router) {
			r.Use(rt.jwt.Authenticate)

			r.Route("/tenants", func(r chi.Router) {
				r.With(auth.RequirePermission(auth.PermTenantsRead)).Group(func(r chi.Router) {
					r.Get("/", tenantH.List)
					r.Get("/{id}", tenantH.Get)
					r.Get("/{id}/events", tenantH.Events)
					r.Get("/{id}/usage", tenantH.Usage)
				})
				r.With(auth.RequirePermission(auth.PermTenantsWrite)).Group(func(r chi.Router) {
					r.Post("/{id}/approve", tenantH.Approve)
					r.Post("/{id}/reject", tenantH.Reject)
					r.Post("/{id}/start", tenantH.Start)
					r.Post("/{id}/retry", tenantH.Retry)
					r.Post("/{id}/suspend", tenantH.Suspend)
					r.Post("/{id}/reactivate", tenantH.Reactivate)
					r.Post("/{id}/cancel", tenantH.Cancel)
					r.Post("/{id}/plan", tenantH.ChangePlan)
					r.Post("/{id}/reset-password", tenantH.ResetPassword)
				})
				r.With(auth.RequirePermission(auth.PermTenantsPurge)).Post("/{id}/purge", tenantH.Purge)
			})

			r.Route("/plans", func(r chi.Router) {
				r.With(auth.RequirePermission(auth.PermTenantsRead)).Get("/", planH.List)
				r.With(auth.RequirePermission(auth.PermPlansWrite)).Group(func(r chi.Router) {
					r.Post("/", planH.Create)
					r.Put("/{id}", planH.Update)
					r.Delete("/{id}", planH.Delete)
				})
			})

			r.Route("/deployment", func(r chi.Router) {
				r.With(auth.RequirePermission(auth.PermInfraRead)).Get("/", deployH.Get)
				r.With(auth.RequirePermission(auth.PermDeploymentWrite)).Put("/", deployH.Put)
			})

			r.With(auth.RequirePermission(auth.PermInfraRead)).Group(func(r chi.Router) {
				r.Get("/workloads", infraH.Workloads)
				r.Get("/routes", infraH.Routes)
			})
			r.With(auth.RequirePermission(auth.PermSweepsRun)).Post("/sweeps/{job}", infraH.RunSweep)
		})
	})

	return r
}
