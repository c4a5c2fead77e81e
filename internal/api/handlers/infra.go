package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/workload"
)

type WorkloadLister interface {
	List(ctx context.Context) ([]workload.Container, error)
}

type RouteLister interface {
	ListRoutes() ([]string, error)
}

type SweepEnqueuer interface {
	EnqueueSweep(ctx context.Context, job string) error
}

// InfraHandler exposes what is actually running, for comparison with the
// tenant records.
type InfraHandler struct {
	workloads WorkloadLister
	routes    RouteLister
	sweeps    SweepEnqueuer
	log       *zap.Logger
}

func NewInfraHandler(workloads WorkloadLister, routes RouteLister, sweeps SweepEnqueuer, log *zap.Logger) *InfraHandler {
	return &InfraHandler{workloads: workloads, routes: routes, sweeps: sweeps, log: log}
}

func (h *InfraHandler) Workloads(w http.ResponseWriter, r *http.Request) {
	containers, err := h.workloads.List(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if containers == nil {
		containers = []workload.Container{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workloads": containers, "count": len(containers)})
}

func (h *InfraHandler) Routes(w http.ResponseWriter, r *http.Request) {
	handles, err := h.routes.ListRoutes()
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if handles == nil {
		handles = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": handles, "count": len(handles)})
}

// RunSweep queues a sweep job immediately.
func (h *InfraHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	if err := h.sweeps.EnqueueSweep(r.Context(), job); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "job": job})
}
