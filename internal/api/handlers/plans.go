package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/models"
)

type PlanStore interface {
	CreatePlan(ctx context.Context, p *models.Plan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	ListPlans(ctx context.Context, includeArchived bool) ([]models.Plan, error)
	UpdatePlan(ctx context.Context, p *models.Plan) error
	DeletePlan(ctx context.Context, id uuid.UUID) error
	CountTenantsByPlan(ctx context.Context, planID uuid.UUID) (int, error)
}

type PlanHandler struct {
	store PlanStore
	log   *zap.Logger
}

func NewPlanHandler(store PlanStore, log *zap.Logger) *PlanHandler {
	return &PlanHandler{store: store, log: log}
}

// Offered lists the plans open to new signups.
func (h *PlanHandler) Offered(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, false)
}

// List is the operator view; ?archived=true includes retired plans.
func (h *PlanHandler) List(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, r.URL.Query().Get("archived") == "true")
}

func (h *PlanHandler) list(w http.ResponseWriter, r *http.Request, includeArchived bool) {
	plans, err := h.store.ListPlans(r.Context(), includeArchived)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if plans == nil {
		plans = []models.Plan{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": plans, "count": len(plans)})
}

func (h *PlanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p models.Plan
	if !decode(w, r, &p) {
		return
	}
	p.ID = uuid.Nil
	if err := p.Validate(); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.store.CreatePlan(r.Context(), &p); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Update replaces a plan's terms. Existing tenants keep the limits they were
// given until their plan is changed.
func (h *PlanHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p models.Plan
	if !decode(w, r, &p) {
		return
	}
	p.ID = id
	if err := p.Validate(); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.store.UpdatePlan(r.Context(), &p); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Delete removes an unused plan and archives one that tenants still reference.
func (h *PlanHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	p, err := h.store.GetPlan(ctx, id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	n, err := h.store.CountTenantsByPlan(ctx, id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if n > 0 {
		p.Archived = true
		if err := h.store.UpdatePlan(ctx, p); err != nil {
			writeError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "archived", "tenants": n})
		return
	}
	if err := h.store.DeletePlan(ctx, id); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
