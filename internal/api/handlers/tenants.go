package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/audit"
	"github.com/nikhilbhutani/tenantctl/internal/lifecycle"
	"github.com/nikhilbhutani/tenantctl/internal/models"
)

// TenantService is the lifecycle surface the HTTP layer drives.
type TenantService interface {
	Signup(ctx context.Context, req lifecycle.SignupRequest) (*lifecycle.SignupResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	List(ctx context.Context, f models.TenantFilter) ([]models.Tenant, error)
	View(t *models.Tenant) lifecycle.TenantView
	Approve(ctx context.Context, id uuid.UUID, approver string) (*models.Tenant, error)
	Reject(ctx context.Context, id uuid.UUID, reason string) (*models.Tenant, error)
	StartProvisioning(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	Retry(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	Suspend(ctx context.Context, id uuid.UUID, reason string) (*models.Tenant, error)
	Reactivate(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Tenant, error)
	Purge(ctx context.Context, id uuid.UUID, force bool) (*models.Tenant, error)
	ChangePlan(ctx context.Context, id, planID uuid.UUID) (*models.Tenant, error)
	ResetAdminPassword(ctx context.Context, id uuid.UUID, password string) (string, error)
}

type EventLister interface {
	List(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.TenantEvent, error)
}

type UsageLister interface {
	ListUsage(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.UsageSample, error)
}

type TenantHandler struct {
	svc    TenantService
	events EventLister
	usage  UsageLister
	log    *zap.Logger
}

func NewTenantHandler(svc TenantService, events EventLister, usage UsageLister, log *zap.Logger) *TenantHandler {
	return &TenantHandler{svc: svc, events: events, usage: usage, log: log}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Signup accepts a public signup. The generated admin password, if any, is
// only ever present in this response.
func (h *TenantHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.SignupRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Signup(r.Context(), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	body := map[string]interface{}{"tenant": h.svc.View(res.Tenant)}
	if res.GeneratedPassword != "" {
		body["generated_password"] = res.GeneratedPassword
	}
	writeJSON(w, http.StatusAccepted, body)
}

// SignupStatus is the public progress view of a signup.
func (h *TenantHandler) SignupStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	v := h.svc.View(t)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         t.ID,
		"handle":     t.Handle,
		"state":      t.State,
		"access_url": v.AccessURL,
		"login_url":  v.LoginURL,
	})
}

func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	f := models.TenantFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if s := r.URL.Query().Get("state"); s != "" {
		for _, part := range strings.Split(s, ",") {
			st := models.State(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, h.log, apperrors.Validation("state", "unknown state "+string(st)))
				return
			}
			f.States = append(f.States, st)
		}
	}
	if s := r.URL.Query().Get("plan_id"); s != "" {
		planID, err := uuid.Parse(s)
		if err != nil {
			writeError(w, h.log, apperrors.Validation("plan_id", "must be a uuid"))
			return
		}
		f.PlanID = &planID
	}

	tenants, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	views := make([]lifecycle.TenantView, 0, len(tenants))
	for i := range tenants {
		views = append(views, h.svc.View(&tenants[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": views, "count": len(views)})
}

func (h *TenantHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Get(r.Context(), id)
	h.respond(w, t, err)
}

func (h *TenantHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Approve(r.Context(), id, audit.ActorFromContext(r.Context()))
	h.respond(w, t, err)
}

func (h *TenantHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.svc.Reject(r.Context(), id, req.Reason)
	h.respond(w, t, err)
}

func (h *TenantHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.StartProvisioning(r.Context(), id)
	h.respond(w, t, err)
}

func (h *TenantHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Retry(r.Context(), id)
	h.respond(w, t, err)
}

func (h *TenantHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.svc.Suspend(r.Context(), id, req.Reason)
	h.respond(w, t, err)
}

func (h *TenantHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Reactivate(r.Context(), id)
	h.respond(w, t, err)
}

func (h *TenantHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.svc.Cancel(r.Context(), id, req.Reason)
	h.respond(w, t, err)
}

// Purge drops a cancelled or rejected tenant's resources. force skips the
// grace period.
func (h *TenantHandler) Purge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	t, err := h.svc.Purge(r.Context(), id, force)
	h.respond(w, t, err)
}

func (h *TenantHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		PlanID uuid.UUID `json:"plan_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	t, err := h.svc.ChangePlan(r.Context(), id, req.PlanID)
	h.respond(w, t, err)
}

func (h *TenantHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	generated, err := h.svc.ResetAdminPassword(r.Context(), id, req.Password)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	body := map[string]string{"status": "reset"}
	if generated != "" {
		body["generated_password"] = generated
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *TenantHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	events, err := h.events.List(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

func (h *TenantHandler) Usage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	samples, err := h.usage.ListUsage(r.Context(), id, queryInt(r, "limit", 30))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": samples, "count": len(samples)})
}

func (h *TenantHandler) respond(w http.ResponseWriter, t *models.Tenant, err error) {
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.View(t))
}
