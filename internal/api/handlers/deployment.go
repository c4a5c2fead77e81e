package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/models"
)

type DeploymentStore interface {
	ActiveDeploymentConfig(ctx context.Context) (*models.DeploymentConfig, error)
	SaveDeploymentConfig(ctx context.Context, cfg *models.DeploymentConfig) error
}

type DeploymentHandler struct {
	store DeploymentStore
	log   *zap.Logger
}

func NewDeploymentHandler(store DeploymentStore, log *zap.Logger) *DeploymentHandler {
	return &DeploymentHandler{store: store, log: log}
}

func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.ActiveDeploymentConfig(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	cfg.DatabaseServer.Password = ""
	writeJSON(w, http.StatusOK, cfg)
}

// Put replaces the active configuration. Running processes keep the one they
// started with, so the response always asks for a restart. An empty database
// password keeps the stored one.
func (h *DeploymentHandler) Put(w http.ResponseWriter, r *http.Request) {
	var cfg models.DeploymentConfig
	if !decode(w, r, &cfg) {
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, h.log, err)
		return
	}

	ctx := r.Context()
	if cfg.DatabaseServer.Password == "" {
		current, err := h.store.ActiveDeploymentConfig(ctx)
		switch {
		case err == nil:
			cfg.DatabaseServer.Password = current.DatabaseServer.Password
		case !apperrors.Is(err, apperrors.KindNotFound):
			writeError(w, h.log, err)
			return
		}
	}
	if err := h.store.SaveDeploymentConfig(ctx, &cfg); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.log.Info("deployment config replaced", zap.String("mode", string(cfg.Mode)), zap.String("domain", cfg.Domain))

	cfg.DatabaseServer.Password = ""
	writeJSON(w, http.StatusOK, map[string]interface{}{"config": cfg, "restart_required": true})
}
