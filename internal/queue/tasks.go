package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeProvision   = "tenant:provision"
	TypeAutoApprove = "tenant:auto_approve"
	TypeSweepLimits = "sweep:limits"
	TypeSweepTrials = "sweep:trials"
	TypeSweepPurge  = "sweep:purge"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// SweepTypes maps the operator-facing job names to task types.
var SweepTypes = map[string]string{
	"limits": TypeSweepLimits,
	"trials": TypeSweepTrials,
	"purge":  TypeSweepPurge,
}

type ProvisionPayload struct {
	TenantID string `json:"tenant_id"`
	Attempt  int    `json:"attempt"`
}

type AutoApprovePayload struct {
	TenantID string `json:"tenant_id"`
	Attempt  int    `json:"attempt"`
}

type SweepPayload struct {
	Trigger string `json:"trigger"`
}

// ProvisionTaskID keys a provisioning run so the same attempt is never
// queued twice.
func ProvisionTaskID(tenantID uuid.UUID, attempt int) string {
	return fmt.Sprintf("provision:%s:%d", tenantID, attempt)
}

func AutoApproveTaskID(tenantID uuid.UUID, attempt int) string {
	return fmt.Sprintf("auto_approve:%s:%d", tenantID, attempt)
}

func newTask(taskType string, payload interface{}) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(taskType, data), nil
}

// ParseTenantTask decodes the tenant id and attempt carried by provision and
// auto-approval tasks. A malformed payload is never retried.
func ParseTenantTask(t *asynq.Task) (uuid.UUID, int, error) {
	var p ProvisionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return uuid.Nil, 0, fmt.Errorf("unmarshal %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	id, err := uuid.Parse(p.TenantID)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("parse tenant id %q: %v: %w", p.TenantID, err, asynq.SkipRetry)
	}
	return id, p.Attempt, nil
}
