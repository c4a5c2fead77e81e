package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type UsageSample struct {
	ID          uuid.UUID `json:"id" db:"id"`
	TenantID    uuid.UUID `json:"tenant_id" db:"tenant_id"`
	SampleDate  time.Time `json:"sample_date" db:"sample_date"`
	StorageMB   int64     `json:"storage_mb" db:"storage_mb"`
	ActiveUsers int       `json:"active_users" db:"active_users"`
	CPUPercent  float64   `json:"cpu_percent" db:"cpu_percent"`
	ErrorCount  int       `json:"error_count" db:"error_count"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// TenantEvent is one audit entry in a tenant's history.
type TenantEvent struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	TenantID  uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	Actor     string          `json:"actor" db:"actor"`
	Action    string          `json:"action" db:"action"`
	FromState State           `json:"from_state,omitempty" db:"from_state"`
	ToState   State           `json:"to_state,omitempty" db:"to_state"`
	Details   json.RawMessage `json:"details" db:"details"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
