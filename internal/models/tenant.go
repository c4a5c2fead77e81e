package models

import (
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StatePending      State = "pending"
	StateApproved     State = "approved"
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StateSuspended    State = "suspended"
	StateCancelled    State = "cancelled"
	StateRejected     State = "rejected"
	StateError        State = "error"
)

var States = []State{
	StatePending, StateApproved, StateProvisioning, StateActive,
	StateSuspended, StateCancelled, StateRejected, StateError,
}

// Terminal reports whether no further lifecycle event except purge applies.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateRejected
}

func (s State) Valid() bool {
	for _, st := range States {
		if st == s {
			return true
		}
	}
	return false
}

type Step string

const (
	StepCreateDatabase   Step = "create_database"
	StepInitializeSchema Step = "initialize_schema"
	StepInjectAdmin      Step = "inject_admin_credentials"
	StepCreateVolume     Step = "create_volume"
	StepCreateWorkload   Step = "create_workload"
	StepRegisterRoute    Step = "register_route"
	StepSchedule         Step = "schedule"
)

type Tenant struct {
	ID     uuid.UUID `json:"id" db:"id"`
	Name   string    `json:"name" db:"name"`
	Handle string    `json:"handle" db:"handle"`

	Port          int    `json:"port,omitempty" db:"port"`
	DatabaseName  string `json:"database_name,omitempty" db:"database_name"`
	ContainerID   string `json:"container_id,omitempty" db:"container_id"`
	ContainerName string `json:"container_name,omitempty" db:"container_name"`
	VolumeName    string `json:"volume_name,omitempty" db:"volume_name"`

	AdminName         string `json:"admin_name" db:"admin_name"`
	AdminEmail        string `json:"admin_email" db:"admin_email"`
	AdminPasswordHash string `json:"-" db:"admin_password_hash"`

	PlanID         uuid.UUID `json:"plan_id" db:"plan_id"`
	MaxUsers       int       `json:"max_users" db:"max_users"`
	StorageLimitGB int       `json:"storage_limit_gb" db:"storage_limit_gb"`
	CPULimit       float64   `json:"cpu_limit" db:"cpu_limit"`
	MemoryLimit    string    `json:"memory_limit" db:"memory_limit"`

	TrialStart        *time.Time `json:"trial_start,omitempty" db:"trial_start"`
	TrialEnd          *time.Time `json:"trial_end,omitempty" db:"trial_end"`
	SubscriptionStart *time.Time `json:"subscription_start,omitempty" db:"subscription_start"`

	State             State    `json:"state" db:"state"`
	SuspendReason     string   `json:"suspend_reason,omitempty" db:"suspend_reason"`
	ErrorStep         Step     `json:"error_step,omitempty" db:"error_step"`
	ErrorMessage      string   `json:"error_message,omitempty" db:"error_message"`
	ProvisioningLog   string   `json:"provisioning_log,omitempty" db:"provisioning_log"`
	CompletedSteps    []Step   `json:"completed_steps,omitempty" db:"completed_steps"`
	ProvisionAttempts int      `json:"provision_attempts" db:"provision_attempts"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty" db:"approved_at"`
	ApprovedBy  string     `json:"approved_by,omitempty" db:"approved_by"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	PurgedAt    *time.Time `json:"purged_at,omitempty" db:"purged_at"`
}

func (t *Tenant) StepDone(s Step) bool {
	for _, done := range t.CompletedSteps {
		if done == s {
			return true
		}
	}
	return false
}

// AppendLog adds a timestamped line to the provisioning log.
func (t *Tenant) AppendLog(now time.Time, line string) {
	entry := now.UTC().Format(time.RFC3339) + " " + line
	if t.ProvisioningLog == "" {
		t.ProvisioningLog = entry
		return
	}
	t.ProvisioningLog += "\n" + entry
}

func (t *Tenant) ClearDiagnostics() {
	t.ErrorStep = ""
	t.ErrorMessage = ""
}

type TenantFilter struct {
	States []State
	PlanID *uuid.UUID
	Limit  int
	Offset int
}
