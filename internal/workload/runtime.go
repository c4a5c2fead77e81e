// Package workload manages the per-tenant application container and its
// data volume.
package workload

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("workload not found")

const (
	LabelType     = "saas.type"
	LabelTenant   = "saas.tenant"
	LabelDatabase = "saas.database"
	LabelPort     = "saas.port"
	LabelPlan     = "saas.plan"

	TypeTenant = "tenant"
	TypeInit   = "init"
)

// Spec describes a container to create.
type Spec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	Labels      map[string]string
	Network     string
	VolumeName  string
	DataMount   string
	ServicePort int
	// HostPort binds ServicePort on the host when non-zero.
	HostPort    int
	NanoCPUs    int64
	MemoryBytes int64
	// OneShot disables the restart policy.
	OneShot bool
}

type Container struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Running bool              `json:"running"`
	Labels  map[string]string `json:"labels"`
}

// Runtime is the container engine. Lookups of absent objects return an
// error wrapping ErrNotFound.
type Runtime interface {
	Inspect(ctx context.Context, name string) (*Container, error)
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	EnsureVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveVolume(ctx context.Context, name string) error
	List(ctx context.Context, labels map[string]string) ([]Container, error)
	RunOnce(ctx context.Context, spec Spec) (exitCode int64, output string, err error)
	UpdateResources(ctx context.Context, id string, nanoCPUs, memoryBytes int64) error
	Ping(ctx context.Context) error
}
