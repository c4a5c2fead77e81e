package workload

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikhilbhutani/tenantctl/internal/apperrors"
	"github.com/nikhilbhutani/tenantctl/internal/deployment"
	"github.com/nikhilbhutani/tenantctl/internal/models"
)

const outputTail = 2000

type Options struct {
	Runtime     models.RuntimeParams
	Database    models.DatabaseServer
	PublishPort bool
	StopTimeout time.Duration
}

// Provisioner drives the runtime for one tenant at a time. Every operation
// addresses resources by their deterministic names, so stale or missing
// stored ids never block a lifecycle action.
type Provisioner struct {
	rt   Runtime
	opts Options
	log  *zap.Logger
}

func NewProvisioner(rt Runtime, opts Options, log *zap.Logger) *Provisioner {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	return &Provisioner{rt: rt, opts: opts, log: log}
}

func (p *Provisioner) Ping(ctx context.Context) error {
	return p.rt.Ping(ctx)
}

func (p *Provisioner) labels(t *models.Tenant) map[string]string {
	l := map[string]string{
		LabelType:     TypeTenant,
		LabelTenant:   t.Handle,
		LabelDatabase: t.DatabaseName,
		LabelPlan:     t.PlanID.String(),
	}
	if t.Port != 0 {
		l[LabelPort] = strconv.Itoa(t.Port)
	}
	return l
}

func (p *Provisioner) dbEnv() []string {
	db := p.opts.Database
	host := db.WorkloadHost
	if host == "" {
		host = db.Host
	}
	return []string{
		"HOST=" + host,
		"PORT=" + strconv.Itoa(db.Port),
		"USER=" + db.User,
		"PASSWORD=" + db.Password,
	}
}

// limits resolves the tenant's CPU and memory caps, falling back to the
// runtime defaults.
func (p *Provisioner) limits(t *models.Tenant) (int64, int64, error) {
	cpu := t.CPULimit
	if cpu <= 0 {
		cpu = p.opts.Runtime.CPU
	}
	mem := t.MemoryLimit
	if mem == "" {
		mem = p.opts.Runtime.Memory
	}
	var memBytes int64
	if mem != "" {
		b, err := units.RAMInBytes(mem)
		if err != nil {
			return 0, 0, apperrors.Validation("memory_limit", fmt.Sprintf("invalid size %q", mem))
		}
		memBytes = b
	}
	return int64(cpu * 1e9), memBytes, nil
}

// Spec builds the long-running container description for t.
func (p *Provisioner) Spec(t *models.Tenant) (Spec, error) {
	cpu, mem, err := p.limits(t)
	if err != nil {
		return Spec{}, err
	}
	spec := Spec{
		Name:  deployment.ContainerName(t.Handle),
		Image: p.opts.Runtime.Image,
		Cmd: []string{
			"odoo",
			"--database=" + t.DatabaseName,
			"--db-filter=^" + t.DatabaseName + "$",
			"--without-demo=all",
		},
		Env:         p.dbEnv(),
		Labels:      p.labels(t),
		Network:     p.opts.Runtime.Network,
		VolumeName:  deployment.VolumeName(t.Handle),
		DataMount:   p.opts.Runtime.DataMount,
		ServicePort: p.opts.Runtime.ServicePort,
		NanoCPUs:    cpu,
		MemoryBytes: mem,
	}
	if p.opts.PublishPort {
		spec.HostPort = t.Port
	}
	return spec, nil
}

func (p *Provisioner) EnsureVolume(ctx context.Context, t *models.Tenant) (string, error) {
	name := deployment.VolumeName(t.Handle)
	if err := p.rt.EnsureVolume(ctx, name, p.labels(t)); err != nil {
		return "", apperrors.External("create_volume", err)
	}
	return name, nil
}

// CreateWorkload makes sure the tenant's container exists and runs. A
// running container is left alone and a stopped one is started.
func (p *Provisioner) CreateWorkload(ctx context.Context, t *models.Tenant) (*Container, error) {
	name := deployment.ContainerName(t.Handle)

	c, err := p.rt.Inspect(ctx, name)
	switch {
	case err == nil && c.Running:
		return c, nil
	case err == nil:
		if err := p.rt.Start(ctx, c.ID); err != nil {
			return nil, apperrors.External("create_workload", err)
		}
		c.Running = true
		p.log.Info("started existing workload", zap.String("container", name))
		return c, nil
	case !errors.Is(err, ErrNotFound):
		return nil, apperrors.External("create_workload", err)
	}

	if t.Port == 0 && p.opts.PublishPort {
		return nil, apperrors.Validation("port", "tenant has no allocated port")
	}
	spec, err := p.Spec(t)
	if err != nil {
		return nil, err
	}
	id, err := p.rt.Create(ctx, spec)
	if err != nil {
		return nil, apperrors.External("create_workload", err)
	}
	if err := p.rt.Start(ctx, id); err != nil {
		return nil, apperrors.External("create_workload", err)
	}
	p.log.Info("created workload", zap.String("container", name), zap.String("id", id))
	return &Container{ID: id, Name: name, Running: true, Labels: spec.Labels}, nil
}

// StartWorkload starts the tenant's container if it exists.
func (p *Provisioner) StartWorkload(ctx context.Context, handle string) error {
	c, err := p.lookup(ctx, "start_workload", handle)
	if err != nil || c == nil || c.Running {
		return err
	}
	if err := p.rt.Start(ctx, c.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return apperrors.External("start_workload", err)
	}
	return nil
}

func (p *Provisioner) StopWorkload(ctx context.Context, handle string) error {
	c, err := p.lookup(ctx, "stop_workload", handle)
	if err != nil || c == nil {
		return err
	}
	if err := p.rt.Stop(ctx, c.ID, p.opts.StopTimeout); err != nil && !errors.Is(err, ErrNotFound) {
		return apperrors.External("stop_workload", err)
	}
	return nil
}

func (p *Provisioner) RemoveWorkload(ctx context.Context, handle string) error {
	c, err := p.lookup(ctx, "remove_workload", handle)
	if err != nil || c == nil {
		return err
	}
	if err := p.rt.Remove(ctx, c.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return apperrors.External("remove_workload", err)
	}
	p.log.Info("removed workload", zap.String("container", c.Name))
	return nil
}

func (p *Provisioner) RemoveVolume(ctx context.Context, handle string) error {
	if err := p.rt.RemoveVolume(ctx, deployment.VolumeName(handle)); err != nil && !errors.Is(err, ErrNotFound) {
		return apperrors.External("remove_volume", err)
	}
	return nil
}

// UpdateResources applies t's current limits to a live container.
func (p *Provisioner) UpdateResources(ctx context.Context, t *models.Tenant) error {
	c, err := p.lookup(ctx, "update_resources", t.Handle)
	if err != nil || c == nil {
		return err
	}
	cpu, mem, err := p.limits(t)
	if err != nil {
		return err
	}
	if err := p.rt.UpdateResources(ctx, c.ID, cpu, mem); err != nil && !errors.Is(err, ErrNotFound) {
		return apperrors.External("update_resources", err)
	}
	return nil
}

// List returns every tenant workload known to the runtime, independent of
// stored container ids.
func (p *Provisioner) List(ctx context.Context) ([]Container, error) {
	list, err := p.rt.List(ctx, map[string]string{LabelType: TypeTenant})
	if err != nil {
		return nil, apperrors.External("list_workloads", err)
	}
	return list, nil
}

// RunSchemaInit installs modules into database with a one-shot container.
func (p *Provisioner) RunSchemaInit(ctx context.Context, database string, modules []string) error {
	spec := Spec{
		Name:  database + "_init",
		Image: p.opts.Runtime.Image,
		Cmd: []string{
			"odoo",
			"-d", database,
			"-i", strings.Join(modules, ","),
			"--stop-after-init",
			"--without-demo=all",
		},
		Env:     p.dbEnv(),
		Labels:  map[string]string{LabelType: TypeInit, LabelDatabase: database},
		Network: p.opts.Runtime.Network,
		OneShot: true,
	}

	code, output, err := p.rt.RunOnce(ctx, spec)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("schema init exited with code %d: %s", code, tail(output, outputTail))
	}
	return nil
}

func (p *Provisioner) lookup(ctx context.Context, op, handle string) (*Container, error) {
	c, err := p.rt.Inspect(ctx, deployment.ContainerName(handle))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.External(op, err)
	}
	return c, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
