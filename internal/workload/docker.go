package workload

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
)

const cleanupTimeout = 30 * time.Second

// Docker implements Runtime on the Docker Engine API. The endpoint comes
// from DOCKER_HOST and related environment variables.
type Docker struct {
	cli *client.Client
}

func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func notFound(err error, what string) error {
	if errdefs.IsNotFound(err) {
		return errors.Wrap(ErrNotFound, what)
	}
	return errors.Wrap(err, what)
}

func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return errors.Wrap(err, "ping docker")
}

func (d *Docker) Inspect(ctx context.Context, name string) (*Container, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return nil, notFound(err, "inspect container "+name)
	}
	c := &Container{ID: info.ID, Name: strings.TrimPrefix(info.Name, "/")}
	if info.State != nil {
		c.Running = info.State.Running
	}
	if info.Config != nil {
		c.Labels = info.Config.Labels
	}
	return c, nil
}

func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.MemoryBytes,
		},
	}
	if spec.OneShot {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyDisabled}
	}
	if spec.VolumeName != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: spec.VolumeName,
			Target: spec.DataMount,
		}}
	}
	if spec.ServicePort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.ServicePort))
		if err != nil {
			return "", errors.Wrap(err, "service port")
		}
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		if spec.HostPort > 0 {
			hostCfg.PortBindings = nat.PortMap{
				port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
			}
		}
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", errors.Wrapf(err, "create container %s", spec.Name)
	}
	return resp.ID, nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return notFound(err, "start container "+id)
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return notFound(err, "stop container "+id)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return notFound(err, "remove container "+id)
	}
	return nil
}

func (d *Docker) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := d.cli.VolumeInspect(ctx, name)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return errors.Wrapf(err, "inspect volume %s", name)
	}
	_, err = d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: labels})
	return errors.Wrapf(err, "create volume %s", name)
}

func (d *Docker) RemoveVolume(ctx context.Context, name string) error {
	if err := d.cli.VolumeRemove(ctx, name, true); err != nil {
		return notFound(err, "remove volume "+name)
	}
	return nil
}

func (d *Docker) List(ctx context.Context, labels map[string]string) ([]Container, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, errors.Wrap(err, "list containers")
	}

	out := make([]Container, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Container{ID: c.ID, Name: name, Running: c.State == "running", Labels: c.Labels})
	}
	return out, nil
}

// RunOnce creates a container, waits for it to exit and returns its exit
// code and combined output. The container is always removed afterwards.
func (d *Docker) RunOnce(ctx context.Context, spec Spec) (int64, string, error) {
	spec.OneShot = true
	if err := d.Remove(ctx, spec.Name); err != nil && !errors.Is(err, ErrNotFound) {
		return -1, "", err
	}

	id, err := d.Create(ctx, spec)
	if err != nil {
		return -1, "", err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		_ = d.cli.ContainerRemove(cctx, id, container.RemoveOptions{Force: true})
	}()

	if err := d.Start(ctx, id); err != nil {
		return -1, "", err
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var code int64
	select {
	case err := <-errCh:
		if err != nil {
			return -1, "", errors.Wrapf(err, "wait container %s", spec.Name)
		}
	case st := <-statusCh:
		code = st.StatusCode
	case <-ctx.Done():
		return -1, "", ctx.Err()
	}

	logs, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return code, "", errors.Wrapf(err, "read logs of %s", spec.Name)
	}
	defer logs.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, logs); err != nil {
		return code, out.String(), errors.Wrapf(err, "demux logs of %s", spec.Name)
	}
	return code, out.String(), nil
}

func (d *Docker) UpdateResources(ctx context.Context, id string, nanoCPUs, memoryBytes int64) error {
	_, err := d.cli.ContainerUpdate(ctx, id, container.UpdateConfig{
		Resources: container.Resources{
			NanoCPUs:   nanoCPUs,
			Memory:     memoryBytes,
			MemorySwap: -1,
		},
	})
	if err != nil {
		return notFound(err, "update container "+id)
	}
	return nil
}
