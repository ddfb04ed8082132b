package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"krinkuto11/aceorch/lib/logger"
)

// DockerDriver implements Driver against the local Docker daemon.
type DockerDriver struct {
	cli     *client.Client
	ownerID string
	log     zerolog.Logger
}

// NewDockerDriver connects to the daemon from the environment. ownerID
// scopes ListManaged to this orchestrator's containers.
func NewDockerDriver(ownerID string) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerDriver{
		cli:     cli,
		ownerID: ownerID,
		log:     logger.WithComponent("driver"),
	}, nil
}

func (d *DockerDriver) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *DockerDriver) Start(ctx context.Context, spec StartSpec) (ContainerInfo, error) {
	if spec.Ports.HostHTTP == 0 && spec.NetworkMode == "" {
		return ContainerInfo{}, ErrPortsExhausted
	}

	labels := map[string]string{LabelOwner: d.ownerID}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	// Joining a sidecar's network namespace forbids own port bindings; the
	// sidecar publishes them instead.
	if spec.NetworkMode == "" {
		for _, pair := range [][2]int{
			{spec.Ports.HostHTTP, spec.Ports.ContainerHTTP},
			{spec.Ports.HostHTTPS, spec.Ports.ContainerHTTPS},
		} {
			if pair[0] == 0 || pair[1] == 0 {
				continue
			}
			port, err := nat.NewPort("tcp", strconv.Itoa(pair[1]))
			if err != nil {
				return ContainerInfo{}, fmt.Errorf("port spec: %w", err)
			}
			exposed[port] = struct{}{}
			bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(pair[0])}}
		}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}
	if spec.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Best effort teardown; a created-but-unstarted container must not
		// leak into the fleet.
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}

	d.log.Info().
		Str("container_id", created.ID[:12]).
		Str("name", spec.Name).
		Int("host_http", spec.Ports.HostHTTP).
		Int("container_http", spec.Ports.ContainerHTTP).
		Msg("Started engine container")

	return d.Inspect(ctx, created.ID)
}

func (d *DockerDriver) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container stop: %w", err)
	}
	err = d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (d *DockerDriver) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	res, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerInfo{}, ErrNotFound
		}
		return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
	}
	return d.toInfo(res)
}

func (d *DockerDriver) ListManaged(ctx context.Context) ([]ContainerInfo, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelOwner+"="+d.ownerID)),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	infos := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		info, err := d.Inspect(ctx, c.ID)
		if err != nil {
			// Raced with removal; skip.
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (d *DockerDriver) toInfo(res container.InspectResponse) (ContainerInfo, error) {
	info := ContainerInfo{
		ID:     res.ID,
		Name:   strings.TrimPrefix(res.Name, "/"),
		Labels: res.Config.Labels,
	}
	if res.State != nil {
		info.Running = res.State.Running
	}
	if created, err := time.Parse(time.RFC3339Nano, res.Created); err == nil {
		info.CreatedAt = created
	}
	if res.HostConfig != nil && res.NetworkSettings != nil {
		for port, binds := range res.NetworkSettings.Ports {
			if len(binds) == 0 || port.Proto() != "tcp" {
				continue
			}
			host, err := strconv.Atoi(binds[0].HostPort)
			if err != nil {
				continue
			}
			// The first published tcp mapping is the engine HTTP port; a
			// second one is HTTPS. Container labels disambiguate when the
			// sidecar owns the mapping.
			if info.HostHTTPPort == 0 {
				info.HostHTTPPort = host
				info.ContainerHTTPPort = port.Int()
			} else if info.ContainerHTTPSPort == 0 {
				info.ContainerHTTPSPort = port.Int()
			}
		}
	}
	// Labels override inspected ports for engines inside a VPN namespace.
	if raw, ok := info.Labels["acestream.http_port"]; ok {
		if p, err := strconv.Atoi(raw); err == nil {
			info.ContainerHTTPPort = p
		}
	}
	if raw, ok := info.Labels["acestream.host_http_port"]; ok {
		if p, err := strconv.Atoi(raw); err == nil {
			info.HostHTTPPort = p
		}
	}
	if raw, ok := info.Labels["acestream.https_port"]; ok {
		if p, err := strconv.Atoi(raw); err == nil {
			info.ContainerHTTPSPort = p
		}
	}
	return info, nil
}
