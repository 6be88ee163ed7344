package runtime

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/forgeplatform/plugind/internal/logging"
)

// Labels stamped on every managed container.
const (
	LabelManaged    = "plugind.managed"
	LabelManifestID = "plugind.manifest-id"
)

// Operation deadlines. Pulls stream large images; inspects must be quick.
const (
	pullTimeout    = 10 * time.Minute
	startTimeout   = 2 * time.Minute
	stopTimeout    = 2 * time.Minute
	inspectTimeout = 10 * time.Second
)

// VolumeBind maps a named volume into the container.
type VolumeBind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Healthcheck is the manifest probe translated to the engine's native form.
type Healthcheck struct {
	Test     []string
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// ContainerSpec carries everything needed to create a plugin container.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string
	ContainerPort int
	HostPort      int
	Volumes       []VolumeBind
	Labels        map[string]string
	Network       string
	MemoryBytes   int64
	NanoCPUs      int64
	GPUCount      int
	Healthcheck   *Healthcheck
}

// ContainerState is the inspect projection the engine consumes.
type ContainerState struct {
	ID        string
	Name      string
	Running   bool
	Health    string
	ImageRef  string
	Ports     map[int]int
	CreatedAt time.Time
	StartedAt time.Time
	ExitCode  int
}

// ContainerSummary is one managed container as seen in a list call.
type ContainerSummary struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
	Ports  map[int]int
}

// Driver wraps the Docker Engine API for plugin containers.
type Driver struct {
	cli    client.APIClient
	prefix string
	log    zerolog.Logger
}

// New creates a driver from the environment (DOCKER_HOST et al), negotiating
// the API version with the daemon.
func New(containerPrefix string) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Driver{cli: cli, prefix: containerPrefix, log: logging.Component("runtime")}, nil
}

// NewWithClient injects an API client; used by tests.
func NewWithClient(cli client.APIClient, containerPrefix string) *Driver {
	return &Driver{cli: cli, prefix: containerPrefix, log: logging.Component("runtime")}
}

// Prefix returns the managed container name prefix.
func (d *Driver) Prefix() string { return d.prefix }

// ContainerName derives the managed container name for a manifest id.
func (d *Driver) ContainerName(manifestID string) string { return d.prefix + manifestID }

// ManifestIDFromName inverts ContainerName; ok is false for unmanaged names.
func (d *Driver) ManifestIDFromName(name string) (string, bool) {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, d.prefix) {
		return "", false
	}
	return strings.TrimPrefix(name, d.prefix), true
}

// Ping verifies the daemon is reachable.
func (d *Driver) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	_, err := d.cli.Ping(ctx)
	return classify("ping", "daemon", err)
}

// PullImage pulls and drains the progress stream. Idempotent: pulling an
// image that is already present succeeds. A failed pull surfaces as-is;
// callers decide whether to retry the operation.
func (d *Driver) PullImage(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()
	rc, err := d.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return classify("pull", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return classify("pull", ref, err)
	}
	d.log.Debug().Str("image", ref).Msg("image pulled")
	return nil
}

// LoadImage streams a saved image archive into the daemon.
func (d *Driver) LoadImage(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()
	resp, err := d.cli.ImageLoad(ctx, r, true)
	if err != nil {
		return classify("image load", "archive", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return classify("image load", "archive", err)
	}
	return nil
}

// ImageExists reports whether the image is present locally.
func (d *Driver) ImageExists(ctx context.Context, ref string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if IsNotFound(classify("image inspect", ref, err)) {
		return false, nil
	}
	return false, classify("image inspect", ref, err)
}

// EnsureNetwork creates the shared plugin network if absent. Plugins reach
// companion services on it by container DNS name.
func (d *Driver) EnsureNetwork(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	nets, err := d.cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return classify("network list", name, err)
	}
	for _, n := range nets {
		if n.Name == name {
			return nil
		}
	}
	_, err = d.cli.NetworkCreate(ctx, name, types.NetworkCreate{Driver: "bridge"})
	if err != nil && !IsConflict(classify("network create", name, err)) {
		return classify("network create", name, err)
	}
	return nil
}

// EnsureVolume creates a named volume if absent. VolumeCreate is idempotent
// for an existing name.
func (d *Driver) EnsureVolume(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	return classify("volume create", name, err)
}

// CreateContainer creates the container described by spec and returns its id.
func (d *Driver) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	port, err := nat.NewPort("tcp", fmt.Sprint(spec.ContainerPort))
	if err != nil {
		return "", classify("create", spec.Name, err)
	}

	labels := map[string]string{LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	if spec.Healthcheck != nil {
		cfg.Healthcheck = &container.HealthConfig{
			Test:     spec.Healthcheck.Test,
			Interval: spec.Healthcheck.Interval,
			Timeout:  spec.Healthcheck.Timeout,
			Retries:  spec.Healthcheck.Retries,
		}
	}

	binds := make([]string, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		b := v.Source + ":" + v.Target
		if v.ReadOnly {
			b += ":ro"
		}
		binds = append(binds, b)
	}

	hostCfg := &container.HostConfig{
		Binds: binds,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprint(spec.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	if spec.GPUCount > 0 {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        spec.GPUCount,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", classify("create", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created or stopped container.
func (d *Driver) StartContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	return classify("start", id, d.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

// StopContainer stops a container with the given grace period. A missing or
// already-stopped container is success.
func (d *Driver) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	secs := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if err != nil && IsNotFound(classify("stop", id, err)) {
		return nil
	}
	return classify("stop", id, err)
}

// RemoveContainer removes a container, with anonymous volumes. A missing
// container is success.
func (d *Driver) RemoveContainer(ctx context.Context, id string, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil && IsNotFound(classify("remove", id, err)) {
		return nil
	}
	return classify("remove", id, err)
}

// InspectContainer returns the engine's view of one container.
func (d *Driver) InspectContainer(ctx context.Context, id string) (*ContainerState, error) {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, classify("inspect", id, err)
	}

	st := &ContainerState{
		ID:       info.ID,
		Name:     strings.TrimPrefix(info.Name, "/"),
		ImageRef: info.Config.Image,
		Ports:    map[int]int{},
		Health:   "unknown",
	}
	if info.State != nil {
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			st.StartedAt = t
		}
		if info.State.Health != nil {
			st.Health = strings.ToLower(info.State.Health.Status)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		st.CreatedAt = t
	}
	if info.NetworkSettings != nil {
		for p, bindings := range info.NetworkSettings.Ports {
			for _, b := range bindings {
				var host int
				fmt.Sscanf(b.HostPort, "%d", &host)
				if host > 0 {
					st.Ports[p.Int()] = host
					break
				}
			}
		}
	}
	return st, nil
}

// TailLogs returns the last n lines, both streams interleaved, timestamped.
func (d *Driver) TailLogs(ctx context.Context, id string, n int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	if n <= 0 {
		n = 100
	}
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       fmt.Sprint(n),
	})
	if err != nil {
		return nil, classify("logs", id, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, classify("logs", id, err)
	}

	var lines []string
	sc := bufio.NewScanner(&buf)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, nil
}

// ListManagedContainers returns every container, running or not, carrying the
// managed name prefix or label.
func (d *Driver) ListManagedContainers(ctx context.Context) ([]ContainerSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, classify("list", "containers", err)
	}

	var out []ContainerSummary
	for _, c := range list {
		name := primaryName(c.Names)
		_, managed := d.ManifestIDFromName(name)
		if !managed && c.Labels[LabelManaged] != "true" {
			continue
		}
		out = append(out, ContainerSummary{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			State:  c.State,
			Labels: c.Labels,
			Ports:  publicPorts(c.Ports),
		})
	}
	return out, nil
}

// PublishedPorts returns every host port published by any container the
// daemon knows about, managed or not. Feeds the port allocator.
func (d *Driver) PublishedPorts(ctx context.Context) (map[int]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, classify("list", "containers", err)
	}
	out := make(map[int]struct{})
	for _, c := range list {
		for _, p := range c.Ports {
			if p.PublicPort > 0 {
				out[int(p.PublicPort)] = struct{}{}
			}
		}
	}
	return out, nil
}

func primaryName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func publicPorts(ports []types.Port) map[int]int {
	out := make(map[int]int, len(ports))
	for _, p := range ports {
		if p.PublicPort > 0 {
			out[int(p.PrivatePort)] = int(p.PublicPort)
		}
	}
	return out
}
