package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/forgeplatform/plugind/internal/events"
	"github.com/forgeplatform/plugind/internal/manifest"
	runtimedrv "github.com/forgeplatform/plugind/internal/runtime"
	"github.com/forgeplatform/plugind/internal/store"
	"github.com/forgeplatform/plugind/pkg/api"
)

// InstallOptions carries everything an install needs. Exactly one of Manifest
// or ManifestURL must be set; AutoStart defaults to true.
type InstallOptions struct {
	Manifest    *manifest.Manifest
	ManifestURL string
	Config      map[string]any
	Env         map[string]string
	AutoStart   *bool
}

// Install runs the full install sequence and returns the new instance. The
// instance ends in running (autoStart), installed, or error.
func (e *Engine) Install(ctx context.Context, opts InstallOptions) (*store.PluginInstance, error) {
	m, err := e.resolveManifest(ctx, opts)
	if err != nil {
		return nil, err
	}

	release, err := e.locks.acquire(m.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.checkNotInstalled(ctx, m.ID); err != nil {
		return nil, err
	}

	hostPort, err := e.claimPort(ctx, m)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &store.PluginInstance{
		PluginKey:     uuid.NewString(),
		ManifestID:    m.ID,
		Manifest:      m,
		Status:        store.StatusInstalling,
		ContainerName: e.driver.ContainerName(m.ID),
		HostPort:      hostPort,
		Config:        mergeConfig(m.ConfigDefaults, opts.Config),
		Env:           opts.Env,
		InstalledAt:   now,
		HealthState:   store.HealthUnknown,
	}
	if err := e.store.UpsertPlugin(ctx, p); err != nil {
		e.ports.Release(hostPort)
		return nil, err
	}
	e.indexPut(p)
	e.bus.Emit(events.KindInstalling, p.PluginKey, map[string]any{
		"manifestId": m.ID, "version": m.Version,
	})

	if err := e.provision(ctx, p); err != nil {
		e.fail(ctx, p, err)
		return e.cloneOf(p), err
	}

	_, containerID := e.snapshot(p)
	if err := e.transition(ctx, p, store.StatusInstalled, events.KindInstalled,
		map[string]any{"containerId": containerID}); err != nil {
		return e.cloneOf(p), err
	}

	if opts.AutoStart == nil || *opts.AutoStart {
		if err := e.startLocked(ctx, p); err != nil {
			return e.cloneOf(p), err
		}
	}
	return e.cloneOf(p), nil
}

func (e *Engine) resolveManifest(ctx context.Context, opts InstallOptions) (*manifest.Manifest, error) {
	m := opts.Manifest
	if m == nil {
		if opts.ManifestURL == "" {
			return nil, api.NewError(api.ErrCodeInvalidManifest, "either manifest or manifestUrl is required")
		}
		fetched, err := e.fetchManifest(ctx, opts.ManifestURL)
		if err != nil {
			return nil, err
		}
		m = fetched
	} else {
		m = m.Clone()
		m.ApplyDefaults()
	}
	if err := m.Validate(); err != nil {
		apiErr := api.WrapError(api.ErrCodeInvalidManifest, err, "manifest rejected")
		var ve *manifest.ValidationError
		if errors.As(err, &ve) {
			apiErr = apiErr.WithDetails(ve.Details())
		}
		return nil, apiErr
	}
	return m, nil
}

// checkNotInstalled rejects a duplicate manifest id. A stale row resting in
// error is replaced: its container is removed, its port released and the row
// deleted before the new install proceeds.
func (e *Engine) checkNotInstalled(ctx context.Context, manifestID string) error {
	existing := e.GetByManifestID(manifestID)
	if existing == nil {
		return nil
	}
	if existing.Status != store.StatusError {
		return api.NewError(api.ErrCodeAlreadyInstalled,
			"plugin %s already installed (status %s)", manifestID, existing.Status)
	}

	e.log.Info().Str("manifestId", manifestID).Str("pluginKey", existing.PluginKey).
		Msg("replacing stale errored install")
	if existing.ContainerID != "" {
		if err := e.driver.RemoveContainer(ctx, existing.ContainerID, true); err != nil {
			return fmt.Errorf("remove stale container: %w", err)
		}
	}
	if existing.HostPort > 0 {
		e.ports.Release(existing.HostPort)
	}
	if err := e.store.DeletePlugin(ctx, existing.PluginKey); err != nil {
		return err
	}
	e.indexDelete(existing)
	return nil
}

func (e *Engine) claimPort(ctx context.Context, m *manifest.Manifest) (int, error) {
	if m.HostPort > 0 {
		if err := e.ports.AllocateFixed(ctx, m.HostPort); err != nil {
			return 0, err
		}
		return m.HostPort, nil
	}
	return e.ports.Allocate(ctx)
}

// provision drives steps 5-9: network, image, volumes, env, container.
func (e *Engine) provision(ctx context.Context, p *store.PluginInstance) error {
	m := p.Manifest

	if err := e.driver.EnsureNetwork(ctx, e.cfg.PluginNetwork); err != nil {
		return err
	}

	ref := m.Image.Ref()
	exists, err := e.driver.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if !exists {
		if err := e.driver.PullImage(ctx, ref); err != nil {
			return api.WrapError(api.ErrCodeImagePullFailed, err, "pull %s", ref)
		}
	}

	volumes := make([]runtimedrv.VolumeBind, 0, len(m.Volumes))
	for _, v := range m.Volumes {
		name := e.cfg.VolumePrefix + m.ID + "-" + v.Name
		if err := e.driver.EnsureVolume(ctx, name); err != nil {
			return err
		}
		volumes = append(volumes, runtimedrv.VolumeBind{
			Source:   name,
			Target:   v.ContainerPath,
			ReadOnly: v.ReadOnly,
		})
	}

	for _, warning := range e.platform.Probe(ctx, m) {
		e.warn(p.PluginKey, warning)
	}

	gpus := 0
	if m.Resources.GPU > 0 {
		if avail := e.gpuCount(); avail >= m.Resources.GPU {
			gpus = m.Resources.GPU
		} else {
			e.warn(p.PluginKey, fmt.Sprintf(
				"manifest requests %d GPU(s), host exposes %d; starting without GPU",
				m.Resources.GPU, avail))
		}
	}

	env := e.buildEnv(p)
	e.mu.Lock()
	p.Env = envOverridesOnly(p.Env)
	e.mu.Unlock()

	spec := runtimedrv.ContainerSpec{
		Name:          p.ContainerName,
		Image:         ref,
		Env:           env,
		ContainerPort: m.ContainerPort,
		HostPort:      p.HostPort,
		Volumes:       volumes,
		Labels:        map[string]string{runtimedrv.LabelManifestID: m.ID},
		Network:       e.cfg.PluginNetwork,
		MemoryBytes:   m.Resources.MemoryBytes(),
		NanoCPUs:      m.Resources.NanoCPUs(),
		GPUCount:      gpus,
		Healthcheck:   translateHealthcheck(m),
	}

	id, err := e.createWithRetry(ctx, spec)
	if err != nil {
		return err
	}
	e.mu.Lock()
	p.ContainerID = id
	e.mu.Unlock()
	return nil
}

// createWithRetry handles the name-conflict case: a stale container holding
// the managed name is removed and creation retried once.
func (e *Engine) createWithRetry(ctx context.Context, spec runtimedrv.ContainerSpec) (string, error) {
	id, err := e.driver.CreateContainer(ctx, spec)
	if err == nil {
		return id, nil
	}
	if !runtimedrv.IsConflict(err) {
		return "", err
	}
	e.log.Warn().Str("name", spec.Name).Msg("container name taken, removing stale container")
	if rmErr := e.driver.RemoveContainer(ctx, spec.Name, true); rmErr != nil {
		return "", fmt.Errorf("remove conflicting container %s: %w", spec.Name, rmErr)
	}
	return e.driver.CreateContainer(ctx, spec)
}

// buildEnv assembles the container environment. Precedence, lowest first:
// platform-service endpoints, manifest defaults, user overrides. The port and
// environment markers are always present.
func (e *Engine) buildEnv(p *store.PluginInstance) []string {
	m := p.Manifest
	env := map[string]string{}
	for k, v := range e.platform.EnvFor(m) {
		env[k] = v
	}
	for _, ev := range m.Environment {
		if ev.Default != "" {
			env[ev.Name] = ev.Default
		}
	}
	for k, v := range p.Env {
		env[k] = v
	}
	env["CONTAINER_PORT"] = fmt.Sprint(m.ContainerPort)
	env["ENVIRONMENT"] = "production"

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// envOverridesOnly keeps just the user-supplied variables for persistence;
// platform endpoints and defaults are re-derived on every recreate.
func envOverridesOnly(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func translateHealthcheck(m *manifest.Manifest) *runtimedrv.Healthcheck {
	hc := m.HealthCheck
	if hc == nil {
		return nil
	}
	cmd := fmt.Sprintf("wget -q -O /dev/null http://localhost:%d%s || exit 1",
		m.ContainerPort, hc.Path)
	return &runtimedrv.Healthcheck{
		Test:     []string{"CMD-SHELL", cmd},
		Interval: time.Duration(hc.IntervalSeconds) * time.Second,
		Timeout:  time.Duration(hc.TimeoutSeconds) * time.Second,
		Retries:  hc.Retries,
	}
}

func mergeConfig(defaults, overrides map[string]any) map[string]any {
	if len(defaults) == 0 && len(overrides) == 0 {
		return nil
	}
	out := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
