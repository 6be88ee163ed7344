package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeplatform/plugind/internal/manifest"
	runtimedrv "github.com/forgeplatform/plugind/internal/runtime"
	"github.com/forgeplatform/plugind/internal/store"
)

// Reconcile aligns the store, the in-memory index and the container daemon.
// Runs once at startup before the API listener opens; idempotent and safe to
// re-run.
func (e *Engine) Reconcile(ctx context.Context) error {
	rows, err := e.store.ListPlugins(ctx, store.PluginFilter{})
	if err != nil {
		return err
	}
	for _, p := range rows {
		e.indexPut(p)
	}

	ports, err := e.store.GetUsedHostPorts(ctx)
	if err != nil {
		return err
	}
	e.ports.Seed(ports)

	containers, err := e.driver.ListManagedContainers(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(containers))
	for _, c := range containers {
		manifestID, ok := e.containerManifestID(c)
		if !ok {
			continue
		}
		seen[manifestID] = true

		if p := e.GetByManifestID(manifestID); p != nil {
			e.reconcileKnown(ctx, p.PluginKey, c)
			continue
		}
		e.adopt(ctx, manifestID, c)
	}

	// Instances whose container vanished while we were down, and rows frozen
	// mid-operation by a daemon restart. An in-flight row with no container
	// moves to error so a reinstall or uninstall can clear it.
	for _, p := range e.List("") {
		if seen[p.ManifestID] {
			continue
		}
		if p.ContainerID == "" {
			if inFlight(p.Status) {
				e.markInterrupted(ctx, p.PluginKey)
			}
			continue
		}
		e.markContainerLost(ctx, p.PluginKey)
	}

	for _, p := range e.List(store.StatusRunning) {
		e.health.watch(p.PluginKey)
	}

	e.log.Info().Int("plugins", len(rows)).Int("containers", len(containers)).
		Msg("reconciliation complete")
	return nil
}

func (e *Engine) containerManifestID(c runtimedrv.ContainerSummary) (string, bool) {
	if id := c.Labels[runtimedrv.LabelManifestID]; id != "" {
		return id, true
	}
	return e.driver.ManifestIDFromName(c.Name)
}

// reconcileKnown adopts the observed container handle and state for an
// instance we already track.
func (e *Engine) reconcileKnown(ctx context.Context, pluginKey string, c runtimedrv.ContainerSummary) {
	p, ok := e.instance(pluginKey)
	if !ok {
		return
	}

	observed := store.StatusStopped
	if strings.EqualFold(c.State, "running") {
		observed = store.StatusRunning
	}

	changed := p.ContainerID != c.ID || p.Status != observed
	if !changed {
		return
	}

	e.mu.Lock()
	p.ContainerID = c.ID
	p.Status = observed
	e.mu.Unlock()

	if err := e.store.PatchPlugin(ctx, pluginKey, map[string]any{
		"containerId": c.ID,
		"status":      observed,
	}); err != nil {
		e.log.Warn().Err(err).Str("pluginKey", pluginKey).Msg("persist reconciled state failed")
	}
	e.publishStatusGauges()
	e.log.Info().Str("pluginKey", pluginKey).Str("status", string(observed)).
		Msg("reconciled instance to observed container state")
}

// adopt takes ownership of an orphaned managed container by synthesizing a
// minimal manifest from what inspect can recover.
func (e *Engine) adopt(ctx context.Context, manifestID string, c runtimedrv.ContainerSummary) {
	state, err := e.driver.InspectContainer(ctx, c.ID)
	if err != nil {
		e.log.Warn().Err(err).Str("container", c.Name).Msg("adoption inspect failed, skipping")
		return
	}

	containerPort, hostPort := firstBinding(state.Ports)
	m := &manifest.Manifest{
		ID:            manifestID,
		Name:          manifestID,
		Version:       manifest.AdoptedVersion,
		ContainerPort: containerPort,
	}
	m.Image = parseImageRef(state.ImageRef)
	m.ApplyDefaults()

	status := store.StatusStopped
	if state.Running {
		status = store.StatusRunning
	}

	p := &store.PluginInstance{
		PluginKey:     uuid.NewString(),
		ManifestID:    manifestID,
		Manifest:      m,
		Status:        status,
		ContainerID:   c.ID,
		ContainerName: c.Name,
		HostPort:      hostPort,
		InstalledAt:   state.CreatedAt,
		HealthState:   translateHealth(state.Health),
	}
	if p.InstalledAt.IsZero() {
		p.InstalledAt = time.Now().UTC()
	}

	if err := e.store.UpsertPlugin(ctx, p); err != nil {
		e.log.Warn().Err(err).Str("manifestId", manifestID).Msg("persist adopted instance failed")
		return
	}
	e.indexPut(p)
	if hostPort > 0 {
		e.ports.Seed([]int{hostPort})
	}
	e.log.Info().Str("manifestId", manifestID).Str("container", c.Name).
		Str("status", string(status)).Msg("adopted orphaned container")
}

// markInterrupted parks a row stranded mid-operation in error.
func (e *Engine) markInterrupted(ctx context.Context, pluginKey string) {
	p, ok := e.instance(pluginKey)
	if !ok {
		return
	}
	const cause = "operation interrupted by daemon restart"
	e.mu.Lock()
	from := p.Status
	p.Status = store.StatusError
	p.LastError = cause
	e.mu.Unlock()

	if err := e.store.PatchPlugin(ctx, pluginKey, map[string]any{
		"status":    store.StatusError,
		"lastError": cause,
	}); err != nil {
		e.log.Warn().Err(err).Str("pluginKey", pluginKey).Msg("persist interrupted state failed")
	}
	e.publishStatusGauges()
	e.log.Info().Str("pluginKey", pluginKey).Str("from", string(from)).
		Msg("interrupted operation parked in error")
}

// markContainerLost records that a tracked container no longer exists.
func (e *Engine) markContainerLost(ctx context.Context, pluginKey string) {
	p, ok := e.instance(pluginKey)
	if !ok {
		return
	}
	e.mu.Lock()
	p.ContainerID = ""
	p.Status = store.StatusStopped
	e.mu.Unlock()

	if err := e.store.PatchPlugin(ctx, pluginKey, map[string]any{
		"containerId": "",
		"status":      store.StatusStopped,
	}); err != nil {
		e.log.Warn().Err(err).Str("pluginKey", pluginKey).Msg("persist lost container failed")
	}
	e.publishStatusGauges()
	e.log.Info().Str("pluginKey", pluginKey).Msg("container missing from runtime, marked stopped")
}

func firstBinding(ports map[int]int) (containerPort, hostPort int) {
	for c, h := range ports {
		if containerPort == 0 || c < containerPort {
			containerPort, hostPort = c, h
		}
	}
	if containerPort == 0 {
		containerPort = 80
	}
	return containerPort, hostPort
}

func parseImageRef(ref string) manifest.Image {
	if at := strings.LastIndex(ref, "@"); at >= 0 {
		return manifest.Image{Repository: ref[:at], Digest: ref[at+1:]}
	}
	colon := strings.LastIndex(ref, ":")
	if colon < 0 || strings.Contains(ref[colon:], "/") {
		return manifest.Image{Repository: ref, Tag: "latest"}
	}
	return manifest.Image{Repository: ref[:colon], Tag: ref[colon+1:]}
}
