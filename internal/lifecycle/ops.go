package lifecycle

import (
	"context"
	"time"

	"github.com/forgeplatform/plugind/internal/events"
	"github.com/forgeplatform/plugind/internal/gateway"
	"github.com/forgeplatform/plugind/internal/store"
	"github.com/forgeplatform/plugind/pkg/api"
)

// Grace periods for the two stop paths. Uninstall is in a hurry.
const (
	stopGrace      = 30 * time.Second
	uninstallGrace = 10 * time.Second
)

// Start moves an installed, stopped or errored plugin into running.
func (e *Engine) Start(ctx context.Context, pluginKey string) error {
	p, release, err := e.lockByKey(pluginKey)
	if err != nil {
		return err
	}
	defer release()
	return e.startLocked(ctx, p)
}

func (e *Engine) startLocked(ctx context.Context, p *store.PluginInstance) error {
	status, containerID := e.snapshot(p)
	switch status {
	case store.StatusInstalled, store.StatusStopped, store.StatusError:
	default:
		return api.NewError(api.ErrCodeInvalidTransition,
			"plugin %s cannot start from %s", p.PluginKey, status)
	}
	if containerID == "" {
		return api.NewError(api.ErrCodeInvalidTransition,
			"plugin %s has no container to start", p.PluginKey)
	}

	if err := e.transition(ctx, p, store.StatusStarting, events.KindStarting, nil); err != nil {
		return err
	}
	if err := e.driver.StartContainer(ctx, containerID); err != nil {
		e.fail(ctx, p, err)
		return err
	}

	now := time.Now().UTC()
	e.mu.Lock()
	p.StartedAt = &now
	p.LastError = ""
	e.mu.Unlock()
	if err := e.transition(ctx, p, store.StatusRunning, events.KindStarted, map[string]any{
		"startedAt": now,
		"lastError": "",
	}); err != nil {
		return err
	}

	e.publishRoute(ctx, p)
	e.health.watch(p.PluginKey)
	return nil
}

// Stop moves a running or starting plugin into stopped.
func (e *Engine) Stop(ctx context.Context, pluginKey string) error {
	p, release, err := e.lockByKey(pluginKey)
	if err != nil {
		return err
	}
	defer release()
	return e.stopLocked(ctx, p)
}

func (e *Engine) stopLocked(ctx context.Context, p *store.PluginInstance) error {
	status, containerID := e.snapshot(p)
	switch status {
	case store.StatusRunning, store.StatusStarting:
	default:
		return api.NewError(api.ErrCodeInvalidTransition,
			"plugin %s cannot stop from %s", p.PluginKey, status)
	}

	if err := e.transition(ctx, p, store.StatusStopping, events.KindStopping, nil); err != nil {
		return err
	}
	if err := e.driver.StopContainer(ctx, containerID, stopGrace); err != nil {
		e.fail(ctx, p, err)
		return err
	}

	now := time.Now().UTC()
	e.mu.Lock()
	p.StoppedAt = &now
	e.mu.Unlock()
	if err := e.transition(ctx, p, store.StatusStopped, events.KindStopped,
		map[string]any{"stoppedAt": now}); err != nil {
		return err
	}

	e.removeRoute(ctx, p)
	return nil
}

// Restart is stop then start under one lock. A stop failure aborts.
func (e *Engine) Restart(ctx context.Context, pluginKey string) error {
	p, release, err := e.lockByKey(pluginKey)
	if err != nil {
		return err
	}
	defer release()

	if err := e.stopLocked(ctx, p); err != nil {
		return err
	}
	return e.startLocked(ctx, p)
}

// Uninstall tears the plugin down best effort: stop if running, remove the
// container, release the port, drop the gateway route, delete the row. On a
// mid-sequence failure the row survives in error for a retry.
func (e *Engine) Uninstall(ctx context.Context, pluginKey string) error {
	p, release, err := e.lockByKey(pluginKey)
	if err != nil {
		return err
	}
	defer release()

	if err := e.transition(ctx, p, store.StatusUninstalling, events.KindUninstalling, nil); err != nil {
		return err
	}

	if _, containerID := e.snapshot(p); containerID != "" {
		if state, err := e.driver.InspectContainer(ctx, containerID); err == nil && state.Running {
			if err := e.driver.StopContainer(ctx, containerID, uninstallGrace); err != nil {
				e.fail(ctx, p, err)
				return err
			}
		}
		if err := e.driver.RemoveContainer(ctx, containerID, true); err != nil {
			e.fail(ctx, p, err)
			return err
		}
	}

	if p.HostPort > 0 {
		e.ports.Release(p.HostPort)
	}
	e.removeRoute(ctx, p)

	if err := e.store.DeletePlugin(ctx, p.PluginKey); err != nil {
		e.fail(ctx, p, err)
		return err
	}
	e.indexDelete(p)
	e.bus.Emit(events.KindUninstalled, p.PluginKey, map[string]any{"manifestId": p.ManifestID})
	return nil
}

// publishRoute reflects a running plugin into the gateway. Failures warn.
func (e *Engine) publishRoute(ctx context.Context, p *store.PluginInstance) {
	limit := 0
	for _, ep := range p.Manifest.Endpoints {
		if ep.RateLimit > limit {
			limit = ep.RateLimit
		}
	}
	err := e.gateway.Register(ctx, gateway.Route{
		ManifestID:         p.ManifestID,
		UpstreamHost:       p.ContainerName,
		UpstreamPort:       p.Manifest.ContainerPort,
		BasePath:           p.Manifest.BasePath,
		RateLimitPerMinute: limit,
	})
	if err != nil {
		e.warn(p.PluginKey, "gateway route publish failed: "+err.Error())
	}
}

func (e *Engine) removeRoute(ctx context.Context, p *store.PluginInstance) {
	if err := e.gateway.Deregister(ctx, p.ManifestID); err != nil {
		e.warn(p.PluginKey, "gateway route removal failed: "+err.Error())
	}
}
