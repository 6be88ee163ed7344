package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/forgeplatform/plugind/internal/events"
	"github.com/forgeplatform/plugind/internal/store"
)

// Probe cadence: a grace period lets the container boot before the first
// inspect, then a steady ticker.
const (
	healthGrace    = 10 * time.Second
	healthInterval = 30 * time.Second
)

// healthSupervisor runs one observer goroutine per running plugin. The
// observer exits when the plugin leaves running; watch restarts it on
// re-entry.
type healthSupervisor struct {
	engine *Engine

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	root    context.Context
	stop    context.CancelFunc
}

func newHealthSupervisor(e *Engine) *healthSupervisor {
	root, stop := context.WithCancel(context.Background())
	return &healthSupervisor{
		engine:  e,
		cancels: make(map[string]context.CancelFunc),
		root:    root,
		stop:    stop,
	}
}

// watch ensures an observer is running for the plugin. Idempotent.
func (h *healthSupervisor) watch(pluginKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.cancels[pluginKey]; ok {
		return
	}
	ctx, cancel := context.WithCancel(h.root)
	h.cancels[pluginKey] = cancel
	go h.observe(ctx, pluginKey)
}

func (h *healthSupervisor) forget(pluginKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.cancels[pluginKey]; ok {
		cancel()
		delete(h.cancels, pluginKey)
	}
}

func (h *healthSupervisor) stopAll() {
	h.stop()
	h.mu.Lock()
	h.cancels = make(map[string]context.CancelFunc)
	h.mu.Unlock()
}

func (h *healthSupervisor) observe(ctx context.Context, pluginKey string) {
	defer h.forget(pluginKey)

	select {
	case <-ctx.Done():
		return
	case <-time.After(healthGrace):
	}

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		if !h.engine.probeOnce(ctx, pluginKey) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probeOnce inspects the container once and records the result. Returns false
// when the observer should exit.
func (e *Engine) probeOnce(ctx context.Context, pluginKey string) bool {
	p, ok := e.instance(pluginKey)
	if !ok || p.Status != store.StatusRunning {
		return false
	}

	state, err := e.driver.InspectContainer(ctx, p.ContainerID)
	if err != nil {
		// Transient daemon trouble; keep observing.
		e.log.Debug().Err(err).Str("pluginKey", pluginKey).Msg("health inspect failed")
		return true
	}

	now := time.Now().UTC()
	if !state.Running {
		// Observed exit: running -> stopped per the state machine.
		e.mu.Lock()
		p.Status = store.StatusStopped
		p.StoppedAt = &now
		p.HealthState = store.HealthUnknown
		e.mu.Unlock()
		if err := e.store.PatchPlugin(ctx, pluginKey, map[string]any{
			"status":      store.StatusStopped,
			"stoppedAt":   now,
			"healthState": store.HealthUnknown,
		}); err != nil {
			e.log.Warn().Err(err).Str("pluginKey", pluginKey).Msg("persist observed exit failed")
		}
		e.publishStatusGauges()
		e.bus.Emit(events.KindStopped, pluginKey, map[string]any{
			"observedExit": true, "exitCode": state.ExitCode,
		})
		return false
	}

	health := translateHealth(state.Health)
	e.mu.Lock()
	p.HealthState = health
	p.LastProbeAt = &now
	e.mu.Unlock()
	if err := e.store.PatchPlugin(ctx, pluginKey, map[string]any{
		"healthState": health,
		"lastProbeAt": now,
	}); err != nil {
		e.log.Warn().Err(err).Str("pluginKey", pluginKey).Msg("persist health failed")
	}
	e.bus.Emit(events.KindHealth, pluginKey, map[string]any{"healthState": health})
	return true
}

func translateHealth(s string) string {
	switch s {
	case "healthy":
		return store.HealthHealthy
	case "unhealthy":
		return store.HealthUnhealthy
	default:
		// "starting" and daemon-side unknowns.
		return store.HealthUnknown
	}
}
