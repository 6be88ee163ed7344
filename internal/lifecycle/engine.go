// Package lifecycle is the orchestrator core: the plugin state machine, the
// per-plugin operation locks, the health observers and the startup
// reconciler. It owns the in-memory instance index; the store mirrors it.
package lifecycle

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeplatform/plugind/internal/config"
	"github.com/forgeplatform/plugind/internal/events"
	"github.com/forgeplatform/plugind/internal/gateway"
	"github.com/forgeplatform/plugind/internal/logging"
	"github.com/forgeplatform/plugind/internal/manifest"
	"github.com/forgeplatform/plugind/internal/metrics"
	runtimedrv "github.com/forgeplatform/plugind/internal/runtime"
	"github.com/forgeplatform/plugind/internal/store"
	"github.com/forgeplatform/plugind/pkg/api"
)

// Store is the persistence the engine requires.
type Store interface {
	UpsertPlugin(ctx context.Context, p *store.PluginInstance) error
	PatchPlugin(ctx context.Context, pluginKey string, delta map[string]any) error
	DeletePlugin(ctx context.Context, pluginKey string) error
	ListPlugins(ctx context.Context, filter store.PluginFilter) ([]*store.PluginInstance, error)
	GetUsedHostPorts(ctx context.Context) ([]int, error)
	RecordUpdate(ctx context.Context, e store.UpdateHistoryEntry) error
	ListHistory(ctx context.Context, pluginKey string) ([]store.UpdateHistoryEntry, error)
}

// Driver is the container runtime the engine drives.
type Driver interface {
	Ping(ctx context.Context) error
	PullImage(ctx context.Context, ref string) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	EnsureNetwork(ctx context.Context, name string) error
	EnsureVolume(ctx context.Context, name string) error
	CreateContainer(ctx context.Context, spec runtimedrv.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, id string) (*runtimedrv.ContainerState, error)
	TailLogs(ctx context.Context, id string, n int) ([]string, error)
	LoadImage(ctx context.Context, r io.Reader) error
	ListManagedContainers(ctx context.Context) ([]runtimedrv.ContainerSummary, error)
	ContainerName(manifestID string) string
	ManifestIDFromName(name string) (string, bool)
}

// Ports hands out host ports.
type Ports interface {
	Allocate(ctx context.Context) (int, error)
	AllocateFixed(ctx context.Context, port int) error
	Release(port int)
	Seed(ports []int)
}

// Gateway publishes routes for running plugins.
type Gateway interface {
	Register(ctx context.Context, r gateway.Route) error
	Deregister(ctx context.Context, manifestID string) error
}

// Bus receives lifecycle events.
type Bus interface {
	Emit(kind, pluginKey string, payload any)
}

// Platform resolves platform-service endpoints and probes them.
type Platform interface {
	EnvFor(m *manifest.Manifest) map[string]string
	Probe(ctx context.Context, m *manifest.Manifest) []string
}

// Engine drives every plugin through its lifecycle. One Engine per process.
type Engine struct {
	store    Store
	driver   Driver
	ports    Ports
	gateway  Gateway
	bus      Bus
	platform Platform
	cfg      *config.Config

	locks *lockTable

	mu    sync.RWMutex
	byKey map[string]*store.PluginInstance
	byID  map[string]string // manifestId -> pluginKey

	health *healthSupervisor

	gpuCount   func() int
	httpClient *http.Client
	log        zerolog.Logger
}

// New wires the engine. Reconcile must run before the engine serves requests.
func New(st Store, drv Driver, ports Ports, gw Gateway, bus Bus, platform Platform, cfg *config.Config) *Engine {
	e := &Engine{
		store:      st,
		driver:     drv,
		ports:      ports,
		gateway:    gw,
		bus:        bus,
		platform:   platform,
		cfg:        cfg,
		locks:      newLockTable(),
		byKey:      make(map[string]*store.PluginInstance),
		byID:       make(map[string]string),
		gpuCount:   runtimedrv.GPUCount,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logging.Component("lifecycle"),
	}
	e.health = newHealthSupervisor(e)
	return e
}

// Close stops every health observer.
func (e *Engine) Close() { e.health.stopAll() }

// ============================================================================
// Index access
// ============================================================================

// Get returns a copy of one instance by plugin key.
func (e *Engine) Get(pluginKey string) (*store.PluginInstance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.byKey[pluginKey]
	if !ok {
		return nil, api.NewError(api.ErrCodeNotFound, "plugin %s not found", pluginKey)
	}
	return p.Clone(), nil
}

// GetByManifestID returns a copy of the instance for a manifest id, or nil.
func (e *Engine) GetByManifestID(manifestID string) *store.PluginInstance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if key, ok := e.byID[manifestID]; ok {
		return e.byKey[key].Clone()
	}
	return nil
}

// List returns copies of every instance, optionally narrowed to one status.
func (e *Engine) List(status store.Status) []*store.PluginInstance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*store.PluginInstance, 0, len(e.byKey))
	for _, p := range e.byKey {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p.Clone())
	}
	return out
}

// InstalledManifestIDs reports which manifest ids currently have an instance.
func (e *Engine) InstalledManifestIDs() map[string]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]bool, len(e.byID))
	for id := range e.byID {
		out[id] = true
	}
	return out
}

// Logs tails the plugin's container logs.
func (e *Engine) Logs(ctx context.Context, pluginKey string, lines int) ([]string, error) {
	p, err := e.Get(pluginKey)
	if err != nil {
		return nil, err
	}
	if p.ContainerID == "" {
		return nil, api.NewError(api.ErrCodeNotFound, "plugin %s has no container", pluginKey)
	}
	return e.driver.TailLogs(ctx, p.ContainerID, lines)
}

// LoadImage streams a saved image archive into the container daemon.
func (e *Engine) LoadImage(ctx context.Context, r io.Reader) error {
	return e.driver.LoadImage(ctx, r)
}

// History returns the retained update history.
func (e *Engine) History(ctx context.Context, pluginKey string) ([]store.UpdateHistoryEntry, error) {
	if _, err := e.Get(pluginKey); err != nil {
		return nil, err
	}
	return e.store.ListHistory(ctx, pluginKey)
}

func (e *Engine) indexPut(p *store.PluginInstance) {
	e.mu.Lock()
	e.byKey[p.PluginKey] = p
	e.byID[p.ManifestID] = p.PluginKey
	e.mu.Unlock()
	e.publishStatusGauges()
}

func (e *Engine) indexDelete(p *store.PluginInstance) {
	e.mu.Lock()
	delete(e.byKey, p.PluginKey)
	if e.byID[p.ManifestID] == p.PluginKey {
		delete(e.byID, p.ManifestID)
	}
	e.mu.Unlock()
	e.publishStatusGauges()
}

func (e *Engine) instance(pluginKey string) (*store.PluginInstance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.byKey[pluginKey]
	return p, ok
}

// snapshot reads the fields an operation branches on under the index lock.
// Shared instances are mutated under e.mu; unlocked field reads race with
// concurrent API reads.
func (e *Engine) snapshot(p *store.PluginInstance) (store.Status, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return p.Status, p.ContainerID
}

// cloneOf copies a shared instance under the index lock.
func (e *Engine) cloneOf(p *store.PluginInstance) *store.PluginInstance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return p.Clone()
}

func (e *Engine) publishStatusGauges() {
	e.mu.RLock()
	counts := make(map[store.Status]int)
	for _, p := range e.byKey {
		counts[p.Status]++
	}
	e.mu.RUnlock()
	for _, s := range allStatuses {
		metrics.PluginsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// ============================================================================
// Keyed locks
// ============================================================================

// lockTable serializes operations per manifest id. TryLock keeps a busy
// plugin from queueing conflicting operations; callers get Busy instead.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) acquire(manifestID string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[manifestID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[manifestID] = l
	}
	t.mu.Unlock()

	if !l.TryLock() {
		return nil, api.NewError(api.ErrCodeBusy,
			"plugin %s has an operation in progress", manifestID)
	}
	return l.Unlock, nil
}

// lockByKey resolves a plugin key to its manifest lock.
func (e *Engine) lockByKey(pluginKey string) (*store.PluginInstance, func(), error) {
	p, ok := e.instance(pluginKey)
	if !ok {
		return nil, nil, api.NewError(api.ErrCodeNotFound, "plugin %s not found", pluginKey)
	}
	release, err := e.locks.acquire(p.ManifestID)
	if err != nil {
		return nil, nil, err
	}
	// Re-check under the lock; the instance may have been uninstalled while
	// we raced for it.
	p, ok = e.instance(pluginKey)
	if !ok {
		release()
		return nil, nil, api.NewError(api.ErrCodeNotFound, "plugin %s not found", pluginKey)
	}
	return p, release, nil
}

// ============================================================================
// Shared helpers
// ============================================================================

// transition flips status in memory and the store and emits the matching
// event. The edge must be legal; callers guard preconditions first.
func (e *Engine) transition(ctx context.Context, p *store.PluginInstance, to store.Status, eventKind string, delta map[string]any) error {
	e.mu.Lock()
	if !canTransition(p.Status, to) {
		from := p.Status
		e.mu.Unlock()
		return api.NewError(api.ErrCodeInvalidTransition,
			"cannot move plugin %s from %s to %s", p.PluginKey, from, to)
	}
	p.Status = to
	e.mu.Unlock()
	if delta == nil {
		delta = map[string]any{}
	}
	delta["status"] = to
	if err := e.store.PatchPlugin(ctx, p.PluginKey, delta); err != nil {
		e.log.Warn().Err(err).Str("pluginKey", p.PluginKey).Msg("persist transition failed")
	}
	e.publishStatusGauges()
	if eventKind != "" {
		e.bus.Emit(eventKind, p.PluginKey, map[string]any{"status": to})
	}
	return nil
}

// fail parks the plugin in error with the cause recorded.
func (e *Engine) fail(ctx context.Context, p *store.PluginInstance, cause error) {
	e.mu.Lock()
	p.Status = store.StatusError
	p.LastError = cause.Error()
	e.mu.Unlock()
	if err := e.store.PatchPlugin(ctx, p.PluginKey, map[string]any{
		"status":    store.StatusError,
		"lastError": cause.Error(),
	}); err != nil {
		e.log.Warn().Err(err).Str("pluginKey", p.PluginKey).Msg("persist error state failed")
	}
	e.publishStatusGauges()
	e.bus.Emit(events.KindError, p.PluginKey, map[string]any{"error": cause.Error()})
}

// warn emits a non-blocking warning event.
func (e *Engine) warn(pluginKey, msg string) {
	e.bus.Emit(events.KindWarning, pluginKey, map[string]any{"message": msg})
}

// fetchManifest loads and parses a manifest from a URL.
func (e *Engine) fetchManifest(ctx context.Context, url string) (*manifest.Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeInvalidManifest, err, "build manifest request")
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeInvalidManifest, err, "fetch manifest from %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, api.NewError(api.ErrCodeInvalidManifest,
			"fetch manifest from %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, api.WrapError(api.ErrCodeInvalidManifest, err, "read manifest from %s", url)
	}
	return manifest.Parse(data)
}
