package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeplatform/plugind/internal/config"
	"github.com/forgeplatform/plugind/internal/gateway"
	"github.com/forgeplatform/plugind/internal/lifecycle"
	"github.com/forgeplatform/plugind/internal/manifest"
	"github.com/forgeplatform/plugind/internal/ports"
	runtimedrv "github.com/forgeplatform/plugind/internal/runtime"
	"github.com/forgeplatform/plugind/internal/store"
	"github.com/forgeplatform/plugind/pkg/api"
)

// ============================================================================
// In-memory engine backing for handler tests
// ============================================================================

type memStore struct {
	rows    map[string]*store.PluginInstance
	history map[string][]store.UpdateHistoryEntry
}

func newMemStore() *memStore {
	return &memStore{
		rows:    make(map[string]*store.PluginInstance),
		history: make(map[string][]store.UpdateHistoryEntry),
	}
}

func (m *memStore) UpsertPlugin(ctx context.Context, p *store.PluginInstance) error {
	m.rows[p.PluginKey] = p.Clone()
	return nil
}

func (m *memStore) PatchPlugin(ctx context.Context, pluginKey string, delta map[string]any) error {
	return nil
}

func (m *memStore) DeletePlugin(ctx context.Context, pluginKey string) error {
	delete(m.rows, pluginKey)
	return nil
}

func (m *memStore) ListPlugins(ctx context.Context, filter store.PluginFilter) ([]*store.PluginInstance, error) {
	out := make([]*store.PluginInstance, 0, len(m.rows))
	for _, p := range m.rows {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (m *memStore) GetUsedHostPorts(ctx context.Context) ([]int, error) { return nil, nil }

func (m *memStore) RecordUpdate(ctx context.Context, e store.UpdateHistoryEntry) error {
	m.history[e.PluginKey] = append([]store.UpdateHistoryEntry{e}, m.history[e.PluginKey]...)
	return nil
}

func (m *memStore) ListHistory(ctx context.Context, pluginKey string) ([]store.UpdateHistoryEntry, error) {
	return m.history[pluginKey], nil
}

type memDriver struct {
	nextID   int
	lastTail int
}

func (d *memDriver) Ping(ctx context.Context) error                   { return nil }
func (d *memDriver) PullImage(ctx context.Context, ref string) error  { return nil }
func (d *memDriver) EnsureNetwork(ctx context.Context, n string) error { return nil }
func (d *memDriver) EnsureVolume(ctx context.Context, n string) error  { return nil }

func (d *memDriver) ImageExists(ctx context.Context, ref string) (bool, error) {
	return true, nil
}

func (d *memDriver) CreateContainer(ctx context.Context, spec runtimedrv.ContainerSpec) (string, error) {
	d.nextID++
	return fmt.Sprintf("ctr-%d", d.nextID), nil
}

func (d *memDriver) StartContainer(ctx context.Context, id string) error { return nil }

func (d *memDriver) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	return nil
}

func (d *memDriver) RemoveContainer(ctx context.Context, id string, force bool) error { return nil }

func (d *memDriver) InspectContainer(ctx context.Context, id string) (*runtimedrv.ContainerState, error) {
	return &runtimedrv.ContainerState{ID: id, Running: true}, nil
}

func (d *memDriver) TailLogs(ctx context.Context, id string, n int) ([]string, error) {
	d.lastTail = n
	return []string{"log line"}, nil
}

func (d *memDriver) LoadImage(ctx context.Context, r io.Reader) error { return nil }

func (d *memDriver) ListManagedContainers(ctx context.Context) ([]runtimedrv.ContainerSummary, error) {
	return nil, nil
}

func (d *memDriver) ContainerName(manifestID string) string { return "plugind-" + manifestID }

func (d *memDriver) ManifestIDFromName(name string) (string, bool) {
	return strings.TrimPrefix(name, "plugind-"), strings.HasPrefix(name, "plugind-")
}

type nopGateway struct{}

func (nopGateway) Register(ctx context.Context, r gateway.Route) error      { return nil }
func (nopGateway) Deregister(ctx context.Context, manifestID string) error  { return nil }

type nopBus struct{}

func (nopBus) Emit(kind, pluginKey string, payload any) {}

type nopPlatform struct{}

func (nopPlatform) EnvFor(m *manifest.Manifest) map[string]string        { return nil }
func (nopPlatform) Probe(ctx context.Context, m *manifest.Manifest) []string { return nil }

type serverFixture struct {
	router *gin.Engine
	driver *memDriver
	engine *lifecycle.Engine
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	cfg := &config.Config{
		ContainerPrefix: "plugind-",
		VolumePrefix:    "plugind-vol-",
		PluginNetwork:   "plugind-net",
		APIRateLimit:    1000,
		APIRateBurst:    1000,
	}
	drv := &memDriver{}
	engine := lifecycle.New(newMemStore(), drv, ports.New(42000, 42009, nil),
		nopGateway{}, nopBus{}, nopPlatform{}, cfg)
	t.Cleanup(engine.Close)

	srv := New(engine, nil, nil, nil, cfg, "test", func(ctx context.Context) error { return nil })
	return &serverFixture{router: srv.Router(), driver: drv, engine: engine}
}

func (f *serverFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, api.Response) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var envelope api.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return w, envelope
}

const installBody = `{
	"autoStart": false,
	"manifest": {
		"id": "echo",
		"version": "1.0.0",
		"image": {"repository": "registry.local/echo", "tag": "1.0.0"},
		"containerPort": 8080
	}
}`

func (f *serverFixture) mustInstall(t *testing.T) string {
	t.Helper()
	w, envelope := f.do(t, http.MethodPost, "/api/v1/plugins/install", installBody)
	require.Equal(t, http.StatusOK, w.Code)
	var p store.PluginInstance
	require.NoError(t, json.Unmarshal(envelope.Data, &p))
	require.NotEmpty(t, p.PluginKey)
	return p.PluginKey
}

func TestInstallRespondsOK(t *testing.T) {
	f := newServerFixture(t)

	w, envelope := f.do(t, http.MethodPost, "/api/v1/plugins/install", installBody)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, envelope.Success)

	var p store.PluginInstance
	require.NoError(t, json.Unmarshal(envelope.Data, &p))
	assert.Equal(t, "echo", p.ManifestID)
	assert.Equal(t, store.StatusInstalled, p.Status)
}

func TestLogsTailQueryParam(t *testing.T) {
	f := newServerFixture(t)
	key := f.mustInstall(t)

	w, envelope := f.do(t, http.MethodGet, "/api/v1/plugins/"+key+"/logs?tail=7", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, envelope.Success)
	assert.Equal(t, 7, f.driver.lastTail)

	// lines stays accepted as an alias.
	f.do(t, http.MethodGet, "/api/v1/plugins/"+key+"/logs?lines=5", "")
	assert.Equal(t, 5, f.driver.lastTail)

	// Absent or nonsense values fall back to the default.
	f.do(t, http.MethodGet, "/api/v1/plugins/"+key+"/logs", "")
	assert.Equal(t, 100, f.driver.lastTail)

	f.do(t, http.MethodGet, "/api/v1/plugins/"+key+"/logs?tail=-3", "")
	assert.Equal(t, 100, f.driver.lastTail)
}
