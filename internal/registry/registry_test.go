package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeplatform/plugind/internal/manifest"
	"github.com/forgeplatform/plugind/internal/store"
	"github.com/forgeplatform/plugind/pkg/api"
)

// fakeSourceStore keeps source registrations in memory.
type fakeSourceStore struct {
	mu      sync.Mutex
	sources map[string]*store.SourceRegistration
	fetches []string
}

func newFakeSourceStore(srcs ...*store.SourceRegistration) *fakeSourceStore {
	f := &fakeSourceStore{sources: make(map[string]*store.SourceRegistration)}
	for _, s := range srcs {
		f.sources[s.SourceID] = s
	}
	return f
}

func (f *fakeSourceStore) ListSources(ctx context.Context) ([]*store.SourceRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.SourceRegistration, 0, len(f.sources))
	for _, s := range f.sources {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeSourceStore) UpsertSource(ctx context.Context, src *store.SourceRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *src
	f.sources[src.SourceID] = &cp
	return nil
}

func (f *fakeSourceStore) DeleteSource(ctx context.Context, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sources, sourceID)
	return nil
}

func (f *fakeSourceStore) SetSourceEnabled(ctx context.Context, sourceID string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sources[sourceID]; ok {
		s.Enabled = enabled
	}
	return nil
}

func (f *fakeSourceStore) RecordSourceFetch(ctx context.Context, sourceID string, fetchedAt time.Time, fetchErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, sourceID)
	if s, ok := f.sources[sourceID]; ok {
		s.LastFetchedAt = &fetchedAt
		s.LastError = ""
		if fetchErr != nil {
			s.LastError = fetchErr.Error()
		}
	}
	return nil
}

// staticFetcher serves a canned catalog per source id.
type staticFetcher struct {
	catalogs map[string][]CatalogEntry
	err      error
}

func (s *staticFetcher) Fetch(ctx context.Context, src *store.SourceRegistration) ([]CatalogEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.catalogs[src.SourceID], nil
}

func catalogManifest(id string, mutate ...func(*manifest.Manifest)) *manifest.Manifest {
	m := &manifest.Manifest{
		ID:            id,
		Version:       "1.0.0",
		Image:         manifest.Image{Repository: "registry.local/" + id},
		ContainerPort: 8080,
	}
	for _, fn := range mutate {
		fn(m)
	}
	m.ApplyDefaults()
	return m
}

func httpSource(id string, priority int) *store.SourceRegistration {
	return &store.SourceRegistration{
		SourceID: id,
		Name:     id,
		URL:      "https://" + id + ".example/index.json",
		Kind:     store.SourceKindHTTPIndex,
		Enabled:  true,
		Priority: priority,
	}
}

func TestMergedDedupPrefersSmallestPriority(t *testing.T) {
	st := newFakeSourceStore(httpSource("official", 0), httpSource("community", 10))
	agg := New(st).WithFetcher(store.SourceKindHTTPIndex, &staticFetcher{catalogs: map[string][]CatalogEntry{
		"official":  {{SourceID: "official", Manifest: catalogManifest("echo"), Verified: true}},
		"community": {{SourceID: "community", Manifest: catalogManifest("echo")}, {SourceID: "community", Manifest: catalogManifest("extra")}},
	}})
	ctx := context.Background()
	require.NoError(t, agg.RefreshAll(ctx))

	entries, err := agg.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.Manifest.ID == "echo" {
			assert.Equal(t, "official", e.SourceID)
			assert.True(t, e.Verified)
		}
	}
}

func TestMergedOrderFeaturedThenDownloads(t *testing.T) {
	st := newFakeSourceStore(httpSource("s", 0))
	agg := New(st).WithFetcher(store.SourceKindHTTPIndex, &staticFetcher{catalogs: map[string][]CatalogEntry{
		"s": {
			{SourceID: "s", Manifest: catalogManifest("a"), Downloads: 5},
			{SourceID: "s", Manifest: catalogManifest("b"), Downloads: 100},
			{SourceID: "s", Manifest: catalogManifest("c"), Featured: true},
		},
	}})
	ctx := context.Background()
	require.NoError(t, agg.RefreshAll(ctx))

	entries, err := agg.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Manifest.ID)
	assert.Equal(t, "b", entries[1].Manifest.ID)
	assert.Equal(t, "a", entries[2].Manifest.ID)
}

func TestListFilters(t *testing.T) {
	st := newFakeSourceStore(httpSource("s", 0))
	agg := New(st).WithFetcher(store.SourceKindHTTPIndex, &staticFetcher{catalogs: map[string][]CatalogEntry{
		"s": {
			{SourceID: "s", Manifest: catalogManifest("scanner", func(m *manifest.Manifest) {
				m.Category = "security"
				m.Description = "scans containers"
				m.Tags = []string{"cve"}
			}), Verified: true},
			{SourceID: "s", Manifest: catalogManifest("dash", func(m *manifest.Manifest) {
				m.Category = "analytics"
			})},
		},
	}})
	ctx := context.Background()
	require.NoError(t, agg.RefreshAll(ctx))

	verified := true
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"category", Filter{Category: "security"}, []string{"scanner"}},
		{"verified", Filter{Verified: &verified}, []string{"scanner"}},
		{"search name", Filter{Search: "DASH"}, []string{"dash"}},
		{"search description", Filter{Search: "containers"}, []string{"scanner"}},
		{"search tag", Filter{Search: "cve"}, []string{"scanner"}},
		{"search miss", Filter{Search: "nothing"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := agg.List(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, e := range entries {
				ids = append(ids, e.Manifest.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestDisabledSourceStopsContributing(t *testing.T) {
	st := newFakeSourceStore(httpSource("s", 0))
	agg := New(st).WithFetcher(store.SourceKindHTTPIndex, &staticFetcher{catalogs: map[string][]CatalogEntry{
		"s": {{SourceID: "s", Manifest: catalogManifest("echo")}},
	}})
	ctx := context.Background()
	require.NoError(t, agg.RefreshAll(ctx))

	entries, err := agg.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	enabled, err := agg.ToggleSource(ctx, "s")
	require.NoError(t, err)
	assert.False(t, enabled)

	entries, err = agg.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRefreshFailureRecordsAndKeepsOthers(t *testing.T) {
	st := newFakeSourceStore(httpSource("good", 0), httpSource("bad", 1))
	agg := New(st).WithFetcher(store.SourceKindHTTPIndex, &staticFetcher{catalogs: map[string][]CatalogEntry{
		"good": {{SourceID: "good", Manifest: catalogManifest("echo")}},
		"bad":  {{SourceID: "bad", Manifest: catalogManifest("other")}},
	}})
	ctx := context.Background()
	require.NoError(t, agg.RefreshAll(ctx))

	agg.WithFetcher(store.SourceKindHTTPIndex, &staticFetcher{err: fmt.Errorf("unreachable")})
	err := agg.Refresh(ctx, "bad")
	require.Error(t, err)

	// The earlier catalog from the failing source survives.
	entries, err := agg.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	srcs, err := st.ListSources(ctx)
	require.NoError(t, err)
	for _, s := range srcs {
		if s.SourceID == "bad" {
			assert.Equal(t, "unreachable", s.LastError)
			require.NotNil(t, s.LastFetchedAt)
		}
	}
}

func TestGetAndGetFrom(t *testing.T) {
	st := newFakeSourceStore(httpSource("s", 0))
	agg := New(st).WithFetcher(store.SourceKindHTTPIndex, &staticFetcher{catalogs: map[string][]CatalogEntry{
		"s": {{SourceID: "s", Manifest: catalogManifest("echo")}},
	}})
	ctx := context.Background()
	require.NoError(t, agg.RefreshAll(ctx))

	e, err := agg.Get(ctx, "echo")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "echo", e.Manifest.ID)

	e, err = agg.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, e)

	assert.NotNil(t, agg.GetFrom("s", "echo"))
	assert.Nil(t, agg.GetFrom("other", "echo"))
}

func TestAddSourceRejectsUnknownKind(t *testing.T) {
	agg := New(newFakeSourceStore())
	err := agg.AddSource(context.Background(), &store.SourceRegistration{
		SourceID: "x", Kind: "ftp",
	})
	assert.Equal(t, api.ErrCodeValidation, api.CodeOf(err))
}

func TestRemoveSourceDropsCatalog(t *testing.T) {
	st := newFakeSourceStore(httpSource("s", 0))
	agg := New(st).WithFetcher(store.SourceKindHTTPIndex, &staticFetcher{catalogs: map[string][]CatalogEntry{
		"s": {{SourceID: "s", Manifest: catalogManifest("echo")}},
	}})
	ctx := context.Background()
	require.NoError(t, agg.RefreshAll(ctx))

	require.NoError(t, agg.RemoveSource(ctx, "s"))

	entries, err := agg.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	srcs, _ := st.ListSources(ctx)
	assert.Empty(t, srcs)
}

func TestCategoriesWithCounts(t *testing.T) {
	st := newFakeSourceStore(httpSource("s", 0))
	agg := New(st).WithFetcher(store.SourceKindHTTPIndex, &staticFetcher{catalogs: map[string][]CatalogEntry{
		"s": {
			{SourceID: "s", Manifest: catalogManifest("a", func(m *manifest.Manifest) { m.Category = "security" })},
			{SourceID: "s", Manifest: catalogManifest("b", func(m *manifest.Manifest) { m.Category = "security" })},
			{SourceID: "s", Manifest: catalogManifest("c")},
		},
	}})
	ctx := context.Background()
	require.NoError(t, agg.RefreshAll(ctx))

	counts, err := agg.CategoriesWithCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"security": 2}, counts)
}

// ============================================================================
// HTTP index fetcher
// ============================================================================

func TestHTTPIndexFetcherDropsInvalidEntries(t *testing.T) {
	index := `{
		"version": "1",
		"registry": {"name": "test"},
		"plugins": [
			{"manifest": {"id": "good", "version": "1.0.0", "image": {"repository": "r/good"}, "containerPort": 80}, "downloads": 7},
			{"manifest": {"id": "BAD ID", "version": "1.0.0", "image": {"repository": "r/bad"}, "containerPort": 80}},
			{"downloads": 3},
			"not an object"
		]
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(index))
	}))
	defer srv.Close()

	st := newFakeSourceStore(&store.SourceRegistration{
		SourceID: "s", URL: srv.URL, Kind: store.SourceKindHTTPIndex, Enabled: true,
	})
	agg := New(st)
	ctx := context.Background()
	require.NoError(t, agg.RefreshAll(ctx))

	entries, err := agg.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "good", entries[0].Manifest.ID)
	assert.Equal(t, 7, entries[0].Downloads)
	assert.Equal(t, "s", entries[0].SourceID)
}

func TestHTTPIndexFetcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	f := &httpIndexFetcher{client: srv.Client()}
	_, err := f.Fetch(context.Background(), &store.SourceRegistration{SourceID: "s", URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeRegistryFetch, api.CodeOf(err))
}

func TestSplitRepository(t *testing.T) {
	tests := []struct {
		in, owner, repo string
		wantErr         bool
	}{
		{"acme/echo", "acme", "echo", false},
		{"github.com/acme/echo", "acme", "echo", false},
		{"https://github.com/acme/echo.git", "acme", "echo", false},
		{"https://github.com/acme/echo/", "acme", "echo", false},
		{"justone", "", "", true},
		{"a/b/c", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, repo, err := splitRepository(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}
}

// ============================================================================
// Seed file
// ============================================================================

func TestApplySeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.json")
	seed := `{
		"sources": [
			{"id": "official", "name": "Official", "url": "https://example.com/index.json", "kind": "http-index", "priority": 0},
			{"id": "dark", "name": "Disabled", "url": "https://example.com/dark.json", "kind": "http-index", "enabled": false, "priority": 5}
		]
	}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	st := newFakeSourceStore()
	agg := New(st)
	require.NoError(t, agg.ApplySeed(context.Background(), path))

	srcs, err := st.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, srcs, 2)
	byID := make(map[string]*store.SourceRegistration)
	for _, s := range srcs {
		byID[s.SourceID] = s
	}
	assert.True(t, byID["official"].Enabled)
	assert.True(t, byID["official"].IsDefault)
	assert.False(t, byID["dark"].Enabled)
	assert.Equal(t, 5, byID["dark"].Priority)
}

func TestApplySeedMissingFile(t *testing.T) {
	agg := New(newFakeSourceStore())
	err := agg.ApplySeed(context.Background(), filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestStartRefreshScheduleRejectsBadSpec(t *testing.T) {
	agg := New(newFakeSourceStore())
	_, err := agg.StartRefreshSchedule(context.Background(), "not a cron spec")
	require.Error(t, err)
}
