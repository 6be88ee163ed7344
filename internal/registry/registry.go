package registry

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeplatform/plugind/internal/logging"
	"github.com/forgeplatform/plugind/internal/metrics"
	"github.com/forgeplatform/plugind/internal/store"
	"github.com/forgeplatform/plugind/pkg/api"
)

// SourceStore is the slice of the persistent store the aggregator needs.
type SourceStore interface {
	ListSources(ctx context.Context) ([]*store.SourceRegistration, error)
	UpsertSource(ctx context.Context, src *store.SourceRegistration) error
	DeleteSource(ctx context.Context, sourceID string) error
	SetSourceEnabled(ctx context.Context, sourceID string, enabled bool) error
	RecordSourceFetch(ctx context.Context, sourceID string, fetchedAt time.Time, fetchErr error) error
}

// Aggregator merges catalogs from every enabled source and serves queries
// over the merged view.
type Aggregator struct {
	sources  SourceStore
	fetchers map[string]Fetcher

	mu       sync.RWMutex
	catalogs map[string][]CatalogEntry

	log zerolog.Logger
}

// New builds the aggregator with the production fetchers.
func New(sources SourceStore) *Aggregator {
	client := &http.Client{Timeout: fetchTimeout}
	log := logging.Component("registry")
	return &Aggregator{
		sources: sources,
		fetchers: map[string]Fetcher{
			store.SourceKindHTTPIndex:     &httpIndexFetcher{client: client, log: log},
			store.SourceKindSourceHosting: &sourceHostingFetcher{client: client, log: log},
		},
		catalogs: make(map[string][]CatalogEntry),
		log:      log,
	}
}

// WithFetcher overrides a fetcher; used by tests.
func (a *Aggregator) WithFetcher(kind string, f Fetcher) *Aggregator {
	a.fetchers[kind] = f
	return a
}

// Refresh re-fetches one source. Failures are recorded on the source and do
// not disturb catalogs already fetched from other sources.
func (a *Aggregator) Refresh(ctx context.Context, sourceID string) error {
	srcs, err := a.sources.ListSources(ctx)
	if err != nil {
		return err
	}
	for _, src := range srcs {
		if src.SourceID == sourceID {
			return a.refreshSource(ctx, src)
		}
	}
	return api.NewError(api.ErrCodeNotFound, "source %s not found", sourceID)
}

// RefreshAll re-fetches every enabled source. Disabled sources have their
// cached catalog dropped so they stop contributing to the merged view.
func (a *Aggregator) RefreshAll(ctx context.Context) error {
	srcs, err := a.sources.ListSources(ctx)
	if err != nil {
		return err
	}
	for _, src := range srcs {
		if !src.Enabled {
			a.mu.Lock()
			delete(a.catalogs, src.SourceID)
			a.mu.Unlock()
			continue
		}
		if err := a.refreshSource(ctx, src); err != nil {
			a.log.Warn().Err(err).Str("source", src.SourceID).Msg("source refresh failed")
		}
	}
	return nil
}

func (a *Aggregator) refreshSource(ctx context.Context, src *store.SourceRegistration) error {
	fetcher, ok := a.fetchers[src.Kind]
	if !ok {
		return api.NewError(api.ErrCodeValidation, "unknown source kind %q", src.Kind)
	}

	entries, err := fetcher.Fetch(ctx, src)
	now := time.Now().UTC()
	if recErr := a.sources.RecordSourceFetch(ctx, src.SourceID, now, err); recErr != nil {
		a.log.Warn().Err(recErr).Str("source", src.SourceID).Msg("record fetch outcome failed")
	}
	if err != nil {
		metrics.RegistryFetchFailures.WithLabelValues(src.SourceID).Inc()
		return err
	}

	a.mu.Lock()
	a.catalogs[src.SourceID] = entries
	a.mu.Unlock()
	a.log.Info().Str("source", src.SourceID).Int("entries", len(entries)).Msg("catalog refreshed")
	return nil
}

// Filter narrows the merged catalog.
type Filter struct {
	Category string
	Verified *bool
	Featured *bool
	Search   string
}

// List returns the merged, deduplicated catalog matching the filter.
func (a *Aggregator) List(ctx context.Context, f Filter) ([]CatalogEntry, error) {
	merged, err := a.merged(ctx)
	if err != nil {
		return nil, err
	}
	out := merged[:0:0]
	for _, e := range merged {
		if f.Category != "" && e.Manifest.Category != f.Category {
			continue
		}
		if f.Verified != nil && e.Verified != *f.Verified {
			continue
		}
		if f.Featured != nil && e.Featured != *f.Featured {
			continue
		}
		if f.Search != "" && !matchesSearch(e, f.Search) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Get returns the winning entry for a manifest id, or nil.
func (a *Aggregator) Get(ctx context.Context, manifestID string) (*CatalogEntry, error) {
	merged, err := a.merged(ctx)
	if err != nil {
		return nil, err
	}
	for i := range merged {
		if merged[i].Manifest.ID == manifestID {
			return &merged[i], nil
		}
	}
	return nil, nil
}

// GetFrom returns the entry for a manifest id as seen by one specific source.
func (a *Aggregator) GetFrom(sourceID, manifestID string) *CatalogEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.catalogs[sourceID] {
		if e.Manifest.ID == manifestID {
			cp := e
			return &cp
		}
	}
	return nil
}

// CategoriesWithCounts returns entry counts per category in the merged view.
func (a *Aggregator) CategoriesWithCounts(ctx context.Context) (map[string]int, error) {
	merged, err := a.merged(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, e := range merged {
		if e.Manifest.Category != "" {
			counts[e.Manifest.Category]++
		}
	}
	return counts, nil
}

// Sources lists the source registrations with their fetch status.
func (a *Aggregator) Sources(ctx context.Context) ([]*store.SourceRegistration, error) {
	return a.sources.ListSources(ctx)
}

// AddSource registers a new source and fetches it immediately.
func (a *Aggregator) AddSource(ctx context.Context, src *store.SourceRegistration) error {
	if src.Kind != store.SourceKindHTTPIndex && src.Kind != store.SourceKindSourceHosting {
		return api.NewError(api.ErrCodeValidation, "unknown source kind %q", src.Kind)
	}
	if err := a.sources.UpsertSource(ctx, src); err != nil {
		return err
	}
	if src.Enabled {
		if err := a.refreshSource(ctx, src); err != nil {
			a.log.Warn().Err(err).Str("source", src.SourceID).Msg("initial fetch failed")
		}
	}
	return nil
}

// RemoveSource deletes a user-owned source and drops its catalog.
func (a *Aggregator) RemoveSource(ctx context.Context, sourceID string) error {
	if err := a.sources.DeleteSource(ctx, sourceID); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.catalogs, sourceID)
	a.mu.Unlock()
	return nil
}

// ToggleSource flips a source's enabled flag. Disabling drops its cached
// catalog; enabling fetches it.
func (a *Aggregator) ToggleSource(ctx context.Context, sourceID string) (bool, error) {
	srcs, err := a.sources.ListSources(ctx)
	if err != nil {
		return false, err
	}
	for _, src := range srcs {
		if src.SourceID != sourceID {
			continue
		}
		enabled := !src.Enabled
		if err := a.sources.SetSourceEnabled(ctx, sourceID, enabled); err != nil {
			return false, err
		}
		if enabled {
			src.Enabled = true
			if err := a.refreshSource(ctx, src); err != nil {
				a.log.Warn().Err(err).Str("source", sourceID).Msg("fetch after enable failed")
			}
		} else {
			a.mu.Lock()
			delete(a.catalogs, sourceID)
			a.mu.Unlock()
		}
		return enabled, nil
	}
	return false, api.NewError(api.ErrCodeNotFound, "source %s not found", sourceID)
}

// merged flattens the per-source catalogs under the dedup rules: duplicate
// manifest ids keep the entry from the smallest-priority source; featured
// entries sort first; ties break by descending downloads.
func (a *Aggregator) merged(ctx context.Context) ([]CatalogEntry, error) {
	srcs, err := a.sources.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	priorities := make(map[string]int, len(srcs))
	for _, src := range srcs {
		if src.Enabled {
			priorities[src.SourceID] = src.Priority
		}
	}

	a.mu.RLock()
	best := make(map[string]CatalogEntry)
	for sourceID, entries := range a.catalogs {
		prio, enabled := priorities[sourceID]
		if !enabled {
			continue
		}
		for _, e := range entries {
			cur, exists := best[e.Manifest.ID]
			if !exists || prio < priorities[cur.SourceID] {
				best[e.Manifest.ID] = e
			}
		}
	}
	a.mu.RUnlock()

	out := make([]CatalogEntry, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Featured != out[j].Featured {
			return out[i].Featured
		}
		if out[i].Downloads != out[j].Downloads {
			return out[i].Downloads > out[j].Downloads
		}
		return out[i].Manifest.ID < out[j].Manifest.ID
	})
	return out, nil
}

func matchesSearch(e CatalogEntry, query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(e.Manifest.Name), q) ||
		strings.Contains(strings.ToLower(e.Manifest.Description), q) {
		return true
	}
	for _, tag := range e.Manifest.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}
