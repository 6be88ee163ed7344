// Package registry aggregates plugin catalogs from remote sources and
// validates offline plugin packages.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeplatform/plugind/internal/manifest"
	"github.com/forgeplatform/plugind/internal/store"
	"github.com/forgeplatform/plugind/pkg/api"
)

// CatalogEntry is one plugin as seen in an aggregated catalog.
type CatalogEntry struct {
	SourceID    string             `json:"sourceId"`
	Manifest    *manifest.Manifest `json:"manifest"`
	Downloads   int                `json:"downloads,omitempty"`
	Rating      float64            `json:"rating,omitempty"`
	Verified    bool               `json:"verified"`
	Featured    bool               `json:"featured"`
	PublishedAt time.Time          `json:"publishedAt,omitempty"`
	UpdatedAt   time.Time          `json:"updatedAt,omitempty"`
}

// Fetcher retrieves the catalog for one source kind.
type Fetcher interface {
	Fetch(ctx context.Context, src *store.SourceRegistration) ([]CatalogEntry, error)
}

const fetchTimeout = 30 * time.Second

// maxIndexBytes caps a remote index document.
const maxIndexBytes = 16 << 20

// httpIndexFetcher pulls a single JSON index document.
type httpIndexFetcher struct {
	client *http.Client
	log    zerolog.Logger
}

// indexDocument is the http-index wire format. Unknown fields are ignored;
// malformed entries are dropped individually.
type indexDocument struct {
	Version  string `json:"version"`
	Registry struct {
		Name string `json:"name"`
	} `json:"registry"`
	Plugins []json.RawMessage `json:"plugins"`
}

func (f *httpIndexFetcher) Fetch(ctx context.Context, src *store.SourceRegistration) ([]CatalogEntry, error) {
	data, err := f.get(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, api.WrapError(api.ErrCodeRegistryFetch, err, "parse index from %s", src.URL)
	}

	entries := make([]CatalogEntry, 0, len(doc.Plugins))
	for i, raw := range doc.Plugins {
		var entry CatalogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			f.log.Warn().Err(err).Str("source", src.SourceID).Int("entry", i).
				Msg("dropping malformed catalog entry")
			continue
		}
		if entry.Manifest == nil {
			f.log.Warn().Str("source", src.SourceID).Int("entry", i).
				Msg("dropping catalog entry without manifest")
			continue
		}
		entry.Manifest.ApplyDefaults()
		if err := entry.Manifest.Validate(); err != nil {
			f.log.Warn().Err(err).Str("source", src.SourceID).Str("id", entry.Manifest.ID).
				Msg("dropping catalog entry with invalid manifest")
			continue
		}
		entry.SourceID = src.SourceID
		entries = append(entries, entry)
	}
	return entries, nil
}

func (f *httpIndexFetcher) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeRegistryFetch, err, "build request for %s", url)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeRegistryFetch, err, "fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, api.NewError(api.ErrCodeRegistryFetch, "fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxIndexBytes))
}

// sourceHostingFetcher resolves a repository to its manifest.json at the
// default branch; the single plugin becomes a one-entry catalog.
type sourceHostingFetcher struct {
	client *http.Client
	log    zerolog.Logger
}

func (f *sourceHostingFetcher) Fetch(ctx context.Context, src *store.SourceRegistration) ([]CatalogEntry, error) {
	owner, repo, err := splitRepository(src.URL)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeRegistryFetch, err, "resolve repository %s", src.URL)
	}

	idx := httpIndexFetcher{client: f.client, log: f.log}
	var lastErr error
	for _, branch := range []string{"main", "master"} {
		url := fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/manifest.json", owner, repo, branch)
		data, err := idx.get(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		m, err := manifest.Parse(data)
		if err != nil {
			return nil, api.WrapError(api.ErrCodeRegistryFetch, err, "parse manifest from %s", url)
		}
		if err := m.Validate(); err != nil {
			return nil, api.WrapError(api.ErrCodeRegistryFetch, err, "manifest from %s", url)
		}
		return []CatalogEntry{{
			SourceID:  src.SourceID,
			Manifest:  m,
			UpdatedAt: time.Now().UTC(),
		}}, nil
	}
	return nil, lastErr
}

// FetchRepositoryManifest resolves an owner/repo reference to its manifest,
// without requiring a registered source.
func (a *Aggregator) FetchRepositoryManifest(ctx context.Context, repository string) (*manifest.Manifest, error) {
	fetcher, ok := a.fetchers[store.SourceKindSourceHosting]
	if !ok {
		return nil, api.NewError(api.ErrCodeInternal, "source-hosting fetcher unavailable")
	}
	entries, err := fetcher.Fetch(ctx, &store.SourceRegistration{
		SourceID: "adhoc",
		URL:      repository,
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, api.NewError(api.ErrCodeNotFound, "no manifest found in %s", repository)
	}
	return entries[0].Manifest, nil
}

// splitRepository accepts "owner/repo", "github.com/owner/repo" or a full
// https URL and returns the owner and repository names.
func splitRepository(ref string) (owner, repo string, err error) {
	ref = strings.TrimPrefix(ref, "https://")
	ref = strings.TrimPrefix(ref, "http://")
	ref = strings.TrimPrefix(ref, "github.com/")
	ref = strings.TrimSuffix(strings.TrimSuffix(ref, "/"), ".git")
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("not an owner/repo reference: %q", ref)
	}
	return parts[0], parts[1], nil
}
