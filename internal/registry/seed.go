package registry

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/forgeplatform/plugind/internal/store"
)

// seedDocument is the on-disk format for the default source list.
type seedDocument struct {
	Sources []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		URL      string `json:"url"`
		Kind     string `json:"kind"`
		Enabled  *bool  `json:"enabled,omitempty"`
		Priority int    `json:"priority"`
	} `json:"sources"`
}

// ApplySeed upserts the default sources from a seed file. Entries become
// isDefault registrations that users can disable but not delete.
func (a *Aggregator) ApplySeed(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc seedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	for _, s := range doc.Sources {
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		src := &store.SourceRegistration{
			SourceID:  s.ID,
			Name:      s.Name,
			URL:       s.URL,
			Kind:      s.Kind,
			Enabled:   enabled,
			Priority:  s.Priority,
			IsDefault: true,
		}
		if err := a.sources.UpsertSource(ctx, src); err != nil {
			a.log.Warn().Err(err).Str("source", s.ID).Msg("seed source upsert failed")
		}
	}
	a.log.Info().Str("path", path).Int("sources", len(doc.Sources)).Msg("seed sources applied")
	return nil
}

// WatchSeed re-applies the seed file whenever it changes, then refreshes all
// sources. Blocks until ctx is done.
func (a *Aggregator) WatchSeed(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}

	// Editors replace rather than rewrite; debounce and re-add the path.
	var timer *time.Timer
	reload := func() {
		if err := a.ApplySeed(ctx, path); err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("seed reload failed")
			return
		}
		_ = watcher.Add(path)
		if err := a.RefreshAll(ctx); err != nil {
			a.log.Warn().Err(err).Msg("refresh after seed reload failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(500*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Warn().Err(err).Msg("seed watcher error")
		}
	}
}

// StartRefreshSchedule runs RefreshAll on the given cron expression until ctx
// is done. Returns the scheduler so callers can stop it explicitly.
func (a *Aggregator) StartRefreshSchedule(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := a.RefreshAll(ctx); err != nil {
			a.log.Warn().Err(err).Msg("scheduled refresh failed")
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}
