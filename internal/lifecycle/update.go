package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgeplatform/plugind/internal/events"
	"github.com/forgeplatform/plugind/internal/manifest"
	"github.com/forgeplatform/plugind/internal/store"
	"github.com/forgeplatform/plugind/pkg/api"
)

// UpdateOptions selects the new version. Exactly one field must be set.
type UpdateOptions struct {
	Manifest  json.RawMessage
	ImageTag  string
	BundleURL string
}

// Update replaces the plugin's container with a new version in place, keeping
// the allocated host port. The attempted update is recorded whether or not it
// succeeds, so the retained snapshot keeps rollback reachable; a failed
// update parks the plugin in error with whatever container it still has
// registered.
func (e *Engine) Update(ctx context.Context, pluginKey string, opts UpdateOptions) error {
	p, release, err := e.lockByKey(pluginKey)
	if err != nil {
		return err
	}
	defer release()

	next, err := e.resolveUpdateManifest(ctx, p, opts)
	if err != nil {
		return err
	}
	if next.ID != p.ManifestID {
		return api.NewError(api.ErrCodeInvalidManifest,
			"update manifest id %q does not match installed id %q", next.ID, p.ManifestID)
	}

	status, _ := e.snapshot(p)
	prev := p.Manifest.Clone()
	start := status == store.StatusRunning || status == store.StatusStarting
	swapErr := e.replaceInPlace(ctx, p, prev, next, start)

	entry := store.UpdateHistoryEntry{
		PluginKey:        pluginKey,
		FromVersion:      prev.Version,
		ToVersion:        next.Version,
		Action:           store.ActionUpdate,
		Timestamp:        time.Now().UTC(),
		PreviousManifest: prev,
	}
	if err := e.store.RecordUpdate(ctx, entry); err != nil {
		e.log.Warn().Err(err).Str("pluginKey", pluginKey).Msg("record update history failed")
	}

	if swapErr != nil {
		e.fail(ctx, p, swapErr)
		return swapErr
	}
	return nil
}

// Rollback restores the most recently retained previous version.
func (e *Engine) Rollback(ctx context.Context, pluginKey string) error {
	p, release, err := e.lockByKey(pluginKey)
	if err != nil {
		return err
	}
	defer release()

	history, err := e.store.ListHistory(ctx, pluginKey)
	if err != nil {
		return err
	}
	var prev *manifest.Manifest
	for _, entry := range history {
		if entry.PreviousManifest != nil {
			prev = entry.PreviousManifest
			break
		}
	}
	if prev == nil {
		return api.NewError(api.ErrCodeNotFound,
			"plugin %s has no retained previous version", pluginKey)
	}

	// A plugin parked in error by a failed update is brought back up; that is
	// what rollback is for.
	status, _ := e.snapshot(p)
	start := status == store.StatusRunning || status == store.StatusStarting ||
		status == store.StatusError
	current := p.Manifest.Clone()
	if err := e.replaceInPlace(ctx, p, current, prev, start); err != nil {
		e.fail(ctx, p, err)
		return err
	}

	entry := store.UpdateHistoryEntry{
		PluginKey:        pluginKey,
		FromVersion:      current.Version,
		ToVersion:        prev.Version,
		Action:           store.ActionRollback,
		Timestamp:        time.Now().UTC(),
		PreviousManifest: current,
	}
	if err := e.store.RecordUpdate(ctx, entry); err != nil {
		e.log.Warn().Err(err).Str("pluginKey", pluginKey).Msg("record rollback history failed")
	}
	return nil
}

func (e *Engine) resolveUpdateManifest(ctx context.Context, p *store.PluginInstance, opts UpdateOptions) (*manifest.Manifest, error) {
	set := 0
	for _, has := range []bool{len(opts.Manifest) > 0, opts.ImageTag != "", opts.BundleURL != ""} {
		if has {
			set++
		}
	}
	if set != 1 {
		return nil, api.NewError(api.ErrCodeValidation,
			"exactly one of manifest, imageTag or bundleUrl is required")
	}

	var next *manifest.Manifest
	switch {
	case opts.ImageTag != "":
		next = p.Manifest.Clone()
		next.Image.Tag = opts.ImageTag
		next.Image.Digest = ""
	case opts.BundleURL != "":
		fetched, err := e.fetchManifest(ctx, opts.BundleURL)
		if err != nil {
			return nil, err
		}
		next = fetched
	default:
		parsed, err := manifest.Parse(opts.Manifest)
		if err != nil {
			return nil, api.WrapError(api.ErrCodeInvalidManifest, err, "parse update manifest")
		}
		next = parsed
	}

	if err := next.Validate(); err != nil {
		apiErr := api.WrapError(api.ErrCodeInvalidManifest, err, "update manifest rejected")
		var ve *manifest.ValidationError
		if errors.As(err, &ve) {
			apiErr = apiErr.WithDetails(ve.Details())
		}
		return nil, apiErr
	}
	return next, nil
}

// replaceInPlace swaps the container for one built from next, reusing the
// allocated host port. A swap failure recreates prev best effort; when that
// also fails both errors surface. Parking the plugin on failure is the
// caller's job.
func (e *Engine) replaceInPlace(ctx context.Context, p *store.PluginInstance, prev, next *manifest.Manifest, start bool) error {
	ref := next.Image.Ref()
	exists, err := e.driver.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if !exists {
		if err := e.driver.PullImage(ctx, ref); err != nil {
			return api.WrapError(api.ErrCodeImagePullFailed, err, "pull %s", ref)
		}
	}

	if err := e.swapContainer(ctx, p, next, start); err != nil {
		e.log.Warn().Err(err).Str("pluginKey", p.PluginKey).
			Str("toVersion", next.Version).Msg("update failed, restoring previous version")
		if restoreErr := e.swapContainer(ctx, p, prev, start); restoreErr != nil {
			both := fmt.Errorf("update failed: %v; restore of %s also failed: %w",
				err, prev.Version, restoreErr)
			return api.WrapError(api.CodeOf(err), both, "update and rollback both failed")
		}
		return err
	}
	return nil
}

// swapContainer stops and removes the current container, recreates it from m
// at the same host port and starts it when requested.
func (e *Engine) swapContainer(ctx context.Context, p *store.PluginInstance, m *manifest.Manifest, start bool) error {
	_, containerID := e.snapshot(p)
	if containerID != "" {
		if err := e.driver.StopContainer(ctx, containerID, stopGrace); err != nil {
			return err
		}
		if err := e.driver.RemoveContainer(ctx, containerID, true); err != nil {
			return err
		}
		e.mu.Lock()
		p.ContainerID = ""
		e.mu.Unlock()
	}

	e.mu.Lock()
	p.Manifest = m
	e.mu.Unlock()
	if err := e.provision(ctx, p); err != nil {
		return err
	}

	_, newID := e.snapshot(p)
	delta := map[string]any{
		"manifest":    m,
		"containerId": newID,
	}
	if !start {
		e.mu.Lock()
		p.Status = store.StatusInstalled
		e.mu.Unlock()
		delta["status"] = store.StatusInstalled
		if err := e.store.PatchPlugin(ctx, p.PluginKey, delta); err != nil {
			e.log.Warn().Err(err).Str("pluginKey", p.PluginKey).Msg("persist update failed")
		}
		e.publishStatusGauges()
		return nil
	}

	if err := e.driver.StartContainer(ctx, newID); err != nil {
		return err
	}
	now := time.Now().UTC()
	e.mu.Lock()
	p.StartedAt = &now
	p.Status = store.StatusRunning
	p.LastError = ""
	e.mu.Unlock()
	delta["status"] = store.StatusRunning
	delta["startedAt"] = now
	delta["lastError"] = ""
	if err := e.store.PatchPlugin(ctx, p.PluginKey, delta); err != nil {
		e.log.Warn().Err(err).Str("pluginKey", p.PluginKey).Msg("persist update failed")
	}
	e.publishStatusGauges()
	e.bus.Emit(events.KindStarted, p.PluginKey, map[string]any{"version": m.Version})
	e.publishRoute(ctx, p)
	e.health.watch(p.PluginKey)
	return nil
}
