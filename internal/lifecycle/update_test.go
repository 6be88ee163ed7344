package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeplatform/plugind/internal/manifest"
	"github.com/forgeplatform/plugind/internal/store"
	"github.com/forgeplatform/plugind/pkg/api"
)

func rawManifest(t *testing.T, m *manifest.Manifest) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func nextVersion(id string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:            id,
		Version:       "2.0.0",
		Image:         manifest.Image{Repository: "registry.local/" + id, Tag: "2.0.0"},
		ContainerPort: 8080,
	}
}

func TestUpdateReplacesInPlace(t *testing.T) {
	f := newFixture(t)
	p := f.mustInstall(t, testManifest("echo"))
	oldContainer := p.ContainerID
	ctx := context.Background()

	err := f.engine.Update(ctx, p.PluginKey, UpdateOptions{
		Manifest: rawManifest(t, nextVersion("echo")),
	})
	require.NoError(t, err)

	got, err := f.engine.Get(p.PluginKey)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Manifest.Version)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.NotEqual(t, oldContainer, got.ContainerID)
	// Same host port across the swap.
	assert.Equal(t, p.HostPort, got.HostPort)
	assert.Nil(t, f.driver.container(oldContainer))
	assert.True(t, f.driver.container(got.ContainerID).running)

	history, err := f.engine.History(ctx, p.PluginKey)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.ActionUpdate, history[0].Action)
	assert.Equal(t, "1.0.0", history[0].FromVersion)
	assert.Equal(t, "2.0.0", history[0].ToVersion)
	require.NotNil(t, history[0].PreviousManifest)
	assert.Equal(t, "1.0.0", history[0].PreviousManifest.Version)
}

func TestUpdateStoppedPluginStaysStopped(t *testing.T) {
	f := newFixture(t)
	p := f.mustInstall(t, testManifest("echo"))
	ctx := context.Background()
	require.NoError(t, f.engine.Stop(ctx, p.PluginKey))

	err := f.engine.Update(ctx, p.PluginKey, UpdateOptions{
		Manifest: rawManifest(t, nextVersion("echo")),
	})
	require.NoError(t, err)

	got, err := f.engine.Get(p.PluginKey)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Manifest.Version)
	assert.Equal(t, store.StatusInstalled, got.Status)
	assert.False(t, f.driver.container(got.ContainerID).running)
}

func TestUpdateByImageTag(t *testing.T) {
	f := newFixture(t)
	p := f.mustInstall(t, testManifest("echo"))

	err := f.engine.Update(context.Background(), p.PluginKey, UpdateOptions{ImageTag: "1.1.0"})
	require.NoError(t, err)

	got, err := f.engine.Get(p.PluginKey)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", got.Manifest.Image.Tag)
	assert.Contains(t, f.driver.pulled, "registry.local/echo:1.1.0")
}

func TestUpdateRequiresExactlyOneSelector(t *testing.T) {
	f := newFixture(t)
	p := f.mustInstall(t, testManifest("echo"))
	ctx := context.Background()

	err := f.engine.Update(ctx, p.PluginKey, UpdateOptions{})
	assert.Equal(t, api.ErrCodeValidation, api.CodeOf(err))

	err = f.engine.Update(ctx, p.PluginKey, UpdateOptions{
		ImageTag: "2.0", BundleURL: "https://example.com/m.json",
	})
	assert.Equal(t, api.ErrCodeValidation, api.CodeOf(err))
}

func TestUpdateRejectsManifestIDChange(t *testing.T) {
	f := newFixture(t)
	p := f.mustInstall(t, testManifest("echo"))

	err := f.engine.Update(context.Background(), p.PluginKey, UpdateOptions{
		Manifest: rawManifest(t, nextVersion("different")),
	})
	assert.Equal(t, api.ErrCodeInvalidManifest, api.CodeOf(err))
}

func TestUpdateFailureRestoresPreviousVersionAndParksInError(t *testing.T) {
	f := newFixture(t)
	p := f.mustInstall(t, testManifest("echo"))
	ctx := context.Background()

	// New image pulls fine; container creation for it fails once.
	f.driver.images["registry.local/echo:2.0.0"] = true
	f.driver.createErrs["registry.local/echo:2.0.0"] = errors.New("invalid mount spec")

	err := f.engine.Update(ctx, p.PluginKey, UpdateOptions{
		Manifest: rawManifest(t, nextVersion("echo")),
	})
	require.Error(t, err)

	// The previous version is recreated and kept registered, but the failed
	// update leaves the plugin parked in error.
	got, getErr := f.engine.Get(p.PluginKey)
	require.NoError(t, getErr)
	assert.Equal(t, "1.0.0", got.Manifest.Version)
	assert.Equal(t, store.StatusError, got.Status)
	assert.Contains(t, got.LastError, "invalid mount spec")
	assert.True(t, f.driver.container(got.ContainerID).running)

	// The attempt is recorded so rollback stays reachable.
	history, err := f.engine.History(ctx, p.PluginKey)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.ActionUpdate, history[0].Action)

	// Start clears the error state.
	require.NoError(t, f.engine.Start(ctx, p.PluginKey))
	got, getErr = f.engine.Get(p.PluginKey)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Empty(t, got.LastError)
}

func TestUpdatePullFailureRollbackRecovers(t *testing.T) {
	f := newFixture(t)
	p := f.mustInstall(t, testManifest("echo"))
	oldContainer := p.ContainerID
	ctx := context.Background()

	f.driver.pullErrs["registry.local/echo:1.1.0"] = errors.New("registry unreachable")

	err := f.engine.Update(ctx, p.PluginKey, UpdateOptions{ImageTag: "1.1.0"})
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeImagePullFailed, api.CodeOf(err))

	// The old container survives the failed pull; the plugin rests in error.
	got, getErr := f.engine.Get(p.PluginKey)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusError, got.Status)
	assert.Equal(t, oldContainer, got.ContainerID)
	assert.True(t, f.driver.container(oldContainer).running)

	history, err := f.engine.History(ctx, p.PluginKey)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.ActionUpdate, history[0].Action)

	// Rollback brings the retained version back up.
	require.NoError(t, f.engine.Rollback(ctx, p.PluginKey))

	got, getErr = f.engine.Get(p.PluginKey)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Equal(t, "1.0.0", got.Manifest.Image.Tag)
	assert.True(t, f.driver.container(got.ContainerID).running)

	history, err = f.engine.History(ctx, p.PluginKey)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.ActionRollback, history[0].Action)
	assert.Equal(t, store.ActionUpdate, history[1].Action)
}

func TestUpdateAndRestoreBothFailingParksInError(t *testing.T) {
	f := newFixture(t)
	p := f.mustInstall(t, testManifest("echo"))
	ctx := context.Background()

	f.driver.images["registry.local/echo:2.0.0"] = true
	f.driver.createErrs["registry.local/echo:2.0.0"] = errors.New("new version broken")
	f.driver.createErrs["registry.local/echo:1.0.0"] = errors.New("old version also broken")

	err := f.engine.Update(ctx, p.PluginKey, UpdateOptions{
		Manifest: rawManifest(t, nextVersion("echo")),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "new version broken")
	assert.Contains(t, err.Error(), "old version also broken")

	got, getErr := f.engine.Get(p.PluginKey)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusError, got.Status)

	// Even the double failure records the attempt.
	history, err := f.engine.History(ctx, p.PluginKey)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.ActionUpdate, history[0].Action)
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	p := f.mustInstall(t, testManifest("echo"))
	ctx := context.Background()

	require.NoError(t, f.engine.Update(ctx, p.PluginKey, UpdateOptions{
		Manifest: rawManifest(t, nextVersion("echo")),
	}))

	require.NoError(t, f.engine.Rollback(ctx, p.PluginKey))

	got, err := f.engine.Get(p.PluginKey)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Manifest.Version)
	assert.Equal(t, store.StatusRunning, got.Status)

	history, err := f.engine.History(ctx, p.PluginKey)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.ActionRollback, history[0].Action)
	assert.Equal(t, "2.0.0", history[0].FromVersion)
	assert.Equal(t, "1.0.0", history[0].ToVersion)
	// The rolled-back-from version is retained for a forward rollback.
	require.NotNil(t, history[0].PreviousManifest)
	assert.Equal(t, "2.0.0", history[0].PreviousManifest.Version)
}

func TestRollbackWithoutHistory(t *testing.T) {
	f := newFixture(t)
	p := f.mustInstall(t, testManifest("echo"))

	err := f.engine.Rollback(context.Background(), p.PluginKey)
	assert.Equal(t, api.ErrCodeNotFound, api.CodeOf(err))
}

func TestUpdateUnknownPlugin(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Update(context.Background(), "missing", UpdateOptions{ImageTag: "2"})
	assert.Equal(t, api.ErrCodeNotFound, api.CodeOf(err))
}
