package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAPI overrides the few daemon calls a test needs; everything else
// panics via the embedded nil interface.
type stubAPI struct {
	client.APIClient

	pullCalls int
	pullErr   error

	startCalls int
	startErr   error
}

func (s *stubAPI) ImagePull(ctx context.Context, ref string, opts types.ImagePullOptions) (io.ReadCloser, error) {
	s.pullCalls++
	if s.pullErr != nil {
		return nil, s.pullErr
	}
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (s *stubAPI) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	s.startCalls++
	return s.startErr
}

func TestPullImageDrainsStream(t *testing.T) {
	stub := &stubAPI{}
	d := NewWithClient(stub, "plugind-")

	require.NoError(t, d.PullImage(context.Background(), "registry.local/echo:1.0"))
	assert.Equal(t, 1, stub.pullCalls)
}

// A transient daemon failure surfaces after a single attempt; the caller
// decides whether to try the operation again.
func TestPullImageDoesNotRetryTransientFailures(t *testing.T) {
	stub := &stubAPI{pullErr: errdefs.System(errors.New("registry connection reset"))}
	d := NewWithClient(stub, "plugind-")

	err := d.PullImage(context.Background(), "registry.local/echo:1.0")
	require.Error(t, err)
	assert.Equal(t, 1, stub.pullCalls)
	assert.True(t, IsTemporary(err))
}

func TestStartContainerDoesNotRetryTransientFailures(t *testing.T) {
	stub := &stubAPI{startErr: errdefs.Unavailable(errors.New("daemon busy"))}
	d := NewWithClient(stub, "plugind-")

	err := d.StartContainer(context.Background(), "ctr-1")
	require.Error(t, err)
	assert.Equal(t, 1, stub.startCalls)
	assert.True(t, IsTemporary(err))
}

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"not found", errdefs.NotFound(errors.New("no such container")), KindNotFound},
		{"conflict", errdefs.Conflict(errors.New("name taken")), KindConflict},
		{"bad request", errdefs.InvalidParameter(errors.New("bad mount")), KindBadRequest},
		{"system", errdefs.System(errors.New("io error")), KindTemporary},
		{"unavailable", errdefs.Unavailable(errors.New("starting up")), KindTemporary},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"plain", errors.New("mystery"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", "ref", tt.err)
			var de *DriverError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.want, de.Kind)
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify("op", "ref", nil))
}

func TestManifestIDFromName(t *testing.T) {
	d := NewWithClient(&stubAPI{}, "plugind-")

	id, ok := d.ManifestIDFromName("/plugind-echo")
	assert.True(t, ok)
	assert.Equal(t, "echo", id)

	_, ok = d.ManifestIDFromName("unrelated")
	assert.False(t, ok)
}
