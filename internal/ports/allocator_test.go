package ports

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeplatform/plugind/pkg/api"
)

func TestAllocateSmallestFree(t *testing.T) {
	a := New(9000, 9003, nil)
	ctx := context.Background()

	p1, err := a.Allocate(ctx)
	require.NoError(t, err)
	p2, err := a.Allocate(ctx)
	require.NoError(t, err)

	assert.Equal(t, 9000, p1)
	assert.Equal(t, 9001, p2)
	assert.Equal(t, 2, a.InUseCount())
}

func TestAllocateExhaustion(t *testing.T) {
	a := New(9000, 9001, nil)
	ctx := context.Background()

	_, err := a.Allocate(ctx)
	require.NoError(t, err)
	_, err = a.Allocate(ctx)
	require.NoError(t, err)

	_, err = a.Allocate(ctx)
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeNoPortAvailable, api.CodeOf(err))
}

func TestAllocateSkipsPublishedPorts(t *testing.T) {
	published := func(ctx context.Context) (map[int]struct{}, error) {
		return map[int]struct{}{9000: {}, 9001: {}}, nil
	}
	a := New(9000, 9005, published)

	p, err := a.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9002, p)
}

func TestAllocateDegradesOnDaemonError(t *testing.T) {
	published := func(ctx context.Context) (map[int]struct{}, error) {
		return nil, errors.New("daemon down")
	}
	a := New(9000, 9005, published)

	p, err := a.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9000, p)
}

func TestSeedAndRelease(t *testing.T) {
	a := New(9000, 9005, nil)
	a.Seed([]int{9000, 9001, 9002})

	p, err := a.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9003, p)

	a.Release(9001)
	p, err = a.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9001, p)

	// Releasing an unknown port is a no-op.
	a.Release(9999)
	assert.Equal(t, 4, a.InUseCount())
}

func TestAllocateFixed(t *testing.T) {
	a := New(9000, 9005, func(ctx context.Context) (map[int]struct{}, error) {
		return map[int]struct{}{9004: {}}, nil
	})
	ctx := context.Background()

	require.NoError(t, a.AllocateFixed(ctx, 9002))

	err := a.AllocateFixed(ctx, 9002)
	assert.Equal(t, api.ErrCodePortInUse, api.CodeOf(err))

	err = a.AllocateFixed(ctx, 8080)
	assert.Equal(t, api.ErrCodePortInUse, api.CodeOf(err))

	err = a.AllocateFixed(ctx, 9004)
	assert.Equal(t, api.ErrCodePortInUse, api.CodeOf(err))
}

func TestConcurrentAllocationsAreUnique(t *testing.T) {
	a := New(9000, 9099, nil)
	ctx := context.Background()

	results := make(chan int, 50)
	for i := 0; i < 50; i++ {
		go func() {
			p, err := a.Allocate(ctx)
			require.NoError(t, err)
			results <- p
		}()
	}

	seen := make(map[int]bool)
	for i := 0; i < 50; i++ {
		p := <-results
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
	}
}
