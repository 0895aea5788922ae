package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry(0).CheckAll(context.Background())
	assert.True(t, healthy, "empty registry should be healthy")
	assert.Empty(t, statuses)
}

func TestRegistryKeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("base-rpc", Height(func(context.Context) (uint64, error) {
		time.Sleep(20 * time.Millisecond)
		return 1234, nil
	}))
	r.Register("subgraph", Ping(func(context.Context) error { return nil }))

	healthy, statuses := r.CheckAll(context.Background())
	require.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "base-rpc", statuses[0].Name)
	assert.Equal(t, "height 1234", statuses[0].Detail)
	assert.GreaterOrEqual(t, statuses[0].LatencyMS, int64(20))
	assert.Equal(t, "subgraph", statuses[1].Name)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("base-rpc", Height(func(context.Context) (uint64, error) { return 10, nil }))
	r.Register("solana-rpc", Ping(func(context.Context) error { return errors.New("connection refused") }))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.False(t, statuses[1].Healthy)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestHeightZeroIsUnhealthy(t *testing.T) {
	s := Height(func(context.Context) (uint64, error) { return 0, nil })(context.Background())
	assert.False(t, s.Healthy)
	assert.Contains(t, s.Detail, "height 0")
}

func TestCheckTimesOut(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("stuck", Ping(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(time.Second)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", Ping(func(context.Context) error { return nil }))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, r.Len())
}
