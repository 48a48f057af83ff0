package walletconnect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestAcquireReusesProviderPerProject(t *testing.T) {
	built := atomic.NewInt32(0)
	pool := NewProviders(func(ctx context.Context, cfg ProjectConfig) (Provider, error) {
		built.Inc()
		return newFakeProvider(cfg.ProjectID), nil
	})
	ctx := context.Background()

	a, err := pool.Acquire(ctx, ProjectConfig{ProjectID: "p1"})
	require.NoError(t, err)
	b, err := pool.Acquire(ctx, ProjectConfig{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.EqualValues(t, 1, built.Load())
	assert.Equal(t, 2, pool.Refs())

	_, err = pool.Acquire(ctx, ProjectConfig{})
	assert.Error(t, err)
}

func TestAcquireCoalescesConcurrentConstruction(t *testing.T) {
	built := atomic.NewInt32(0)
	release := make(chan struct{})
	pool := NewProviders(func(ctx context.Context, cfg ProjectConfig) (Provider, error) {
		built.Inc()
		<-release
		return newFakeProvider(cfg.ProjectID), nil
	})

	const callers = 8
	var wg sync.WaitGroup
	got := make([]Provider, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := pool.Acquire(context.Background(), ProjectConfig{ProjectID: "p1"})
			assert.NoError(t, err)
			got[i] = p
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, built.Load())
	for _, p := range got {
		assert.Same(t, got[0], p)
	}
	assert.Equal(t, callers, pool.Refs())
}

func TestProjectChangeTearsDownStaleProvider(t *testing.T) {
	pool := NewProviders(func(ctx context.Context, cfg ProjectConfig) (Provider, error) {
		return newFakeProvider(cfg.ProjectID), nil
	})
	ctx := context.Background()
	first, err := pool.Acquire(ctx, ProjectConfig{ProjectID: "p1"})
	require.NoError(t, err)
	stale := first.(*fakeProvider)
	stale.addSession(Session{Topic: "t1"})
	stale.On(EventSessionDelete, func(ProviderEvent) {})

	second, err := pool.Acquire(ctx, ProjectConfig{ProjectID: "p2"})
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Zero(t, stale.Count(EventSessionDelete))
	assert.True(t, stale.closed)
	assert.Empty(t, stale.disconnected)
	assert.Equal(t, 1, pool.Refs())
}

func TestReleaseClosesOnLastReference(t *testing.T) {
	pool := NewProviders(func(ctx context.Context, cfg ProjectConfig) (Provider, error) {
		return newFakeProvider(cfg.ProjectID), nil
	})
	ctx := context.Background()
	p, _ := pool.Acquire(ctx, ProjectConfig{ProjectID: "p1"})
	_, _ = pool.Acquire(ctx, ProjectConfig{ProjectID: "p1"})

	pool.Release(p)
	assert.Same(t, p, pool.Current())
	assert.False(t, p.(*fakeProvider).closed)

	pool.Release(p)
	assert.Nil(t, pool.Current())
	assert.True(t, p.(*fakeProvider).closed)
}

func TestDestroyDisconnectsLiveSession(t *testing.T) {
	pool := NewProviders(func(ctx context.Context, cfg ProjectConfig) (Provider, error) {
		return newFakeProvider(cfg.ProjectID), nil
	})
	p, _ := pool.Acquire(context.Background(), ProjectConfig{ProjectID: "p1"})
	fp := p.(*fakeProvider)
	fp.addSession(Session{Topic: "t1"})
	fp.On(EventSessionExpire, func(ProviderEvent) {})

	pool.Destroy(context.Background())
	assert.Equal(t, []string{"t1"}, fp.disconnected)
	assert.Zero(t, fp.Count(EventSessionExpire))
	assert.Nil(t, pool.Current())
	assert.Zero(t, pool.Refs())
}

func TestEventsFanOutPerScope(t *testing.T) {
	events := NewEvents()
	var a1, a2, b int
	events.OnSession("a", func(SessionEvent) { a1++ })
	unsub := events.OnSession("a", func(SessionEvent) { a2++ })
	events.OnSession("b", func(SessionEvent) { b++ })

	events.EmitSession("a", SessionEvent{Type: SessionExpired})
	unsub()
	events.EmitSession("a", SessionEvent{Type: SessionExpired})

	assert.Equal(t, 2, a1)
	assert.Equal(t, 1, a2)
	assert.Zero(t, b)
}
