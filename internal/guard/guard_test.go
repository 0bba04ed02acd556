package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerq/ledgerq/internal/lock"
)

func TestMemoryCache_AddIsSetIfAbsent(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache()
	ctx := context.Background()

	ok, err := c.Add(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Add(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "a live key must not be overwritten")

	v, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "first", v)
}

func TestMemoryCache_Expiry(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache()
	ctx := context.Background()

	ok, err := c.Add(ctx, "k", "v", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	// An expired key is claimable again.
	ok, err = c.Add(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReentryGuard_SkipsWithinWindow(t *testing.T) {
	t.Parallel()

	g := NewReentryGuard(NewMemoryCache())
	ctx := context.Background()

	runs := 0
	fn := func(context.Context) error { runs++; return nil }

	ran, err := g.Do(ctx, "sync", time.Minute, fn)
	require.NoError(t, err)
	require.True(t, ran)

	ran, err = g.Do(ctx, "sync", time.Minute, fn)
	require.NoError(t, err)
	require.False(t, ran, "second call inside the window must be skipped")
	require.Equal(t, 1, runs)
}

func TestReentryGuard_ConcurrentCallsRunOnce(t *testing.T) {
	t.Parallel()

	g := NewReentryGuard(NewMemoryCache())
	ctx := context.Background()

	var runs atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Do(ctx, "burst", time.Minute, func(context.Context) error {
				runs.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), runs.Load())
}

func TestIdempotencyTokens_FirstClaimWins(t *testing.T) {
	t.Parallel()

	tokens := NewIdempotencyTokens(NewMemoryCache(), lock.NewMemoryLocker(), 50*time.Millisecond)
	ctx := context.Background()

	ok, err := tokens.Claim(ctx, "evt-123", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tokens.Claim(ctx, "evt-123", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// A different token is unaffected.
	ok, err = tokens.Claim(ctx, "evt-456", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIdempotencyTokens_LockBusyIsSkip(t *testing.T) {
	t.Parallel()

	locker := lock.NewMemoryLocker()
	tokens := NewIdempotencyTokens(NewMemoryCache(), locker, 10*time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, lock.NameIdempotency, 10*time.Millisecond)
	require.NoError(t, err)
	defer release()

	ok, err := tokens.Claim(ctx, "evt-789", time.Minute)
	require.NoError(t, err, "contention is a skip, not an error")
	require.False(t, ok)
}

func TestDebouncer_Window(t *testing.T) {
	t.Parallel()

	d := NewDebouncer(30 * time.Millisecond)

	require.True(t, d.Allow("u1"))
	require.False(t, d.Allow("u1"))
	require.True(t, d.Allow("u2"), "keys debounce independently")

	time.Sleep(40 * time.Millisecond)
	require.True(t, d.Allow("u1"))
}

func TestStack_RunsAndSuppresses(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	locker := lock.NewMemoryLocker()
	s := &Stack{
		Name:        "onEdit",
		Debounce:    NewDebouncer(20 * time.Millisecond),
		Tokens:      NewIdempotencyTokens(cache, locker, 50 * time.Millisecond),
		TokenTTL:    time.Minute,
		Reentry:     NewReentryGuard(cache),
		ReentryTTL:  50 * time.Millisecond,
		Locker:      locker,
		LockTimeout: 50 * time.Millisecond,
	}
	ctx := context.Background()

	runs := 0
	fn := func(context.Context) error { runs++; return nil }

	ran, err := s.Run(ctx, "user-1", "tok-1", fn)
	require.NoError(t, err)
	require.True(t, ran)

	// Same token from another user: collapsed by the idempotency layer.
	ran, err = s.Run(ctx, "user-2", "tok-1", fn)
	require.NoError(t, err)
	require.False(t, ran)

	// Same user, fresh token: collapsed by the debounce layer.
	ran, err = s.Run(ctx, "user-1", "tok-2", fn)
	require.NoError(t, err)
	require.False(t, ran)

	require.Equal(t, 1, runs)
}

func TestStack_LockContentionIsSkip(t *testing.T) {
	t.Parallel()

	locker := lock.NewMemoryLocker()
	s := &Stack{
		Name:        "onTimer",
		Locker:      locker,
		LockTimeout: 10 * time.Millisecond,
	}
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "guard:onTimer", 10*time.Millisecond)
	require.NoError(t, err)
	defer release()

	ran, err := s.Run(ctx, "", "", func(context.Context) error {
		t.Fatal("fn must not run under contention")
		return nil
	})
	require.NoError(t, err)
	require.False(t, ran)
}
