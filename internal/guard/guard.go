// Package guard implements the reentry and idempotency layers that sit in
// front of externally triggered entry points: a TTL-based reentry guard,
// atomic idempotency tokens, and a per-user debounce window.
//
// The layers are independent and composable; Stack applies them in a
// fixed order so that cheap checks reject duplicate work before expensive
// locks are attempted. All of them are best-effort (cache-based, not
// transactional): they collapse duplicates, they do not serialize the
// world.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ledgerq/ledgerq/internal/lock"
)

// ReentryGuard suppresses overlapping or duplicate execution of a guarded
// action within a TTL window. It checks an in-process map first, then the
// shared cache, so concurrent invocations across processes converge on at
// most one execution per key per window.
type ReentryGuard struct {
	cache Cache
	log   *slog.Logger

	mu    sync.Mutex
	local map[string]time.Time // key -> busy-until
}

// NewReentryGuard creates a ReentryGuard over the given cache.
func NewReentryGuard(cache Cache) *ReentryGuard {
	return &ReentryGuard{
		cache: cache,
		log:   slog.Default(),
		local: make(map[string]time.Time),
	}
}

// Do runs fn unless the key is busy within the TTL window, in which case
// it skips silently and reports ran=false. The busy mark is left to
// expire on its own; finishing early does not reopen the window.
func (g *ReentryGuard) Do(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (ran bool, err error) {
	now := time.Now()

	g.mu.Lock()
	if until, ok := g.local[key]; ok && until.After(now) {
		g.mu.Unlock()
		return false, nil
	}
	for k, until := range g.local {
		if !until.After(now) {
			delete(g.local, k)
		}
	}
	g.local[key] = now.Add(ttl)
	g.mu.Unlock()

	ok, err := g.cache.Add(ctx, "reentry:"+key, "busy", ttl)
	if err != nil {
		// A broken cache must not wedge the action; fall back to the
		// local map only.
		g.log.WarnContext(ctx, "reentry_cache_error", slog.String("key", key), slog.Any("error", err))
	} else if !ok {
		return false, nil
	}

	return true, fn(ctx)
}

// IdempotencyTokens collapses many rapid external triggers into a single
// logical action: the first claim of a token within the TTL wins, later
// claims are rejected.
type IdempotencyTokens struct {
	cache  Cache
	locker lock.Locker
	wait   time.Duration
}

// NewIdempotencyTokens creates an IdempotencyTokens helper. The locker
// serializes claims so check-then-set races cannot double-claim; wait is
// the lock acquisition window.
func NewIdempotencyTokens(cache Cache, locker lock.Locker, wait time.Duration) *IdempotencyTokens {
	return &IdempotencyTokens{cache: cache, locker: locker, wait: wait}
}

// Claim atomically claims the token for ttl. It returns false both when
// the token is already claimed and when the idempotency lock is busy;
// in either case the caller should skip its action.
func (t *IdempotencyTokens) Claim(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	release, err := t.locker.Acquire(ctx, lock.NameIdempotency, t.wait)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return false, nil
		}
		return false, err
	}
	defer release()

	return t.cache.Add(ctx, "idem:"+token, "claimed", ttl)
}

// Debouncer is a pure time-window suppressor keyed by user or action:
// the first call for a key passes, immediate repeats within the window
// are rejected. It has no shared state and no error paths.
type Debouncer struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewDebouncer creates a Debouncer with the given suppression window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		last:   make(map[string]time.Time),
	}
}

// Allow reports whether the key is outside its suppression window, and
// restarts the window when it is.
func (d *Debouncer) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if last, ok := d.last[key]; ok && now.Sub(last) < d.window {
		return false
	}

	for k, at := range d.last {
		if now.Sub(at) >= d.window {
			delete(d.last, k)
		}
	}
	d.last[key] = now
	return true
}

// Stack composes the guard layers around a single guarded action, in the
// fixed order debounce -> idempotency claim -> cooldown -> reentry ->
// mutual-exclusion lock -> fn. Nil layers are skipped.
type Stack struct {
	// Name scopes the reentry key and the lock name.
	Name string

	// Debounce suppresses immediate repeats per user.
	Debounce *Debouncer

	// Tokens collapses rapid triggers carrying the same idempotency token.
	Tokens   *IdempotencyTokens
	TokenTTL time.Duration

	// Cooldown suppresses the action as a whole, independent of user.
	Cooldown *Debouncer

	// Reentry suppresses overlapping executions.
	Reentry    *ReentryGuard
	ReentryTTL time.Duration

	// Locker serializes the survivors.
	Locker      lock.Locker
	LockTimeout time.Duration
}

// Run applies the stacked guards and runs fn if every layer passes.
// It reports whether fn ran. Rejection by any layer is silent: duplicate
// triggers are expected, not exceptional.
func (s *Stack) Run(ctx context.Context, user, token string, fn func(context.Context) error) (ran bool, err error) {
	if s.Debounce != nil && !s.Debounce.Allow(s.Name+":"+user) {
		return false, nil
	}

	if s.Tokens != nil && token != "" {
		ok, err := s.Tokens.Claim(ctx, token, s.TokenTTL)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	if s.Cooldown != nil && !s.Cooldown.Allow(s.Name) {
		return false, nil
	}

	guarded := fn
	if s.Locker != nil {
		inner := guarded
		guarded = func(ctx context.Context) error {
			release, err := s.Locker.Acquire(ctx, "guard:"+s.Name, s.LockTimeout)
			if err != nil {
				return err
			}
			defer release()
			return inner(ctx)
		}
	}

	if s.Reentry != nil {
		ran, err = s.Reentry.Do(ctx, s.Name, s.ReentryTTL, guarded)
	} else {
		ran, err = true, guarded(ctx)
	}
	if errors.Is(err, lock.ErrBusy) {
		// Lock contention is a skip, not a failure.
		return false, nil
	}
	return ran, err
}
