package ledgerq

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerq/ledgerq/internal/guard"
)

// TriggerOptions tunes the guard layers applied to one trigger. Zero
// fields disable the corresponding layer, except ReentryTTL which
// defaults to a minute: an unguarded reentrant trigger defeats the
// purpose of declaring one.
type TriggerOptions struct {
	// DebounceWindow suppresses immediate repeats from the same user.
	DebounceWindow time.Duration

	// Cooldown suppresses the trigger as a whole, regardless of user.
	Cooldown time.Duration

	// TokenTTL is how long a claimed idempotency token stays claimed.
	// Token claiming is only active when the caller passes a token.
	TokenTTL time.Duration

	// ReentryTTL is the window within which overlapping executions of
	// this trigger collapse to one.
	ReentryTTL time.Duration
}

// Trigger guards an externally driven entry point (a webhook, a UI
// event, an edit callback) that enqueues work. Duplicate and overlapping
// invocations are collapsed instead of producing duplicate jobs.
//
//	onEdit := bundle.Trigger("onEdit", ledgerq.TriggerOptions{
//	    DebounceWindow: 2 * time.Second,
//	    TokenTTL:       time.Minute,
//	})
//
//	ran, err := onEdit.Run(ctx, userID, eventID, func(ctx context.Context) error {
//	    _, err := bundle.Enqueuer.Enqueue(ctx, "reindex", nil, ledgerq.Options{})
//	    return err
//	})
type Trigger struct {
	stack *guard.Stack
}

// Trigger builds a guarded entry point named name, sharing the bundle's
// locker and guard cache.
func (b *Bundle) Trigger(name string, opts TriggerOptions) *Trigger {
	if opts.ReentryTTL <= 0 {
		opts.ReentryTTL = time.Minute
	}

	s := &guard.Stack{
		Name:        name,
		Reentry:     guard.NewReentryGuard(b.guardCache),
		ReentryTTL:  opts.ReentryTTL,
		Locker:      b.locker,
		LockTimeout: b.cfg.LockTimeout,
	}
	if opts.DebounceWindow > 0 {
		s.Debounce = guard.NewDebouncer(opts.DebounceWindow)
	}
	if opts.Cooldown > 0 {
		s.Cooldown = guard.NewDebouncer(opts.Cooldown)
	}
	if opts.TokenTTL > 0 {
		s.Tokens = guard.NewIdempotencyTokens(b.guardCache, b.locker, b.cfg.LockTimeout)
		s.TokenTTL = opts.TokenTTL
	}
	return &Trigger{stack: s}
}

// Run applies the trigger's guard layers and executes fn if every layer
// passes. It reports whether fn ran; suppression is silent because
// duplicate triggers are expected, not exceptional. An empty token skips
// the idempotency layer.
func (tr *Trigger) Run(ctx context.Context, user, token string, fn func(context.Context) error) (bool, error) {
	return tr.stack.Run(ctx, user, token, fn)
}

// UseRedisGuards switches the bundle's guard state (reentry marks and
// idempotency tokens) to Redis, so triggers collapse duplicates across
// processes. Call it before building any Trigger.
func (b *Bundle) UseRedisGuards(client *redis.Client) {
	b.guardCache = guard.NewRedisCache(client, "ledgerq:")
}
