// Package dslock implements best-effort advisory locks over the
// datastore. A lock is a short-TTL marker key holding a per-acquire
// owner token; acquisition is a transactional check-and-put retried
// with jittered backoff. The marker's TTL bounds the damage of a
// crashed holder.
package dslock

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/duke-git/lancet/v2/retry"
	"github.com/google/uuid"
	ds "github.com/ipfs/go-datastore"
	"github.com/rs/zerolog"

	"bookcache/datastore"
)

// RetryPolicy shapes the acquisition retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64
}

// DefaultRetryPolicy is 20 attempts ramping from 100ms to a 500ms cap
// with 20% jitter, roughly the write-burst contention window the cache
// sees in practice.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 20,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		JitterRatio: 0.2,
	}
}

// backoff derives retry intervals from the policy: linear ramp from
// BaseDelay up to MaxDelay, spread by ±JitterRatio so herds of writers
// do not retry in lockstep.
type backoff struct {
	policy  RetryPolicy
	attempt int
}

func (b *backoff) CalculateInterval() time.Duration {
	b.attempt++
	delay := b.policy.BaseDelay * time.Duration(b.attempt)
	if b.policy.MaxDelay > 0 && delay > b.policy.MaxDelay {
		delay = b.policy.MaxDelay
	}
	if b.policy.JitterRatio > 0 {
		spread := float64(delay) * b.policy.JitterRatio
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

var errLockHeld = errors.New("lock already held")

type Locker struct {
	ds     datastore.Datastore
	ttl    time.Duration
	policy RetryPolicy
	log    zerolog.Logger
}

func New(d datastore.Datastore, ttl time.Duration, policy RetryPolicy, log zerolog.Logger) *Locker {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Locker{
		ds:     d,
		ttl:    ttl,
		policy: policy,
		log:    log.With().Str("component", "dslock").Logger(),
	}
}

// Acquire takes the advisory lock at key and returns the owner token.
// ok is false once the retry budget is exhausted; the caller decides
// whether to proceed unlocked.
func (l *Locker) Acquire(ctx context.Context, key ds.Key) (string, bool) {
	token := uuid.NewString()
	err := retry.Retry(
		func() error { return l.tryAcquire(ctx, key, token) },
		retry.RetryTimes(uint(l.policy.MaxAttempts)),
		retry.Context(ctx),
		retry.RetryWithCustomBackoff(&backoff{policy: l.policy}),
	)
	if err != nil {
		l.log.Warn().
			Str("key", key.String()).
			Int("attempts", l.policy.MaxAttempts).
			Msg("lock not acquired")
		return "", false
	}
	return token, true
}

func (l *Locker) tryAcquire(ctx context.Context, key ds.Key, token string) error {
	txn, err := l.ds.NewTransaction(ctx, false)
	if err != nil {
		return err
	}
	defer txn.Discard(ctx)

	held, err := txn.Has(ctx, key)
	if err != nil {
		return err
	}
	if held {
		return errLockHeld
	}
	if err := txn.Put(ctx, key, []byte(token)); err != nil {
		return err
	}
	// A commit conflict means another writer won the race; the retry
	// loop treats it like a held lock.
	if err := txn.Commit(ctx); err != nil {
		return err
	}
	if err := l.ds.SetTTL(ctx, key, l.ttl); err != nil {
		l.log.Debug().Err(err).Str("key", key.String()).Msg("lock TTL not set")
	}
	return nil
}

// Release drops the marker only while token still owns it. A marker
// that expired and was re-acquired by someone else is left alone.
// Always safe to call.
func (l *Locker) Release(ctx context.Context, key ds.Key, token string) {
	txn, err := l.ds.NewTransaction(ctx, false)
	if err != nil {
		l.log.Debug().Err(err).Str("key", key.String()).Msg("lock release failed")
		return
	}
	defer txn.Discard(ctx)

	current, err := txn.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ds.ErrNotFound) {
			l.log.Debug().Err(err).Str("key", key.String()).Msg("lock read failed on release")
		}
		return
	}
	if string(current) != token {
		return
	}
	if err := txn.Delete(ctx, key); err != nil {
		l.log.Debug().Err(err).Str("key", key.String()).Msg("lock release failed")
		return
	}
	if err := txn.Commit(ctx); err != nil {
		l.log.Debug().Err(err).Str("key", key.String()).Msg("lock release failed")
	}
}
