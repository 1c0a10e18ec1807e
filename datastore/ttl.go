package datastore

import (
	"context"
	"fmt"
	"sort"
	"time"

	ds "github.com/ipfs/go-datastore"
)

// TTLStats summarizes expiration state for all keys under a prefix.
type TTLStats struct {
	TotalKeys       int           `json:"total_keys"`
	ExpiredKeys     int           `json:"expired_keys"`
	ExpiringKeys    int           `json:"expiring_keys"` // expiring within the next 5 minutes
	KeysWithoutTTL  int           `json:"keys_without_ttl"`
	AverageTimeLeft time.Duration `json:"average_time_left"`
	NextExpiration  *time.Time    `json:"next_expiration,omitempty"`
}

// TTLKeyStatus reports the expiration state of a single key.
type TTLKeyStatus struct {
	Key       ds.Key        `json:"key"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	TimeLeft  time.Duration `json:"time_left"`
	IsExpired bool          `json:"is_expired"`
	HasTTL    bool          `json:"has_ttl"`
}

// hasExpiration reports whether the backend stored a real expiration
// for the key. Badger reports keys without TTL as expiring at the Unix
// epoch rather than returning an error.
func hasExpiration(expiration time.Time, err error) bool {
	return err == nil && expiration.Unix() > 0
}

// drainErr collects a late iteration error once the key channel has
// closed. The producer closes the error channel after its final send,
// so the receive never blocks.
func drainErr(errCh <-chan error) error {
	if errCh == nil {
		return nil
	}
	return <-errCh
}

// GetTTLStats walks every key under prefix and aggregates expiration
// state. Keys for which the backend reports no expiration count as
// KeysWithoutTTL.
func (s *storage) GetTTLStats(ctx context.Context, prefix ds.Key) (*TTLStats, error) {
	stats := &TTLStats{}

	keysCh, errCh, err := s.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	now := time.Now()
	var totalTimeLeft time.Duration
	keysWithTTL := 0
	var nextExp *time.Time

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err, ok := <-errCh:
			if ok && err != nil {
				return nil, err
			}
			errCh = nil
		case key, ok := <-keysCh:
			if !ok {
				if err := drainErr(errCh); err != nil {
					return nil, err
				}
				if keysWithTTL > 0 {
					stats.AverageTimeLeft = totalTimeLeft / time.Duration(keysWithTTL)
				}
				stats.NextExpiration = nextExp
				return stats, nil
			}

			stats.TotalKeys++

			expiration, err := s.Datastore.GetExpiration(ctx, key)
			if !hasExpiration(expiration, err) {
				stats.KeysWithoutTTL++
				continue
			}

			keysWithTTL++
			timeLeft := time.Until(expiration)
			totalTimeLeft += timeLeft

			if now.After(expiration) {
				stats.ExpiredKeys++
			} else {
				if timeLeft <= 5*time.Minute {
					stats.ExpiringKeys++
				}
				if nextExp == nil || expiration.Before(*nextExp) {
					exp := expiration
					nextExp = &exp
				}
			}
		}
	}
}

// ListTTLKeys returns per-key expiration status under prefix, sorted by
// expiration time with TTL-less keys last. With onlyWithTTL set, keys
// without an expiration are skipped.
func (s *storage) ListTTLKeys(ctx context.Context, prefix ds.Key, onlyWithTTL bool) ([]TTLKeyStatus, error) {
	var results []TTLKeyStatus

	keysCh, errCh, err := s.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	now := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err, ok := <-errCh:
			if ok && err != nil {
				return nil, err
			}
			errCh = nil
		case key, ok := <-keysCh:
			if !ok {
				if err := drainErr(errCh); err != nil {
					return nil, err
				}
				sort.Slice(results, func(i, j int) bool {
					if results[i].ExpiresAt == nil && results[j].ExpiresAt == nil {
						return results[i].Key.String() < results[j].Key.String()
					}
					if results[i].ExpiresAt == nil {
						return false
					}
					if results[j].ExpiresAt == nil {
						return true
					}
					return results[i].ExpiresAt.Before(*results[j].ExpiresAt)
				})
				return results, nil
			}

			status := TTLKeyStatus{Key: key}

			expiration, err := s.Datastore.GetExpiration(ctx, key)
			if !hasExpiration(expiration, err) {
				if !onlyWithTTL {
					results = append(results, status)
				}
				continue
			}

			exp := expiration
			status.HasTTL = true
			status.ExpiresAt = &exp
			status.TimeLeft = time.Until(expiration)
			status.IsExpired = now.After(expiration)

			results = append(results, status)
		}
	}
}

// ExtendTTL adds extension on top of the key's remaining TTL. An
// already expired key gets a fresh TTL of exactly extension.
func (s *storage) ExtendTTL(ctx context.Context, key ds.Key, extension time.Duration) error {
	exists, err := s.Datastore.Has(ctx, key)
	if err != nil {
		return fmt.Errorf("checking key: %w", err)
	}
	if !exists {
		return fmt.Errorf("key %s does not exist", key.String())
	}

	currentExpiration, err := s.Datastore.GetExpiration(ctx, key)
	if err != nil {
		return fmt.Errorf("reading current TTL: %w", err)
	}

	currentTTL := time.Until(currentExpiration)
	newTTL := currentTTL + extension
	if currentTTL <= 0 {
		newTTL = extension
	}

	if err := s.Datastore.SetTTL(ctx, key, newTTL); err != nil {
		return fmt.Errorf("setting new TTL: %w", err)
	}
	return nil
}

// CleanupExpiredKeys deletes keys under prefix whose expiration has
// passed but which the backend has not collected yet. Returns the
// number of keys removed.
func (s *storage) CleanupExpiredKeys(ctx context.Context, prefix ds.Key) (int, error) {
	keysCh, errCh, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("listing keys: %w", err)
	}

	now := time.Now()
	var expiredKeys []ds.Key

collect:
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case err, ok := <-errCh:
			if ok && err != nil {
				return 0, err
			}
			errCh = nil
		case key, ok := <-keysCh:
			if !ok {
				if err := drainErr(errCh); err != nil {
					return 0, err
				}
				break collect
			}
			expiration, err := s.Datastore.GetExpiration(ctx, key)
			if !hasExpiration(expiration, err) {
				continue
			}
			if now.After(expiration) {
				expiredKeys = append(expiredKeys, key)
			}
		}
	}

	if len(expiredKeys) == 0 {
		return 0, nil
	}

	batch, err := s.Batch(ctx)
	if err != nil {
		return 0, fmt.Errorf("creating batch: %w", err)
	}
	for _, key := range expiredKeys {
		if err := batch.Delete(ctx, key); err != nil {
			return 0, fmt.Errorf("queueing delete: %w", err)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing batch: %w", err)
	}

	return len(expiredKeys), nil
}
