package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the narrow persistence contract for limit counters: opaque string
// payloads keyed by resolved limit name, written with a TTL. Implementations
// translate their backend's not-found condition to ErrNoState and are free to
// ignore the TTL when the backend cannot express one (payload timestamps make
// stale state detectable on read).
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Hydrate loads the persisted counter state for the limit's resolved name
// into the limit. An absent key leaves the limit untouched: a fresh window.
func Hydrate(ctx context.Context, store Store, limit *Limit) error {
	payload, err := store.Get(ctx, limit.ResolveName())
	if err != nil {
		if errors.Is(err, ErrNoState) {
			return nil
		}
		return fmt.Errorf("failed to hydrate limit %q: %w", limit.ResolveName(), err)
	}
	return limit.RestoreState(payload)
}

// Commit persists the limit's current state under its resolved name with a
// TTL covering the remainder of the window.
func Commit(ctx context.Context, store Store, limit *Limit) error {
	payload, err := limit.SerializeState()
	if err != nil {
		return err
	}
	ttl := time.Duration(limit.RemainingSeconds()) * time.Second
	if err := store.Set(ctx, limit.ResolveName(), payload, ttl); err != nil {
		return fmt.Errorf("failed to commit limit %q: %w", limit.ResolveName(), err)
	}
	return nil
}
