// Package submgr defines the external Subscription Manager collaborator
// interface that the bus drives but never implements itself. Two
// concrete implementations live in the memsubmgr and redissubmgr
// subpackages.
package submgr

import (
	"context"

	"github.com/pincex/eventbus/internal/events"
	"github.com/pincex/eventbus/internal/subkey"
)

// Manager is the upstream collaborator: it owns real exchange connections
// and publishes per-key event streams. update_subscriptions must be
// idempotent and must not call back into the bus synchronously; it is
// invoked while the bus holds its write lock, so it must return promptly.
type Manager interface {
	// UpdateSubscriptions reconciles upstream connections to match exactly
	// keys. Idempotent: calling it twice with the same set is a no-op at
	// the manager level (though it may still re-issue network calls).
	UpdateSubscriptions(ctx context.Context, keys subkey.Set) error

	// Stream returns a fresh, independently-subscribable lazy sequence of
	// events for key. The manager — not the bus — is responsible for
	// deduplicating underlying exchange connections; the bus deduplicates
	// only at the key level.
	Stream(ctx context.Context, key subkey.Key) (<-chan events.Event, func(), error)
}
