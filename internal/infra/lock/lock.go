// Package lock defines per-key write locks used to serialise batch writers.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// context expired.
var ErrNotAcquired = errors.New("lock not acquired")

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker hands out exclusive locks keyed by string.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}
