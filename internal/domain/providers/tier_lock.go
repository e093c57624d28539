package providers

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned when another driver owns the tier lock
var ErrLockHeld = errors.New("tier lock held by another owner")

// ErrLockLost is returned when a refresh finds the lock expired or taken over
var ErrLockLost = errors.New("tier lock lost")

// TierLock coordinates the batch and stream drivers writing to one destination tier
type TierLock interface {
	// Acquire takes the lock for tier, returning ErrLockHeld if it is owned elsewhere
	Acquire(ctx context.Context, tier string, ttl time.Duration) (Lease, error)
}

// Lease is an acquired tier lock
type Lease interface {
	// Refresh extends the lease; ErrLockLost means another owner may now write
	Refresh(ctx context.Context, ttl time.Duration) error

	// Release gives the lock up if still owned
	Release(ctx context.Context) error

	// Owner returns the token identifying this holder
	Owner() string
}
