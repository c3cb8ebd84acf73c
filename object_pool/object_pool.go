// A keyed object pool with min/max sizing, validation hooks, idle eviction
// and disposable over-cap objects.  Each key (typically a "host:port" server
// address) owns an independent sub-pool.
package object_pool

import (
	"time"
)

// The factory creates, destroys and validates pooled objects.  All methods
// must be safe for concurrent use.
type PoolableObjectFactory interface {
	// This creates a new object for the given key.  Creation failures are
	// surfaced to the borrower; the pool itself never retries creation.
	CreateObject(key string) (interface{}, error)

	// This destroys an object which is leaving the pool.
	DestroyObject(key string, obj interface{}) error

	// This returns true if the object is still usable.
	ValidateObject(key string, obj interface{}) bool
}

type Options struct {
	// The number of objects the pool keeps per key as a floor; also the
	// target of CreateAllMinObjects.
	Min int

	// The maximum number of managed objects per key.
	Max int

	// The maximum amount of time an object may sit idle before it is
	// evicted.  Non-positive means idle objects are kept forever.
	KeepAliveTimeout time.Duration

	// When true, Borrow fabricates an untracked single-use object instead
	// of failing once the per-key maximum is exhausted.  Disposable objects
	// are destroyed on return and never counted in the pool size.
	Disposable bool

	// When true, borrowed candidates are validated before being handed
	// out; invalid candidates are destroyed and another is tried.
	BorrowValidation bool

	// When true, returned objects are validated; invalid objects are
	// destroyed instead of queued.
	ReturnValidation bool

	// This specifies the now time function.  When the function is non-nil,
	// the pool will use the specified function instead of time.Now to
	// generate the current time.
	NowFunc func() time.Time

	// Error logging hook.  When nil, errors from factory destroy calls are
	// dropped silently.
	LogError func(err error)
}

func (o Options) getCurrentTime() time.Time {
	if o.NowFunc == nil {
		return time.Now()
	}
	return o.NowFunc()
}

// A generic interface for keyed object pools.  All implementations must be
// threadsafe.
type ObjectPool interface {
	// This borrows an object for the key, waiting up to timeout for one to
	// become available.  A negative timeout waits forever.  Waiters are
	// served in arrival order.
	Borrow(key string, timeout time.Duration) (interface{}, error)

	// This returns a borrowed object to the pool.  Disposable objects and
	// objects returned to a destroyed key entry are destroyed.
	Return(key string, obj interface{}) error

	// This destroys a borrowed object and removes it from the pool's
	// accounting.  Used when the borrower knows the object is broken.
	Remove(key string, obj interface{}) error

	// This eagerly creates objects for the key until Min are managed.
	CreateAllMinObjects(key string) error

	// This destroys the key's entire entry.  Objects still borrowed are
	// destroyed when they are eventually returned.
	Destroy(key string) error

	// This destroys every key entry and stops background eviction.
	DestroyAll()

	// Observers.  All return -1 when the key has no entry.
	PoolSize(key string) int
	ActiveCount(key string) int
	IdleCount(key string) int
	PeakCount(key string) int
}
