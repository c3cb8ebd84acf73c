package object_pool

import (
	"fmt"
)

// The pool timed out while every managed object was borrowed and the per-key
// maximum prevented creating another.
type PoolExhaustedError struct {
	Key string
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("object pool is exhausted. key=%s", e.Key)
}

func NewPoolExhaustedError(key string) error {
	return &PoolExhaustedError{Key: key}
}

func IsPoolExhausted(err error) bool {
	_, ok := err.(*PoolExhaustedError)
	return ok
}

// The pool could not produce an object that passed validation before the
// borrow deadline.
type NoValidObjectError struct {
	Key string
}

func (e *NoValidObjectError) Error() string {
	return fmt.Sprintf("no valid object in the pool. key=%s", e.Key)
}

func NewNoValidObjectError(key string) error {
	return &NoValidObjectError{Key: key}
}

func IsNoValidObject(err error) bool {
	_, ok := err.(*NoValidObjectError)
	return ok
}
