package memcache

import (
	"sync/atomic"
	"time"
)

// A request descriptor pipelined onto a connection.  The response parser
// correlates responses to requests positionally: the i-th frame read from a
// connection belongs to the i-th request written to it, with quiet requests
// skipped over when the server stays silent.
type request struct {
	code    opCode
	opaque  uint32
	noReply bool

	key    []byte
	value  []byte
	extras []byte
	cas    uint64

	// One-shot completion latch.  disposed guarantees at most one
	// completion even when the parser and a timeout triggered teardown
	// race; result and err are published before done is closed and must
	// only be read after it.
	disposed atomic.Bool
	done     chan struct{}

	result *frame
	err    error

	// Stat responses arrive as one frame per statistic followed by an
	// empty terminator; non-terminal frames accumulate here.
	statEntries map[string]string
}

func newRequest(code opCode, opaque uint32) *request {
	return &request{
		code:    code,
		opaque:  opaque,
		noReply: code.isQuiet(),
		done:    make(chan struct{}),
	}
}

// This delivers the final response frame and wakes the waiter.
func (r *request) completeWith(f *frame) {
	if r.disposed.CompareAndSwap(false, true) {
		r.result = f
		close(r.done)
	}
}

// This completes a quiet request whose success the server never answered.
// The result stays nil: success with no payload.
func (r *request) completeDefault() {
	if r.disposed.CompareAndSwap(false, true) {
		close(r.done)
	}
}

func (r *request) fail(err error) {
	if r.disposed.CompareAndSwap(false, true) {
		r.err = err
		close(r.done)
	}
}

func (r *request) addStatEntry(key string, value string) {
	if r.statEntries == nil {
		r.statEntries = make(map[string]string)
	}
	r.statEntries[key] = value
}

// This waits for completion.  A negative timeout waits forever.  Returns
// false when the deadline elapsed without a completion signal.
func (r *request) await(timeout time.Duration) bool {
	if timeout < 0 {
		<-r.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return true
	case <-timer.C:
		return false
	}
}
