package memcache

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dropbox/godropbox/errors"
	"github.com/edwingeng/deque/v2"
)

// A connection to one memcache server with a pipeline of in-flight
// requests.  Writes and response parsing observe the same total order, so
// responses are correlated positionally: the parser matches each frame to
// the oldest pipelined request, skipping over quiet requests the server
// never answered.
type connection struct {
	address string
	conn    net.Conn

	writeTimeout time.Duration
	logError     func(err error)

	// Serializes batches onto the socket.  A batch's requests enter the
	// pipeline before any of its bytes do, so the reader can never see a
	// response for a request it does not know about.
	writeMutex sync.Mutex

	pipelineMutex sync.Mutex
	pipeline      *deque.Deque[*request] // guarded by pipelineMutex

	closed     atomic.Bool
	readerDone chan struct{}
}

func newConnection(
	address string,
	netConn net.Conn,
	writeTimeout time.Duration,
	logError func(err error)) *connection {

	c := &connection{
		address:      address,
		conn:         netConn,
		writeTimeout: writeTimeout,
		logError:     logError,
		pipeline:     deque.NewDeque[*request](),
		readerDone:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// A connection stays valid until its socket fails, a response violates the
// protocol, or it is closed.
func (c *connection) isValid() bool {
	return !c.closed.Load()
}

// This pipelines a batch of requests and writes their frames.  On write
// failure the connection is torn down and every in-flight request fails.
func (c *connection) send(reqs ...*request) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if c.closed.Load() {
		return NewTransportError(
			c.address,
			errors.New("connection is closed"))
	}

	c.pipelineMutex.Lock()
	for _, r := range reqs {
		c.pipeline.PushBack(r)
	}
	c.pipelineMutex.Unlock()

	bufs := encodeRequests(reqs)
	if c.writeTimeout > 0 {
		deadline := time.Now().Add(c.writeTimeout)
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			err = NewTransportError(c.address, err)
			c.teardown(err)
			return err
		}
	}
	if _, err := bufs.WriteTo(c.conn); err != nil {
		err = NewTransportError(c.address, err)
		c.teardown(err)
		return err
	}
	return nil
}

func (c *connection) readLoop() {
	defer close(c.readerDone)

	p := &parser{
		address: c.address,
		reader:  bufio.NewReader(c.conn),
	}
	for {
		f, err := p.next()
		if err != nil {
			if c.closed.Load() {
				// Expected read failure after close; in-flight requests
				// were already failed by the teardown.
				return
			}
			if !IsFraming(err) {
				err = NewTransportError(c.address, err)
			}
			c.teardown(err)
			return
		}
		if err := c.correlate(f); err != nil {
			c.teardown(err)
			return
		}
	}
}

// This matches a parsed frame against the in-flight pipeline.
//
// A quiet request whose response never came is detected when a frame for a
// later request arrives: the frame's opcode or opaque does not match the
// quiet head, so the head completes as "success with no payload" and the
// frame is retried against the next request.  A mismatch against a
// non-quiet head means positional correlation is broken.
func (c *connection) correlate(f *frame) error {
	for {
		c.pipelineMutex.Lock()
		if c.pipeline.Len() == 0 {
			c.pipelineMutex.Unlock()
			return NewFramingError(
				c.address,
				"response frame with no request in flight")
		}
		head := c.pipeline.PopFront()

		if head.noReply && (f.code != head.code || f.opaque != head.opaque) {
			c.pipelineMutex.Unlock()
			head.completeDefault()
			continue
		}

		if f.code != head.code {
			c.pipeline.PushFront(head)
			c.pipelineMutex.Unlock()
			return NewProtocolMismatchError(c.address, head.code, f.code)
		}

		// A stat sequence is one frame per statistic; the empty terminator
		// frame completes it.
		if head.code == opStat && f.status == StatusNoError && len(f.key) > 0 {
			c.pipeline.PushFront(head)
			c.pipelineMutex.Unlock()
			head.addStatEntry(string(f.key), string(f.value))
			return nil
		}

		c.pipelineMutex.Unlock()
		head.completeWith(f)
		return nil
	}
}

// This closes the socket and fails every in-flight request with the given
// reason.  Safe to call from both the reader and writer side; only the
// first call wins.
func (c *connection) teardown(reason error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if err := c.conn.Close(); err != nil && c.logError != nil {
		c.logError(errors.Wrapf(
			err,
			"failed to close connection. server=%s",
			c.address))
	}

	c.pipelineMutex.Lock()
	pending := make([]*request, 0, c.pipeline.Len())
	for c.pipeline.Len() > 0 {
		pending = append(pending, c.pipeline.PopFront())
	}
	c.pipelineMutex.Unlock()

	for _, r := range pending {
		r.fail(reason)
	}
}

// This closes the connection.  In-flight requests fail.
func (c *connection) close() {
	c.teardown(NewTransportError(
		c.address,
		errors.New("connection is closed")))
}
