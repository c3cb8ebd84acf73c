package memcache

import (
	"io"
	"net"
	"time"

	. "gopkg.in/check.v1"

	. "github.com/dropbox/godropbox/gocheck2"
)

type ConnectionSuite struct {
	client *connection
	server net.Conn
}

var _ = Suite(&ConnectionSuite{})

func (s *ConnectionSuite) SetUpTest(c *C) {
	clientSide, serverSide := net.Pipe()
	s.client = newConnection("test:11211", clientSide, 0, nil)
	s.server = serverSide
}

func (s *ConnectionSuite) TearDownTest(c *C) {
	s.client.close()
	s.server.Close()
}

// This consumes request bytes on the server side so that writes through the
// synchronous pipe never block.
func (s *ConnectionSuite) drainRequests() {
	go io.Copy(io.Discard, s.server)
}

func (s *ConnectionSuite) respond(c *C, raw []byte) {
	_, err := s.server.Write(raw)
	c.Assert(err, IsNil)
}

func (s *ConnectionSuite) TestPipelinedResponsesMatchRequestOrder(c *C) {
	s.drainRequests()

	first := newRequest(opGet, 1)
	first.key = []byte("a")
	second := newRequest(opGet, 2)
	second.key = []byte("b")
	third := newRequest(opGet, 3)
	third.key = []byte("c")

	c.Assert(s.client.send(first, second, third), IsNil)

	s.respond(c, buildResponse(
		opGet, StatusNoError, 1, 10, nil, nil, []byte("one")))
	s.respond(c, buildResponse(
		opGet, StatusKeyNotFound, 2, 0, nil, nil, nil))
	s.respond(c, buildResponse(
		opGet, StatusNoError, 3, 30, nil, nil, []byte("three")))

	c.Assert(first.await(time.Second), IsTrue)
	c.Assert(second.await(time.Second), IsTrue)
	c.Assert(third.await(time.Second), IsTrue)

	c.Assert(string(first.result.value), Equals, "one")
	c.Assert(first.result.cas, Equals, uint64(10))
	c.Assert(second.result.status, Equals, StatusKeyNotFound)
	c.Assert(string(third.result.value), Equals, "three")
}

func (s *ConnectionSuite) TestQuietRequestsSkippedByLaterResponse(c *C) {
	s.drainRequests()

	// Two quiet sets followed by a get.  The server answers only the get;
	// the sets' success is inferred when the get's frame arrives.
	firstSet := newRequest(opSetQ, 1)
	firstSet.key = []byte("a")
	firstSet.value = []byte("x")
	secondSet := newRequest(opSetQ, 2)
	secondSet.key = []byte("b")
	secondSet.value = []byte("y")
	get := newRequest(opGet, 3)
	get.key = []byte("a")

	c.Assert(s.client.send(firstSet, secondSet, get), IsNil)

	s.respond(c, buildResponse(
		opGet, StatusNoError, 3, 1, nil, nil, []byte("x")))

	c.Assert(get.await(time.Second), IsTrue)
	c.Assert(firstSet.await(time.Second), IsTrue)
	c.Assert(secondSet.await(time.Second), IsTrue)

	c.Assert(firstSet.err, IsNil)
	c.Assert(firstSet.result, IsNil) // success with no payload
	c.Assert(secondSet.err, IsNil)
	c.Assert(secondSet.result, IsNil)
	c.Assert(string(get.result.value), Equals, "x")
}

func (s *ConnectionSuite) TestQuietErrorResponseIsDelivered(c *C) {
	s.drainRequests()

	quietAdd := newRequest(opAddQ, 7)
	quietAdd.key = []byte("a")
	quietAdd.value = []byte("x")
	noop := newRequest(opNoOp, 8)

	c.Assert(s.client.send(quietAdd, noop), IsNil)

	// The quiet add failed; its error frame echoes opcode and opaque.
	s.respond(c, buildResponse(
		opAddQ, StatusKeyExists, 7, 0, nil, nil, nil))
	s.respond(c, buildResponse(
		opNoOp, StatusNoError, 8, 0, nil, nil, nil))

	c.Assert(quietAdd.await(time.Second), IsTrue)
	c.Assert(noop.await(time.Second), IsTrue)

	c.Assert(quietAdd.result, NotNil)
	c.Assert(quietAdd.result.status, Equals, StatusKeyExists)
	c.Assert(noop.result.status, Equals, StatusNoError)
}

func (s *ConnectionSuite) TestStatSequenceAccumulates(c *C) {
	s.drainRequests()

	stat := newRequest(opStat, 5)
	c.Assert(s.client.send(stat), IsNil)

	s.respond(c, buildResponse(
		opStat, StatusNoError, 5, 0, nil,
		[]byte("pid"), []byte("1234")))
	s.respond(c, buildResponse(
		opStat, StatusNoError, 5, 0, nil,
		[]byte("uptime"), []byte("60")))
	// Empty key terminates the sequence.
	s.respond(c, buildResponse(
		opStat, StatusNoError, 5, 0, nil, nil, nil))

	c.Assert(stat.await(time.Second), IsTrue)
	c.Assert(stat.err, IsNil)
	c.Assert(stat.statEntries, DeepEquals, map[string]string{
		"pid":    "1234",
		"uptime": "60",
	})
}

func (s *ConnectionSuite) TestMismatchedOpcodeFailsConnection(c *C) {
	s.drainRequests()

	get := newRequest(opGet, 1)
	get.key = []byte("a")
	c.Assert(s.client.send(get), IsNil)

	s.respond(c, buildResponse(
		opDelete, StatusNoError, 1, 0, nil, nil, nil))

	c.Assert(get.await(time.Second), IsTrue)
	c.Assert(get.err, NotNil)
	c.Assert(IsProtocolMismatch(get.err), IsTrue)
	c.Assert(s.client.isValid(), IsFalse)
}

func (s *ConnectionSuite) TestUnexpectedResponseFailsConnection(c *C) {
	s.drainRequests()

	// A frame with nothing in flight breaks the positional invariant.
	s.respond(c, buildResponse(
		opGet, StatusNoError, 1, 0, nil, nil, nil))

	// The reader goroutine tears the connection down.
	for i := 0; i < 100 && s.client.isValid(); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(s.client.isValid(), IsFalse)
}

func (s *ConnectionSuite) TestPeerCloseFailsInflightRequests(c *C) {
	s.drainRequests()

	get := newRequest(opGet, 1)
	get.key = []byte("a")
	c.Assert(s.client.send(get), IsNil)

	s.server.Close()

	c.Assert(get.await(time.Second), IsTrue)
	c.Assert(get.err, NotNil)
	c.Assert(IsTransport(get.err), IsTrue)
	c.Assert(s.client.isValid(), IsFalse)
}

func (s *ConnectionSuite) TestSendOnClosedConnectionFails(c *C) {
	s.client.close()

	get := newRequest(opGet, 1)
	get.key = []byte("a")
	err := s.client.send(get)
	c.Assert(err, NotNil)
	c.Assert(IsTransport(err), IsTrue)
}
