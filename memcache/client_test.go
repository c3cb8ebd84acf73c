package memcache

import (
	"fmt"
	"time"

	. "gopkg.in/check.v1"

	. "github.com/dropbox/godropbox/gocheck2"
)

type ClientSuite struct {
	server *fakeMemcached
	client *PooledClient
}

var _ = Suite(&ClientSuite{})

func testOptions(servers ...string) Options {
	options := DefaultOptions()
	options.Servers = servers
	options.MinConnectionsPerServer = 1
	options.MaxConnectionsPerServer = 4
	options.ConnectTimeout = time.Second
	options.WriteTimeout = time.Second
	options.ResponseTimeout = time.Second
	// Keep the monitor off the clock; tests drive ticks directly.
	options.HealthCheckInterval = time.Hour
	options.LogError = func(err error) {}
	options.LogInfo = func(v ...interface{}) {}
	return options
}

func (s *ClientSuite) SetUpTest(c *C) {
	server, err := newFakeMemcached()
	c.Assert(err, IsNil)
	s.server = server

	client, err := NewPooledClient(testOptions(server.address()))
	c.Assert(err, IsNil)
	s.client = client
}

func (s *ClientSuite) TearDownTest(c *C) {
	s.client.Close()
	s.server.close()
}

func (s *ClientSuite) TestSetAndGet(c *C) {
	setResp := s.client.Set(&Item{
		Key:        "foo",
		Value:      []byte("bar"),
		Flags:      0xdeadbeef,
		Expiration: 300,
	})
	c.Assert(setResp.Error(), IsNil)
	c.Assert(setResp.DataVersionId(), Not(Equals), uint64(0))

	getResp := s.client.Get("foo")
	c.Assert(getResp.Error(), IsNil)
	c.Assert(getResp.Status(), Equals, StatusNoError)
	c.Assert(string(getResp.Value()), Equals, "bar")
	c.Assert(getResp.Flags(), Equals, uint32(0xdeadbeef))
	c.Assert(getResp.DataVersionId(), Equals, setResp.DataVersionId())
}

func (s *ClientSuite) TestGetMiss(c *C) {
	resp := s.client.Get("missing")
	// A miss is not an error for get requests.
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)
	c.Assert(resp.Value(), IsNil)
}

func (s *ClientSuite) TestGetKeyEchoesKey(c *C) {
	c.Assert(s.client.Set(&Item{
		Key:   "echo",
		Value: []byte("v"),
	}).Error(), IsNil)

	resp := s.client.GetKey("echo")
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Key(), Equals, "echo")
	c.Assert(string(resp.Value()), Equals, "v")
}

func (s *ClientSuite) TestAddExistingKeyFails(c *C) {
	c.Assert(s.client.Set(&Item{
		Key:   "taken",
		Value: []byte("v"),
	}).Error(), IsNil)

	resp := s.client.Add(&Item{Key: "taken", Value: []byte("other")})
	c.Assert(resp.Error(), NotNil)
	c.Assert(resp.Status(), Equals, StatusKeyExists)
}

func (s *ClientSuite) TestReplaceMissingKeyFails(c *C) {
	resp := s.client.Replace(&Item{Key: "absent", Value: []byte("v")})
	c.Assert(resp.Error(), NotNil)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)
}

func (s *ClientSuite) TestCasConflict(c *C) {
	setResp := s.client.Set(&Item{Key: "k", Value: []byte("v1")})
	c.Assert(setResp.Error(), IsNil)

	// A concurrent writer bumps the version.
	c.Assert(s.client.Set(&Item{
		Key:   "k",
		Value: []byte("v2"),
	}).Error(), IsNil)

	stale := s.client.Cas(&Item{
		Key:           "k",
		Value:         []byte("v3"),
		DataVersionId: setResp.DataVersionId(),
	})
	c.Assert(stale.Error(), NotNil)
	c.Assert(stale.Status(), Equals, StatusKeyExists)

	c.Assert(s.client.Cas(&Item{
		Key:           "k",
		Value:         []byte("v3"),
		DataVersionId: 0,
	}).Error(), NotNil)
}

func (s *ClientSuite) TestAppendPrepend(c *C) {
	c.Assert(s.client.Set(&Item{
		Key:   "k",
		Value: []byte("middle"),
	}).Error(), IsNil)

	c.Assert(s.client.Append("k", []byte("-end")).Error(), IsNil)
	c.Assert(s.client.Prepend("k", []byte("start-")).Error(), IsNil)

	resp := s.client.Get("k")
	c.Assert(string(resp.Value()), Equals, "start-middle-end")

	missing := s.client.Append("absent", []byte("x"))
	c.Assert(missing.Error(), NotNil)
	c.Assert(missing.Status(), Equals, StatusItemNotStored)
}

func (s *ClientSuite) TestDelete(c *C) {
	c.Assert(s.client.Set(&Item{
		Key:   "gone",
		Value: []byte("v"),
	}).Error(), IsNil)

	c.Assert(s.client.Delete("gone").Error(), IsNil)
	c.Assert(s.client.Get("gone").Status(), Equals, StatusKeyNotFound)

	miss := s.client.Delete("gone")
	c.Assert(miss.Error(), NotNil)
	c.Assert(miss.Status(), Equals, StatusKeyNotFound)
}

func (s *ClientSuite) TestIncrementDecrement(c *C) {
	resp := s.client.Increment("counter", 5, 100, 0)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(100)) // seeded

	resp = s.client.Increment("counter", 5, 100, 0)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(105))

	resp = s.client.Decrement("counter", 200, 0, 0)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(0)) // clamped at zero

	// All one-bits expiration means "do not seed".
	resp = s.client.Increment("fresh", 1, 1, 0xffffffff)
	c.Assert(resp.Error(), NotNil)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)
}

func (s *ClientSuite) TestTouchAndGetAndTouch(c *C) {
	c.Assert(s.client.Set(&Item{
		Key:   "k",
		Value: []byte("v"),
	}).Error(), IsNil)

	c.Assert(s.client.Touch("k", 600).Error(), IsNil)
	c.Assert(s.client.Touch("absent", 600).Error(), NotNil)

	resp := s.client.GetAndTouch("k", 900)
	c.Assert(resp.Error(), IsNil)
	c.Assert(string(resp.Value()), Equals, "v")
}

func (s *ClientSuite) TestNoReplyOperations(c *C) {
	c.Assert(s.client.SetNoReply(&Item{
		Key:   "fire",
		Value: []byte("forget"),
	}), IsNil)

	// The write raced ahead; the next request on the connection flushes
	// it through the server.
	for i := 0; i < 100; i++ {
		if s.client.Get("fire").Status() == StatusNoError {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp := s.client.Get("fire")
	c.Assert(resp.Error(), IsNil)
	c.Assert(string(resp.Value()), Equals, "forget")

	c.Assert(s.client.DeleteNoReply("fire"), IsNil)
	for i := 0; i < 100; i++ {
		if s.client.Get("fire").Status() == StatusKeyNotFound {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(s.client.Get("fire").Status(), Equals, StatusKeyNotFound)
}

func (s *ClientSuite) TestGetMulti(c *C) {
	keys := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("multi-%d", i)
		keys = append(keys, key)
		if i%2 == 0 {
			c.Assert(s.client.Set(&Item{
				Key:   key,
				Value: []byte(fmt.Sprintf("value-%d", i)),
			}).Error(), IsNil)
		}
	}

	responses := s.client.GetMulti(keys)
	c.Assert(responses, HasLen, 20)
	for i, key := range keys {
		resp, inMap := responses[key]
		c.Assert(inMap, IsTrue)
		c.Assert(resp.Error(), IsNil)
		if i%2 == 0 {
			c.Assert(resp.Status(), Equals, StatusNoError)
			c.Assert(
				string(resp.Value()),
				Equals,
				fmt.Sprintf("value-%d", i))
		} else {
			c.Assert(resp.Status(), Equals, StatusKeyNotFound)
		}
	}
}

func (s *ClientSuite) TestGetMultiAcrossServers(c *C) {
	second, err := newFakeMemcached()
	c.Assert(err, IsNil)
	defer second.close()
	c.Assert(s.client.AddServer(second.address()), IsNil)

	keys := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("spread-%d", i)
		keys = append(keys, key)
		c.Assert(s.client.Set(&Item{
			Key:   key,
			Value: []byte(key),
		}).Error(), IsNil)
	}

	responses := s.client.GetMulti(keys)
	c.Assert(responses, HasLen, 30)
	for _, key := range keys {
		c.Assert(responses[key].Status(), Equals, StatusNoError)
		c.Assert(string(responses[key].Value()), Equals, key)
	}

	// Both servers took a share of the writes.
	c.Assert(s.server.itemCount() > 0, IsTrue)
	c.Assert(second.itemCount() > 0, IsTrue)
}

func (s *ClientSuite) TestSetMulti(c *C) {
	items := make([]*Item, 0, 10)
	for i := 0; i < 10; i++ {
		items = append(items, &Item{
			Key:   fmt.Sprintf("batch-%d", i),
			Value: []byte(fmt.Sprintf("value-%d", i)),
		})
	}

	responses := s.client.SetMulti(items)
	c.Assert(responses, HasLen, 10)
	for i, resp := range responses {
		c.Assert(resp.Error(), IsNil)
		c.Assert(resp.Key(), Equals, items[i].Key)
	}

	for i := 0; i < 10; i++ {
		resp := s.client.Get(fmt.Sprintf("batch-%d", i))
		c.Assert(string(resp.Value()), Equals, fmt.Sprintf("value-%d", i))
	}
}

func (s *ClientSuite) TestCasMultiConflict(c *C) {
	first := s.client.Set(&Item{Key: "a", Value: []byte("v")})
	c.Assert(first.Error(), IsNil)
	second := s.client.Set(&Item{Key: "b", Value: []byte("v")})
	c.Assert(second.Error(), IsNil)

	// Invalidate a's version.
	c.Assert(s.client.Set(&Item{
		Key:   "a",
		Value: []byte("newer"),
	}).Error(), IsNil)

	responses := s.client.CasMulti([]*Item{
		{Key: "a", Value: []byte("x"), DataVersionId: first.DataVersionId()},
		{Key: "b", Value: []byte("y"), DataVersionId: second.DataVersionId()},
	})
	c.Assert(responses, HasLen, 2)
	c.Assert(responses[0].Error(), NotNil)
	c.Assert(responses[1].Error(), IsNil)
	c.Assert(string(s.client.Get("b").Value()), Equals, "y")
	c.Assert(string(s.client.Get("a").Value()), Equals, "newer")
}

func (s *ClientSuite) TestDeleteMulti(c *C) {
	for i := 0; i < 5; i++ {
		c.Assert(s.client.Set(&Item{
			Key:   fmt.Sprintf("del-%d", i),
			Value: []byte("v"),
		}).Error(), IsNil)
	}

	keys := []string{"del-0", "del-1", "del-2", "del-3", "del-4"}
	responses := s.client.DeleteMulti(keys)
	c.Assert(responses, HasLen, 5)
	for _, resp := range responses {
		c.Assert(resp.Error(), IsNil)
	}
	for _, key := range keys {
		c.Assert(s.client.Get(key).Status(), Equals, StatusKeyNotFound)
	}
}

func (s *ClientSuite) TestStat(c *C) {
	resp := s.client.Stat("")
	c.Assert(resp.Error(), IsNil)

	entries := resp.Entries()
	c.Assert(entries, HasLen, 1)
	serverEntries := entries[s.server.address()]
	c.Assert(serverEntries["pid"], Equals, "1234")
	c.Assert(serverEntries["version"], Equals, "1.6.0-fake")
}

func (s *ClientSuite) TestVersion(c *C) {
	resp := s.client.Version()
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Versions(), DeepEquals, map[string]string{
		s.server.address(): "1.6.0-fake",
	})
}

func (s *ClientSuite) TestFlush(c *C) {
	c.Assert(s.client.Set(&Item{
		Key:   "doomed",
		Value: []byte("v"),
	}).Error(), IsNil)

	c.Assert(s.client.Flush(0).Error(), IsNil)
	c.Assert(s.client.Get("doomed").Status(), Equals, StatusKeyNotFound)
}

func (s *ClientSuite) TestVerbosity(c *C) {
	c.Assert(s.client.Verbosity(2).Error(), IsNil)
}

func (s *ClientSuite) TestSASLUnsupported(c *C) {
	c.Assert(IsUnsupportedOperation(s.client.SASLListMechs()), IsTrue)
	c.Assert(
		IsUnsupportedOperation(s.client.SASLAuth("PLAIN", nil)),
		IsTrue)
	c.Assert(
		IsUnsupportedOperation(s.client.SASLStep("PLAIN", nil)),
		IsTrue)
}

func (s *ClientSuite) TestInvalidKeyRejectedLocally(c *C) {
	resp := s.client.Get("bad key with spaces")
	c.Assert(resp.Error(), NotNil)

	mutate := s.client.Set(&Item{Key: "bad key", Value: []byte("v")})
	c.Assert(mutate.Error(), NotNil)
}

func (s *ClientSuite) TestEmptyRingReturnsNothingHappened(c *C) {
	client, err := NewPooledClient(testOptions())
	c.Assert(err, IsNil)
	defer client.Close()

	c.Assert(client.Get("k").Error(), NotNil)
	c.Assert(client.Set(&Item{Key: "k", Value: []byte("v")}).Error(), NotNil)
	c.Assert(client.GetMulti([]string{"k"}), HasLen, 0)
}

func (s *ClientSuite) TestQuarantineAndRevival(c *C) {
	address := s.server.address()
	c.Assert(s.client.ring.Contains(address), IsTrue)

	s.client.quarantine(address, NewTimeoutError(address, "response"))
	c.Assert(s.client.ring.Contains(address), IsFalse)
	c.Assert(s.client.Get("k").Error(), NotNil)

	// The server is still alive, so the next monitoring pass revives it.
	s.client.monitor.tick()
	c.Assert(s.client.ring.Contains(address), IsTrue)
	c.Assert(s.client.Get("k").Status(), Equals, StatusKeyNotFound)
}

func (s *ClientSuite) TestRevivalRequiresReachableServer(c *C) {
	dead, err := newFakeMemcached()
	c.Assert(err, IsNil)
	address := dead.address()
	dead.close()

	s.client.monitor.markFailed(address)
	s.client.monitor.tick()
	c.Assert(s.client.ring.Contains(address), IsFalse)
	c.Assert(s.client.monitor.quarantined(), DeepEquals, []string{address})
}

func (s *ClientSuite) TestServerListListener(c *C) {
	second, err := newFakeMemcached()
	c.Assert(err, IsNil)
	defer second.close()

	listener := NewCacheServerListListener(s.client)
	both := FormatServerList(
		[]string{s.server.address(), second.address()})
	listener.OnCommit("/cache/servers", []byte(both))
	c.Assert(s.client.ring.Contains(second.address()), IsTrue)
	c.Assert(s.client.ring.Contains(s.server.address()), IsTrue)

	listener.OnCommit(
		"/cache/servers",
		[]byte(second.address()))
	c.Assert(s.client.ring.Contains(s.server.address()), IsFalse)
	c.Assert(s.client.ring.Contains(second.address()), IsTrue)
}

func (s *ClientSuite) TestServerListListenerPrefersLocalOnInit(c *C) {
	second, err := newFakeMemcached()
	c.Assert(err, IsNil)
	defer second.close()

	listener := NewCacheServerListListener(s.client)
	listener.OnInit("/cache/servers", []byte(second.address()))

	// Local configuration wins unless PreferRemoteConfig is set.
	c.Assert(s.client.ring.Contains(second.address()), IsFalse)
	c.Assert(s.client.ring.Contains(s.server.address()), IsTrue)
}
