package memcache

import (
	"encoding/binary"
	"expvar"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/dropbox/godropbox/errors"

	"github.com/cachewire/mcache/hashring"
	"github.com/cachewire/mcache/object_pool"
)

const (
	DefaultMinConnectionsPerServer = 5
	DefaultMaxConnectionsPerServer = 16
	DefaultKeepAliveTimeout        = 30 * time.Minute
	DefaultConnectTimeout          = 5 * time.Second
	DefaultWriteTimeout            = 5 * time.Second
	DefaultResponseTimeout         = 10 * time.Second
	DefaultHealthCheckInterval     = 60 * time.Second
)

var (
	// Counters for requests / errors / server state changes, by address.
	sendOkByAddr     = expvar.NewMap("MemcacheSendOkByAddrCounter")
	sendErrByAddr    = expvar.NewMap("MemcacheSendErrByAddrCounter")
	quarantineByAddr = expvar.NewMap("MemcacheQuarantineByAddrCounter")
	revivalByAddr    = expvar.NewMap("MemcacheRevivalByAddrCounter")
)

type Options struct {
	// The initial server list, as "host:port" addresses.
	Servers []string

	// Connection pool sizing, per server.
	MinConnectionsPerServer int
	MaxConnectionsPerServer int

	// The maximum amount of time a connection may sit idle before it is
	// closed, down to the per-server minimum.
	KeepAliveTimeout time.Duration

	// When true, an exhausted pool fabricates single-use connections
	// instead of failing the borrow.
	AllowDisposableConnections bool

	// When set, connections are probed with a Noop round-trip on borrow /
	// return; probe failures destroy the connection.
	BorrowValidation bool
	ReturnValidation bool

	// Timeouts.  Zero picks the default; negative waits forever.
	ConnectTimeout  time.Duration
	WriteTimeout    time.Duration
	ResponseTimeout time.Duration

	// When Failover is set, unreachable servers are quarantined and
	// periodically re-probed every HealthCheckInterval; revived servers
	// rejoin the ring.  Without it, a removed server stays removed.
	Failover            bool
	HealthCheckInterval time.Duration

	// When true, a server list published by the coordination service
	// replaces the locally configured one (see CacheServerListListener).
	PreferRemoteConfig bool

	// Logging hooks.  Defaults log through the standard library.
	LogError func(err error)
	LogInfo  func(v ...interface{})

	// This specifies the now time function used by the connection pool;
	// nil means time.Now.
	NowFunc func() time.Time
}

// This returns the options all production clients start from.
func DefaultOptions() Options {
	return Options{
		MinConnectionsPerServer:    DefaultMinConnectionsPerServer,
		MaxConnectionsPerServer:    DefaultMaxConnectionsPerServer,
		KeepAliveTimeout:           DefaultKeepAliveTimeout,
		AllowDisposableConnections: true,
		ConnectTimeout:             DefaultConnectTimeout,
		WriteTimeout:               DefaultWriteTimeout,
		ResponseTimeout:            DefaultResponseTimeout,
		Failover:                   true,
		HealthCheckInterval:        DefaultHealthCheckInterval,
	}
}

func (o *Options) fillDefaults() {
	if o.MinConnectionsPerServer < 0 {
		o.MinConnectionsPerServer = 0
	}
	if o.MaxConnectionsPerServer <= 0 {
		o.MaxConnectionsPerServer = DefaultMaxConnectionsPerServer
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ResponseTimeout == 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.HealthCheckInterval == 0 {
		o.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if o.LogError == nil {
		o.LogError = func(err error) {
			log.Println("ERROR:", err)
		}
	}
	if o.LogInfo == nil {
		o.LogInfo = func(v ...interface{}) {
			log.Println(v...)
		}
	}
}

// A consistent-hash routed, connection-pooled memcache client.  Each key is
// owned by one server on the ring; requests are pipelined over pooled
// connections and multi-key operations are batched per owner using quiet
// opcodes.
type PooledClient struct {
	options Options

	ring    *hashring.Ring
	pool    object_pool.ObjectPool
	monitor *healthMonitor

	opaque    uint32 // atomic
	destroyed atomic.Bool
}

var _ Client = (*PooledClient)(nil)

// This creates a client for the configured server fleet.  Servers that
// cannot be reached at startup are still added to the ring; the health
// monitor quarantines them on first use.
func NewPooledClient(options Options) (*PooledClient, error) {
	options.fillDefaults()

	c := &PooledClient{
		options: options,
		ring:    hashring.New(),
	}

	pool, err := object_pool.NewBaseObjectPool(
		&connectionFactory{client: c},
		object_pool.Options{
			Min:              options.MinConnectionsPerServer,
			Max:              options.MaxConnectionsPerServer,
			KeepAliveTimeout: options.KeepAliveTimeout,
			Disposable:       options.AllowDisposableConnections,
			BorrowValidation: options.BorrowValidation,
			ReturnValidation: options.ReturnValidation,
			NowFunc:          options.NowFunc,
			LogError:         options.LogError,
		})
	if err != nil {
		return nil, err
	}
	c.pool = pool

	c.monitor = newHealthMonitor(c, options.HealthCheckInterval)

	for _, address := range options.Servers {
		if err := c.addServer(address, true); err != nil {
			c.options.LogError(err)
		}
	}

	if options.Failover && options.HealthCheckInterval > 0 {
		c.monitor.start()
	}
	return c, nil
}

// This stops the health monitor and closes every pooled connection.  The
// client cannot be used afterwards.
func (c *PooledClient) Close() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	c.monitor.stopMonitor()
	c.pool.DestroyAll()
	c.ring.Clear()
}

// This adds a server to the fleet, eagerly opening its connection floor.
func (c *PooledClient) AddServer(address string) error {
	return c.addServer(address, false)
}

func (c *PooledClient) addServer(address string, initial bool) error {
	if c.destroyed.Load() {
		return errors.New("client is closed")
	}

	if err := c.pool.CreateAllMinObjects(address); err != nil {
		if !initial {
			// A revival must prove the server reachable before it rejoins
			// the ring.
			return errors.Wrapf(
				err,
				"failed to open connections. server=%s",
				address)
		}
		c.options.LogError(errors.Wrapf(
			err,
			"failed to open initial connections. server=%s",
			address))
	}

	c.ring.Add(address)
	c.monitor.forget(address)
	if !initial {
		revivalByAddr.Add(address, 1)
		c.options.LogInfo("Memcache server ", address, " joined the ring.")
	}
	return nil
}

// This removes a server permanently: off the ring, pool entry destroyed,
// never probed again.
func (c *PooledClient) RemoveServer(address string) {
	c.ring.Remove(address)
	c.monitor.forget(address)
	if err := c.pool.Destroy(address); err != nil {
		c.options.LogError(err)
	}
	c.options.LogInfo("Memcache server ", address, " removed.")
}

// This takes a misbehaving server off the ring and hands it to the health
// monitor, which puts it back once a probe succeeds.
func (c *PooledClient) quarantine(address string, cause error) {
	if !c.ring.Contains(address) {
		return
	}
	c.ring.Remove(address)
	if err := c.pool.Destroy(address); err != nil {
		c.options.LogError(err)
	}
	if c.options.Failover {
		c.monitor.markFailed(address)
	}
	quarantineByAddr.Add(address, 1)
	c.options.LogError(errors.Wrapf(
		cause,
		"quarantined memcache server %s",
		address))
}

// This returns the ring's current membership.
func (c *PooledClient) Servers() []string {
	return c.ring.Servers()
}

// This reports whether the server is currently part of the ring.  A
// quarantined server is not.
func (c *PooledClient) HasServer(address string) bool {
	return c.ring.Contains(address)
}

func (c *PooledClient) nextOpaque() uint32 {
	return atomic.AddUint32(&c.opaque, 1) & 0x7fffffff
}

func (c *PooledClient) route(key string) (string, error) {
	address, ok := c.ring.Get([]byte(key))
	if !ok {
		return "", noServersError(key)
	}
	return address, nil
}

// This runs the borrow -> write -> await -> return cycle for one request.
// A connection whose response timed out is removed rather than returned:
// a late response would desynchronize the positional pipeline.
func (c *PooledClient) sendOnce(address string, req *request) error {
	return c.sendPipelined(address, []*request{req}, req)
}

func (c *PooledClient) sendPipelined(
	address string,
	reqs []*request,
	awaited *request) error {

	obj, err := c.pool.Borrow(address, c.options.ConnectTimeout)
	if err != nil {
		sendErrByAddr.Add(address, 1)
		if object_pool.IsNoValidObject(err) {
			c.quarantine(address, err)
		}
		return err
	}
	conn := obj.(*connection)

	if err := conn.send(reqs...); err != nil {
		sendErrByAddr.Add(address, 1)
		c.removeConnection(address, conn)
		return err
	}

	if !awaited.await(c.options.ResponseTimeout) {
		sendErrByAddr.Add(address, 1)
		c.removeConnection(address, conn)
		return NewTimeoutError(address, "response")
	}
	if awaited.err != nil {
		sendErrByAddr.Add(address, 1)
		c.removeConnection(address, conn)
		return awaited.err
	}

	sendOkByAddr.Add(address, 1)
	if err := c.pool.Return(address, conn); err != nil {
		c.options.LogError(err)
	}
	return nil
}

// Fire-and-forget: quiet requests complete on write success; the server
// answers only on error, and that answer (or its absence) is consumed by
// whatever response follows on the connection.
func (c *PooledClient) sendNoReply(address string, req *request) error {
	if !req.noReply {
		return errors.Newf(
			"opcode 0x%02x is not a quiet command",
			uint8(req.code))
	}

	obj, err := c.pool.Borrow(address, c.options.ConnectTimeout)
	if err != nil {
		sendErrByAddr.Add(address, 1)
		if object_pool.IsNoValidObject(err) {
			c.quarantine(address, err)
		}
		return err
	}
	conn := obj.(*connection)

	if err := conn.send(req); err != nil {
		sendErrByAddr.Add(address, 1)
		c.removeConnection(address, conn)
		return err
	}
	req.completeDefault()

	sendOkByAddr.Add(address, 1)
	if err := c.pool.Return(address, conn); err != nil {
		c.options.LogError(err)
	}
	return nil
}

func (c *PooledClient) removeConnection(address string, conn *connection) {
	conn.close()
	if err := c.pool.Remove(address, conn); err != nil {
		c.options.LogError(err)
	}
}

// The connection validation probe: one Noop round-trip within the response
// timeout.
func (c *PooledClient) probe(conn *connection) bool {
	req := newRequest(opNoOp, c.nextOpaque())
	if err := conn.send(req); err != nil {
		return false
	}
	if !req.await(c.options.ResponseTimeout) {
		conn.close()
		return false
	}
	return req.err == nil &&
		req.result != nil &&
		req.result.status == StatusNoError
}

//
// Single key operations
//

// See Client interface for documentation.
func (c *PooledClient) Get(key string) GetResponse {
	return c.get(opGet, key, nil)
}

// See Client interface for documentation.
func (c *PooledClient) GetKey(key string) GetResponse {
	return c.get(opGetK, key, nil)
}

// See Client interface for documentation.
func (c *PooledClient) GetAndTouch(
	key string,
	expiration uint32) GetResponse {

	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expiration)
	return c.get(opGAT, key, extras)
}

func (c *PooledClient) get(
	code opCode,
	key string,
	extras []byte) GetResponse {

	if !isValidKeyString(key) {
		return NewGetErrorResponse(key, errors.New("Invalid key"))
	}

	address, err := c.route(key)
	if err != nil {
		c.options.LogError(err)
		return NewGetErrorResponse(key, err)
	}

	req := newRequest(code, c.nextOpaque())
	req.key = []byte(key)
	req.extras = extras

	if err := c.sendOnce(address, req); err != nil {
		c.options.LogError(err)
		return NewGetErrorResponse(key, err)
	}

	f := req.result
	return NewGetResponse(key, f.status, f.flags, f.value, f.cas)
}

// See Client interface for documentation.
func (c *PooledClient) Set(item *Item) MutateResponse {
	return c.mutate(opSet, item, true)
}

// See Client interface for documentation.
func (c *PooledClient) Add(item *Item) MutateResponse {
	return c.mutate(opAdd, item, true)
}

// See Client interface for documentation.
func (c *PooledClient) Replace(item *Item) MutateResponse {
	return c.mutate(opReplace, item, true)
}

// See Client interface for documentation.
func (c *PooledClient) Cas(item *Item) MutateResponse {
	if item != nil && item.DataVersionId == 0 {
		return NewMutateErrorResponse(
			item.Key,
			errors.New("Cas requires a nonzero data version id"))
	}
	// Set honors the cas header when it is nonzero.
	return c.mutate(opSet, item, true)
}

// See Client interface for documentation.
func (c *PooledClient) Append(key string, value []byte) MutateResponse {
	return c.mutate(opAppend, &Item{Key: key, Value: value}, false)
}

// See Client interface for documentation.
func (c *PooledClient) Prepend(key string, value []byte) MutateResponse {
	return c.mutate(opPrepend, &Item{Key: key, Value: value}, false)
}

func (c *PooledClient) buildMutateRequest(
	code opCode,
	item *Item,
	addExtras bool) (*request, error) {

	if item == nil {
		return nil, errors.New("item is nil")
	}
	if !isValidKeyString(item.Key) {
		return nil, errors.New("Invalid key")
	}
	if err := validateValue(item.Value); err != nil {
		return nil, err
	}

	req := newRequest(code, c.nextOpaque())
	req.key = []byte(item.Key)
	req.value = item.Value
	req.cas = item.DataVersionId
	if addExtras {
		extras := make([]byte, 8)
		binary.BigEndian.PutUint32(extras[0:4], item.Flags)
		binary.BigEndian.PutUint32(extras[4:8], item.Expiration)
		req.extras = extras
	}
	return req, nil
}

func (c *PooledClient) mutate(
	code opCode,
	item *Item,
	addExtras bool) MutateResponse {

	req, err := c.buildMutateRequest(code, item, addExtras)
	if err != nil {
		key := ""
		if item != nil {
			key = item.Key
		}
		return NewMutateErrorResponse(key, err)
	}

	address, err := c.route(item.Key)
	if err != nil {
		c.options.LogError(err)
		return NewMutateErrorResponse(item.Key, err)
	}

	if err := c.sendOnce(address, req); err != nil {
		c.options.LogError(err)
		return NewMutateErrorResponse(item.Key, err)
	}

	return NewMutateResponse(item.Key, req.result.status, req.result.cas)
}

// See Client interface for documentation.
func (c *PooledClient) Touch(key string, expiration uint32) MutateResponse {
	if !isValidKeyString(key) {
		return NewMutateErrorResponse(key, errors.New("Invalid key"))
	}

	address, err := c.route(key)
	if err != nil {
		c.options.LogError(err)
		return NewMutateErrorResponse(key, err)
	}

	req := newRequest(opTouch, c.nextOpaque())
	req.key = []byte(key)
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expiration)
	req.extras = extras

	if err := c.sendOnce(address, req); err != nil {
		c.options.LogError(err)
		return NewMutateErrorResponse(key, err)
	}
	return NewMutateResponse(key, req.result.status, req.result.cas)
}

// See Client interface for documentation.
func (c *PooledClient) Delete(key string) MutateResponse {
	if !isValidKeyString(key) {
		return NewMutateErrorResponse(key, errors.New("Invalid key"))
	}

	address, err := c.route(key)
	if err != nil {
		c.options.LogError(err)
		return NewMutateErrorResponse(key, err)
	}

	req := newRequest(opDelete, c.nextOpaque())
	req.key = []byte(key)

	if err := c.sendOnce(address, req); err != nil {
		c.options.LogError(err)
		return NewMutateErrorResponse(key, err)
	}
	return NewMutateResponse(key, req.result.status, 0)
}

// See Client interface for documentation.
func (c *PooledClient) Increment(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.count(opIncrement, key, delta, initValue, expiration)
}

// See Client interface for documentation.
func (c *PooledClient) Decrement(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.count(opDecrement, key, delta, initValue, expiration)
}

func (c *PooledClient) count(
	code opCode,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	if !isValidKeyString(key) {
		return NewCountErrorResponse(key, errors.New("Invalid key"))
	}

	address, err := c.route(key)
	if err != nil {
		c.options.LogError(err)
		return NewCountErrorResponse(key, err)
	}

	req := newRequest(code, c.nextOpaque())
	req.key = []byte(key)
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], delta)
	binary.BigEndian.PutUint64(extras[8:16], initValue)
	binary.BigEndian.PutUint32(extras[16:20], expiration)
	req.extras = extras

	if err := c.sendOnce(address, req); err != nil {
		c.options.LogError(err)
		return NewCountErrorResponse(key, err)
	}

	f := req.result
	if f.status != StatusNoError {
		return NewCountResponse(key, f.status, 0)
	}
	if len(f.value) != 8 {
		err := NewFramingError(address, "count response is not 8 bytes")
		c.options.LogError(err)
		return NewCountErrorResponse(key, err)
	}
	return NewCountResponse(key, f.status, binary.BigEndian.Uint64(f.value))
}

//
// Fire-and-forget operations
//

// See Client interface for documentation.
func (c *PooledClient) SetNoReply(item *Item) error {
	return c.mutateNoReply(opSetQ, item, true)
}

// See Client interface for documentation.
func (c *PooledClient) AddNoReply(item *Item) error {
	return c.mutateNoReply(opAddQ, item, true)
}

// See Client interface for documentation.
func (c *PooledClient) ReplaceNoReply(item *Item) error {
	return c.mutateNoReply(opReplaceQ, item, true)
}

// See Client interface for documentation.
func (c *PooledClient) AppendNoReply(key string, value []byte) error {
	return c.mutateNoReply(opAppendQ, &Item{Key: key, Value: value}, false)
}

// See Client interface for documentation.
func (c *PooledClient) PrependNoReply(key string, value []byte) error {
	return c.mutateNoReply(opPrependQ, &Item{Key: key, Value: value}, false)
}

func (c *PooledClient) mutateNoReply(
	code opCode,
	item *Item,
	addExtras bool) error {

	req, err := c.buildMutateRequest(code, item, addExtras)
	if err != nil {
		return err
	}

	address, err := c.route(item.Key)
	if err != nil {
		c.options.LogError(err)
		return err
	}

	if err := c.sendNoReply(address, req); err != nil {
		c.options.LogError(err)
		return err
	}
	return nil
}

// See Client interface for documentation.
func (c *PooledClient) DeleteNoReply(key string) error {
	if !isValidKeyString(key) {
		return errors.New("Invalid key")
	}

	address, err := c.route(key)
	if err != nil {
		c.options.LogError(err)
		return err
	}

	req := newRequest(opDeleteQ, c.nextOpaque())
	req.key = []byte(key)

	if err := c.sendNoReply(address, req); err != nil {
		c.options.LogError(err)
		return err
	}
	return nil
}

//
// Multi key operations
//

func removeDuplicateKeys(keys []string) []string {
	keyMap := make(map[string]struct{}, len(keys))
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, inMap := keyMap[key]; inMap {
			continue
		}
		keyMap[key] = struct{}{}
		result = append(result, key)
	}
	return result
}

// See Client interface for documentation.
func (c *PooledClient) GetMulti(keys []string) map[string]GetResponse {
	if keys == nil {
		return nil
	}
	responses := make(map[string]GetResponse)

	keysByAddress := make(map[string][]string)
	for _, key := range removeDuplicateKeys(keys) {
		if !isValidKeyString(key) {
			responses[key] = NewGetErrorResponse(
				key,
				errors.New("Invalid key"))
			continue
		}
		address, err := c.route(key)
		if err != nil {
			// Empty ring: the key is silently absent from the result.
			c.options.LogError(err)
			continue
		}
		keysByAddress[address] = append(keysByAddress[address], key)
	}

	for address, serverKeys := range keysByAddress {
		// All but the last request are quiet: a miss produces no frame and
		// is inferred when the final response arrives.
		reqs := make([]*request, len(serverKeys))
		for i, key := range serverKeys {
			code := opGetQ
			if i == len(serverKeys)-1 {
				code = opGet
			}
			reqs[i] = newRequest(code, c.nextOpaque())
			reqs[i].key = []byte(key)
		}

		err := c.sendPipelined(address, reqs, reqs[len(reqs)-1])
		if err != nil {
			c.options.LogError(err)
			continue
		}

		for i, req := range reqs {
			key := serverKeys[i]
			// A quiet request with no frame by now is a miss.
			req.completeDefault()
			if req.err != nil {
				c.options.LogError(req.err)
				continue
			}
			if req.result == nil {
				responses[key] = NewGetResponse(
					key, StatusKeyNotFound, 0, nil, 0)
				continue
			}
			f := req.result
			responses[key] = NewGetResponse(
				key, f.status, f.flags, f.value, f.cas)
		}
	}
	return responses
}

// See Client interface for documentation.
func (c *PooledClient) SetMulti(items []*Item) []MutateResponse {
	return c.mutateMulti(opSet, items)
}

// See Client interface for documentation.
func (c *PooledClient) CasMulti(items []*Item) []MutateResponse {
	// Set opcodes honor a nonzero cas header, so cas batches reuse the set
	// encoding.
	return c.mutateMulti(opSet, items)
}

func (c *PooledClient) mutateMulti(
	code opCode,
	items []*Item) []MutateResponse {

	if items == nil {
		return nil
	}
	responses := make([]MutateResponse, len(items))

	type indexedRequest struct {
		index int
		req   *request
	}
	byAddress := make(map[string][]indexedRequest)

	for i, item := range items {
		req, err := c.buildMutateRequest(code, item, true)
		if err != nil {
			key := ""
			if item != nil {
				key = item.Key
			}
			responses[i] = NewMutateErrorResponse(key, err)
			continue
		}
		address, routeErr := c.route(item.Key)
		if routeErr != nil {
			c.options.LogError(routeErr)
			responses[i] = NewMutateErrorResponse(item.Key, routeErr)
			continue
		}
		byAddress[address] = append(
			byAddress[address],
			indexedRequest{index: i, req: req})
	}

	for address, batch := range byAddress {
		reqs := make([]*request, len(batch))
		for i, entry := range batch {
			if i < len(batch)-1 {
				entry.req.code = entry.req.code.quietVariant()
				entry.req.noReply = true
			}
			reqs[i] = entry.req
		}

		err := c.sendPipelined(address, reqs, reqs[len(reqs)-1])
		if err != nil {
			c.options.LogError(err)
			for _, entry := range batch {
				responses[entry.index] = NewMutateErrorResponse(
					string(entry.req.key), err)
			}
			continue
		}

		for _, entry := range batch {
			// A quiet request the server never answered succeeded.
			entry.req.completeDefault()
			key := string(entry.req.key)
			if entry.req.err != nil {
				responses[entry.index] = NewMutateErrorResponse(
					key, entry.req.err)
			} else if entry.req.result == nil {
				responses[entry.index] = NewMutateResponse(
					key, StatusNoError, 0)
			} else {
				responses[entry.index] = NewMutateResponse(
					key,
					entry.req.result.status,
					entry.req.result.cas)
			}
		}
	}
	return responses
}

// See Client interface for documentation.
func (c *PooledClient) DeleteMulti(keys []string) []MutateResponse {
	if keys == nil {
		return nil
	}
	responses := make([]MutateResponse, len(keys))

	type indexedRequest struct {
		index int
		req   *request
	}
	byAddress := make(map[string][]indexedRequest)

	for i, key := range keys {
		if !isValidKeyString(key) {
			responses[i] = NewMutateErrorResponse(
				key,
				errors.New("Invalid key"))
			continue
		}
		address, err := c.route(key)
		if err != nil {
			c.options.LogError(err)
			responses[i] = NewMutateErrorResponse(key, err)
			continue
		}
		req := newRequest(opDelete, c.nextOpaque())
		req.key = []byte(key)
		byAddress[address] = append(
			byAddress[address],
			indexedRequest{index: i, req: req})
	}

	for address, batch := range byAddress {
		reqs := make([]*request, len(batch))
		for i, entry := range batch {
			if i < len(batch)-1 {
				entry.req.code = opDeleteQ
				entry.req.noReply = true
			}
			reqs[i] = entry.req
		}

		err := c.sendPipelined(address, reqs, reqs[len(reqs)-1])
		if err != nil {
			c.options.LogError(err)
			for _, entry := range batch {
				responses[entry.index] = NewMutateErrorResponse(
					string(entry.req.key), err)
			}
			continue
		}

		for _, entry := range batch {
			entry.req.completeDefault()
			key := string(entry.req.key)
			if entry.req.err != nil {
				responses[entry.index] = NewMutateErrorResponse(
					key, entry.req.err)
			} else if entry.req.result == nil {
				responses[entry.index] = NewMutateResponse(
					key, StatusNoError, 0)
			} else {
				responses[entry.index] = NewMutateResponse(
					key, entry.req.result.status, 0)
			}
		}
	}
	return responses
}

//
// Broadcast operations
//

// See Client interface for documentation.
func (c *PooledClient) Flush(expiration uint32) Response {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expiration)
	return c.broadcast(opFlush, extras)
}

// See Client interface for documentation.
func (c *PooledClient) Verbosity(verbosity uint32) Response {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, verbosity)
	return c.broadcast(opVerbosity, extras)
}

func (c *PooledClient) broadcast(code opCode, extras []byte) Response {
	var firstErr error
	status := StatusNoError

	for _, address := range c.ring.Servers() {
		req := newRequest(code, c.nextOpaque())
		req.extras = extras

		if err := c.sendOnce(address, req); err != nil {
			c.options.LogError(err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if req.result.status != StatusNoError &&
			status == StatusNoError {
			status = req.result.status
		}
	}

	if firstErr != nil {
		return NewErrorResponse(firstErr)
	}
	return NewResponse(status)
}

// See Client interface for documentation.
func (c *PooledClient) Version() VersionResponse {
	versions := make(map[string]string)
	var firstErr error
	status := StatusNoError

	for _, address := range c.ring.Servers() {
		req := newRequest(opVersion, c.nextOpaque())

		if err := c.sendOnce(address, req); err != nil {
			c.options.LogError(err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if req.result.status != StatusNoError {
			if status == StatusNoError {
				status = req.result.status
			}
			continue
		}
		versions[address] = string(req.result.value)
	}

	if firstErr != nil {
		return NewVersionErrorResponse(firstErr, versions)
	}
	return NewVersionResponse(status, versions)
}

// See Client interface for documentation.
func (c *PooledClient) Stat(statsKey string) StatResponse {
	entries := make(map[string](map[string]string))

	if statsKey != "" && !isValidKeyString(statsKey) {
		return NewStatErrorResponse(
			errors.Newf("Invalid key: %s", statsKey),
			entries)
	}

	var firstErr error
	status := StatusNoError

	for _, address := range c.ring.Servers() {
		req := newRequest(opStat, c.nextOpaque())
		if statsKey != "" {
			req.key = []byte(statsKey)
		}

		if err := c.sendOnce(address, req); err != nil {
			c.options.LogError(err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if req.result.status != StatusNoError {
			if status == StatusNoError {
				status = req.result.status
			}
			continue
		}
		serverEntries := make(map[string]string, len(req.statEntries))
		for key, value := range req.statEntries {
			serverEntries[key] = value
		}
		entries[address] = serverEntries
	}

	if firstErr != nil {
		return NewStatErrorResponse(firstErr, entries)
	}
	return NewStatResponse(status, entries)
}

//
// SASL (reserved, unsupported)
//

// See Client interface for documentation.
func (c *PooledClient) SASLListMechs() error {
	return NewUnsupportedOperationError("SASL list mechs")
}

// See Client interface for documentation.
func (c *PooledClient) SASLAuth(mech string, data []byte) error {
	return NewUnsupportedOperationError("SASL auth")
}

// See Client interface for documentation.
func (c *PooledClient) SASLStep(mech string, data []byte) error {
	return NewUnsupportedOperationError("SASL step")
}

// The pool factory for server connections.
type connectionFactory struct {
	client *PooledClient
}

func (f *connectionFactory) CreateObject(
	address string) (interface{}, error) {

	netConn, err := net.DialTimeout(
		"tcp",
		address,
		f.client.options.ConnectTimeout)
	if err != nil {
		return nil, errors.Wrapf(
			err,
			"failed to connect. server=%s",
			address)
	}
	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	return newConnection(
		address,
		netConn,
		f.client.options.WriteTimeout,
		f.client.options.LogError), nil
}

func (f *connectionFactory) DestroyObject(
	address string,
	obj interface{}) error {

	obj.(*connection).close()
	return nil
}

func (f *connectionFactory) ValidateObject(
	address string,
	obj interface{}) bool {

	conn := obj.(*connection)
	if !conn.isValid() {
		return false
	}
	return f.client.probe(conn)
}
