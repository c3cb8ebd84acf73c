package memcache

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dropbox/godropbox/errors"
)

// The health monitor owns the quarantined server set.  Every interval it
// probes each quarantined server over a fresh, untracked connection and
// puts revived servers back on the ring.  User requests are never blocked:
// the probe runs on its own goroutine and overlapping ticks are dropped.
type healthMonitor struct {
	client   *PooledClient
	interval time.Duration

	running int32 // atomic; guards against overlapping ticks

	mutex   sync.Mutex
	failed  map[string]struct{} // guarded by mutex
	stopped bool                // guarded by mutex
	stop    chan struct{}
}

func newHealthMonitor(
	client *PooledClient,
	interval time.Duration) *healthMonitor {

	return &healthMonitor{
		client:   client,
		interval: interval,
		failed:   make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

func (m *healthMonitor) start() {
	go m.run()
}

func (m *healthMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *healthMonitor) stopMonitor() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.stop)
}

func (m *healthMonitor) markFailed(address string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failed[address] = struct{}{}
}

// forget drops the server from the quarantined set, either because it was
// revived or because it was removed outright.
func (m *healthMonitor) forget(address string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.failed, address)
}

func (m *healthMonitor) quarantined() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	result := make([]string, 0, len(m.failed))
	for address := range m.failed {
		result = append(result, address)
	}
	return result
}

// One monitoring pass.  A tick arriving while the previous pass is still
// probing is dropped.
func (m *healthMonitor) tick() {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&m.running, 0)

	revivals := make([]string, 0)
	for _, address := range m.quarantined() {
		if m.probeServer(address) {
			revivals = append(revivals, address)
		}
	}

	for _, address := range revivals {
		if err := m.client.addServer(address, false); err != nil {
			// Still not usable: leave it quarantined for the next pass.
			m.client.options.LogError(errors.Wrapf(
				err,
				"failed to revive memcache server %s",
				address))
			continue
		}
	}
}

// This opens a fresh, untracked connection, runs one probe round-trip and
// closes it regardless of outcome.
func (m *healthMonitor) probeServer(address string) bool {
	netConn, err := net.DialTimeout(
		"tcp",
		address,
		m.client.options.ConnectTimeout)
	if err != nil {
		return false
	}

	conn := newConnection(
		address,
		netConn,
		m.client.options.WriteTimeout,
		m.client.options.LogError)
	defer conn.close()

	return m.client.probe(conn)
}
