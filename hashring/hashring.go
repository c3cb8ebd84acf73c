// Consistent-hash ring used for selecting the memcached server which owns a
// given key.  Multiple clients configured with the same server list agree on
// ownership because every token is derived deterministically from the
// server's textual identity.
package hashring

import (
	"bytes"
	"sort"
	"strconv"
	"sync"

	"github.com/dropbox/godropbox/murmur3"
)

// Number of virtual nodes each server contributes to the ring.  More virtual
// nodes smooth the key distribution when servers are added or removed.
const virtualNodesPerServer = 160

// Seed for all ring hashing.  Changing it changes key ownership across the
// entire fleet, so it is fixed.
const ringHashSeed = 0x9747b28c

type ringEntry struct {
	token  uint32
	server string
}

// A Ring maps keys to servers with consistent hashing.  Concurrent readers
// are supported; writers are serialized.
type Ring struct {
	rwMutex sync.RWMutex
	entries []ringEntry // sorted by (token, server), guarded by rwMutex
	servers map[string]struct{}
}

func New() *Ring {
	return &Ring{
		servers: make(map[string]struct{}),
	}
}

func serverToken(server string, replica int) uint32 {
	id := server + "-" + strconv.Itoa(replica)
	return murmur3.Hash32([]byte(id), ringHashSeed)
}

// Add inserts the server's virtual nodes into the ring.  Adding a server
// that is already present is a no-op.
func (r *Ring) Add(server string) {
	r.rwMutex.Lock()
	defer r.rwMutex.Unlock()

	if _, inMap := r.servers[server]; inMap {
		return
	}
	r.servers[server] = struct{}{}

	for i := 0; i < virtualNodesPerServer; i++ {
		r.entries = append(r.entries, ringEntry{
			token:  serverToken(server, i),
			server: server,
		})
	}
	sort.Slice(r.entries, func(i, j int) bool {
		if r.entries[i].token != r.entries[j].token {
			return r.entries[i].token < r.entries[j].token
		}
		// Token collision between different servers: order by identity
		// so that all clients break the tie the same way.
		return bytes.Compare(
			[]byte(r.entries[i].server),
			[]byte(r.entries[j].server)) < 0
	})
}

// Remove deletes all of the server's virtual nodes.  Keys owned by the
// server move to its ring neighbors; no other keys are affected.
func (r *Ring) Remove(server string) {
	r.rwMutex.Lock()
	defer r.rwMutex.Unlock()

	if _, inMap := r.servers[server]; !inMap {
		return
	}
	delete(r.servers, server)

	remaining := r.entries[:0]
	for _, entry := range r.entries {
		if entry.server != server {
			remaining = append(remaining, entry)
		}
	}
	r.entries = remaining
}

// Contains returns true if the server is currently part of the ring.
func (r *Ring) Contains(server string) bool {
	r.rwMutex.RLock()
	defer r.rwMutex.RUnlock()

	_, inMap := r.servers[server]
	return inMap
}

// Get returns the server owning the given key, or ok=false when the ring is
// empty.  The owner is the server whose smallest token is >= hash(key),
// wrapping to the lowest token on the ring.
func (r *Ring) Get(key []byte) (server string, ok bool) {
	hash := murmur3.Hash32(key, ringHashSeed)

	r.rwMutex.RLock()
	defer r.rwMutex.RUnlock()

	if len(r.entries) == 0 {
		return "", false
	}

	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].token >= hash
	})
	if idx == len(r.entries) {
		idx = 0
	}
	return r.entries[idx].server, true
}

// Servers returns a snapshot of the ring's membership.
func (r *Ring) Servers() []string {
	r.rwMutex.RLock()
	defer r.rwMutex.RUnlock()

	result := make([]string, 0, len(r.servers))
	for server := range r.servers {
		result = append(result, server)
	}
	sort.Strings(result)
	return result
}

// Clear empties the ring.
func (r *Ring) Clear() {
	r.rwMutex.Lock()
	defer r.rwMutex.Unlock()

	r.entries = nil
	r.servers = make(map[string]struct{})
}
