package memcache

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/dropbox/godropbox/errors"
)

// ParseServerList parses a server list published as a UTF-8 string of
// "host:port" entries separated by commas or whitespace.  The last ':' in
// an entry splits host from port, so bracketless IPv6 addresses like
// "::1:11211" parse correctly.
func ParseServerList(data string) ([]string, error) {
	fields := strings.FieldsFunc(data, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})

	servers := make([]string, 0, len(fields))
	for _, entry := range fields {
		idx := strings.LastIndex(entry, ":")
		if idx <= 0 || idx == len(entry)-1 {
			return nil, errors.Newf(
				"invalid server entry: '%s'",
				entry)
		}
		port, err := strconv.Atoi(entry[idx+1:])
		if err != nil || port <= 0 || port > 65535 {
			return nil, errors.Newf(
				"invalid port in server entry: '%s'",
				entry)
		}
		servers = append(servers, entry)
	}
	return servers, nil
}

// FormatServerList is the inverse of ParseServerList.
func FormatServerList(servers []string) string {
	return strings.Join(servers, ",")
}

// Callbacks delivered by the coordination service watching the node that
// publishes the cache server list.
type ServerListListener interface {
	// Called once when the watch is established, with the current data.
	OnInit(path string, data []byte)

	// Called when a new server list is committed.
	OnCommit(path string, data []byte)

	// Called when the node is deleted.
	OnDestroy(path string)
}

// CacheServerListListener applies published server lists to a client.  The
// locally configured servers win over the remote list unless the client
// prefers remote configuration.
type CacheServerListListener struct {
	client *PooledClient
}

var _ ServerListListener = (*CacheServerListListener)(nil)

func NewCacheServerListListener(
	client *PooledClient) *CacheServerListListener {

	return &CacheServerListListener{client: client}
}

// See ServerListListener for documentation.
func (l *CacheServerListListener) OnInit(path string, data []byte) {
	servers, err := ParseServerList(string(data))
	if err != nil {
		l.client.options.LogError(err)
		return
	}
	if len(servers) == 0 {
		return
	}
	if !l.client.options.PreferRemoteConfig {
		l.client.options.LogInfo(
			"Ignoring remote server list at ", path,
			": local configuration preferred.")
		return
	}
	l.client.UpdateServers(servers)
}

// See ServerListListener for documentation.
func (l *CacheServerListListener) OnCommit(path string, data []byte) {
	servers, err := ParseServerList(string(data))
	if err != nil {
		l.client.options.LogError(err)
		return
	}
	l.client.UpdateServers(servers)
}

// See ServerListListener for documentation.
func (l *CacheServerListListener) OnDestroy(path string) {
	// The publisher went away; keep serving with the current fleet.
	l.client.options.LogInfo(
		"Server list node ", path, " destroyed; keeping current servers.")
}

// This reconciles the fleet against a newly published server list: new
// servers join the ring, servers absent from the list are removed.
// Quarantined servers count as present so a flapping server is not
// forgotten by an unrelated update.
func (c *PooledClient) UpdateServers(addresses []string) {
	current := make(map[string]struct{})
	for _, address := range c.ring.Servers() {
		current[address] = struct{}{}
	}
	for _, address := range c.monitor.quarantined() {
		current[address] = struct{}{}
	}

	published := make(map[string]struct{}, len(addresses))
	for _, address := range addresses {
		published[address] = struct{}{}
		if _, inMap := current[address]; !inMap {
			if err := c.addServer(address, true); err != nil {
				c.options.LogError(err)
			}
		}
	}

	for address := range current {
		if _, inMap := published[address]; !inMap {
			c.RemoveServer(address)
		}
	}
}
