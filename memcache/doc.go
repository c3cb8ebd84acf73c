// A multi-server memcache client speaking the binary protocol.  Keys are
// routed to servers by consistent hashing, each server gets a bounded pool
// of persistent connections, and requests are pipelined with positional
// response correlation.  Failing servers are quarantined and rejoin the
// ring automatically once a health probe succeeds.
package memcache
