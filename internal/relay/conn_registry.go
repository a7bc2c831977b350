package relay

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ConnRegistry maps connection ids to live websocket sessions. Fan-out
// resolves registry targets through it.
type ConnRegistry struct {
	conns *xsync.MapOf[string, *WsConnection]
	count atomic.Int64
	max   int64
}

// NewConnRegistry returns a registry admitting at most max connections.
func NewConnRegistry(max int) *ConnRegistry {
	return &ConnRegistry{
		conns: xsync.NewMapOf[string, *WsConnection](),
		max:   int64(max),
	}
}

// Full reports whether a new connection would be refused.
func (r *ConnRegistry) Full() bool {
	return r.count.Load() >= r.max
}

// Add registers c unless the ceiling is reached.
func (r *ConnRegistry) Add(c *WsConnection) bool {
	if r.count.Add(1) > r.max {
		r.count.Add(-1)
		return false
	}
	r.conns.Store(c.id, c)
	return true
}

// Remove forgets c. Removing twice is harmless.
func (r *ConnRegistry) Remove(c *WsConnection) {
	if _, ok := r.conns.LoadAndDelete(c.id); ok {
		r.count.Add(-1)
	}
}

// Get returns the live connection with id.
func (r *ConnRegistry) Get(id string) (*WsConnection, bool) {
	return r.conns.Load(id)
}

// Len is the number of registered connections.
func (r *ConnRegistry) Len() int {
	return int(r.count.Load())
}

// CloseAll asks every connection to close with reason.
func (r *ConnRegistry) CloseAll(reason string) {
	r.conns.Range(func(_ string, c *WsConnection) bool {
		c.Close(reason)
		return true
	})
}
