// Package streamreg tracks live and historical stream activity per
// client for the dashboard and for operational visibility (design doc
// Section 4.6).
package streamreg

import (
	"sync"
	"time"
)

// Stats accumulates counters for a single client+model pair.
type Stats struct {
	TotalStreams   int `json:"total_streams"`
	TotalChunks    int `json:"total_chunks"`
	BlockedStreams int `json:"blocked_streams"`
	MaskedStreams  int `json:"masked_streams"`
}

// Client is a tracked client, keyed by IP address.
type Client struct {
	IP        string           `json:"ip"`
	FirstSeen time.Time        `json:"first_seen"`
	LastSeen  time.Time        `json:"last_seen"`
	Models    map[string]*Stats `json:"models"`
}

// Registry is an in-memory, thread-safe counter set. It is rebuilt
// from scratch on process restart; unlike the audit ledger it is not
// persisted, since it is derived data rather than a record of fact.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// StreamStarted records the start of a new stream for the given
// client IP and model, creating the client entry if needed.
func (r *Registry) StreamStarted(ip, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.client(ip)
	c.LastSeen = time.Now()
	s := c.stats(model)
	s.TotalStreams++
}

// ChunkForwarded increments the chunk counter for a client+model pair.
func (r *Registry) ChunkForwarded(ip, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.client(ip)
	c.LastSeen = time.Now()
	c.stats(model).TotalChunks++
}

// StreamBlocked records a stream that terminated in a blocked verdict.
func (r *Registry) StreamBlocked(ip, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client(ip).stats(model).BlockedStreams++
}

// StreamMasked records a stream that had at least one masked chunk.
func (r *Registry) StreamMasked(ip, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client(ip).stats(model).MaskedStreams++
}

// Snapshot returns a copy of all tracked clients, safe for the caller
// to serialize (e.g. to JSON for the dashboard) without holding the
// registry lock.
func (r *Registry) Snapshot() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		cp := Client{
			IP:        c.IP,
			FirstSeen: c.FirstSeen,
			LastSeen:  c.LastSeen,
			Models:    make(map[string]*Stats, len(c.Models)),
		}
		for model, s := range c.Models {
			statsCopy := *s
			cp.Models[model] = &statsCopy
		}
		out = append(out, cp)
	}
	return out
}

func (r *Registry) client(ip string) *Client {
	c, ok := r.clients[ip]
	if !ok {
		c = &Client{
			IP:        ip,
			FirstSeen: time.Now(),
			Models:    make(map[string]*Stats),
		}
		r.clients[ip] = c
	}
	return c
}

func (c *Client) stats(model string) *Stats {
	s, ok := c.Models[model]
	if !ok {
		s = &Stats{}
		c.Models[model] = s
	}
	return s
}
