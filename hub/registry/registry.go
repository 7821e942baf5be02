// Package registry tracks live peer connections, partitioned by project.
//
// A project holds at most one runtime connection and any number of agent
// connections. Registering a runtime for a project that already has one
// evicts the previous runtime: it is removed and its peer is closed.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/amurg-ai/relay/pkg/protocol"
)

var (
	ErrDuplicateID       = errors.New("registry: duplicate connection id")
	ErrInvalidConnection = errors.New("registry: invalid connection")
)

// ReasonSuperseded is the close reason given to an evicted runtime.
const ReasonSuperseded = "superseded by a newer runtime connection"

// Peer is the transport side of a connection. The registry borrows it: it may
// signal closure but never owns the underlying socket.
type Peer interface {
	Send(env protocol.Envelope) error
	Close(reason string)
}

// Connection is one registered socket.
type Connection struct {
	ID          string
	Role        protocol.ClientType
	ProjectID   string
	ConnectedAt time.Time
	Metadata    protocol.Metadata
	Peer        Peer
}

// EvictionHandler is notified after a runtime has been replaced.
type EvictionHandler func(evicted, replacement *Connection)

type projectSet struct {
	runtime      *Connection
	agents       map[string]*Connection
	lastActivity time.Time
}

func (p *projectSet) empty() bool {
	return p.runtime == nil && len(p.agents) == 0
}

// Registry is safe for concurrent use. All mutation happens under a single
// mutex; peers are closed and handlers invoked only after it is released.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	projects map[string]*projectSet

	onEvict EvictionHandler
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvictionHandler installs fn to be called after every runtime eviction.
func WithEvictionHandler(fn EvictionHandler) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// WithClock overrides the time source used for activity timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:    make(map[string]*Connection),
		projects: make(map[string]*projectSet),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds c. If c is a runtime and its project already has one, the
// previous runtime is removed, closed and returned.
func (r *Registry) Register(c *Connection) (evicted *Connection, err error) {
	if c == nil || c.ID == "" || c.ProjectID == "" || !c.Role.Valid() {
		return nil, ErrInvalidConnection
	}

	r.mu.Lock()
	if _, exists := r.conns[c.ID]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateID
	}

	ps := r.projects[c.ProjectID]
	if ps == nil {
		ps = &projectSet{agents: make(map[string]*Connection)}
		r.projects[c.ProjectID] = ps
	}

	switch c.Role {
	case protocol.ClientRuntime:
		if ps.runtime != nil {
			evicted = ps.runtime
			delete(r.conns, evicted.ID)
		}
		ps.runtime = c
	case protocol.ClientAgent:
		ps.agents[c.ID] = c
	}
	r.conns[c.ID] = c
	ps.lastActivity = r.now()
	onEvict := r.onEvict
	r.mu.Unlock()

	if evicted != nil {
		if evicted.Peer != nil {
			evicted.Peer.Close(ReasonSuperseded)
		}
		if onEvict != nil {
			onEvict(evicted, c)
		}
	}
	return evicted, nil
}

// Unregister removes the connection with the given id. Removing an id that is
// not registered is a no-op.
func (r *Registry) Unregister(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)

	if ps := r.projects[c.ProjectID]; ps != nil {
		if ps.runtime != nil && ps.runtime.ID == id {
			ps.runtime = nil
		}
		delete(ps.agents, id)
		ps.lastActivity = r.now()
		if ps.empty() {
			delete(r.projects, c.ProjectID)
		}
	}
	return c, true
}

// Get returns the connection registered under id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// FindRuntime returns the project's runtime connection, if any.
func (r *Registry) FindRuntime(projectID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps := r.projects[projectID]
	if ps == nil || ps.runtime == nil {
		return nil, false
	}
	return ps.runtime, true
}

// FindAgents returns the project's agent connections ordered by connect time.
func (r *Registry) FindAgents(projectID string) []*Connection {
	r.mu.RLock()
	ps := r.projects[projectID]
	var agents []*Connection
	if ps != nil {
		agents = make([]*Connection, 0, len(ps.agents))
		for _, c := range ps.agents {
			agents = append(agents, c)
		}
	}
	r.mu.RUnlock()

	sortConnections(agents)
	return agents
}

// Touch records activity for a project.
func (r *Registry) Touch(projectID string) {
	r.mu.Lock()
	if ps := r.projects[projectID]; ps != nil {
		ps.lastActivity = r.now()
	}
	r.mu.Unlock()
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func sortConnections(conns []*Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
}
