package registry

import (
	"sort"
	"time"

	"github.com/amurg-ai/relay/pkg/protocol"
)

// ConnectionStatus is a point-in-time view of the registry.
type ConnectionStatus struct {
	ActiveConnections int              `json:"activeConnections"`
	Runtimes          int              `json:"runtimes"`
	Agents            int              `json:"agents"`
	Projects          []ProjectStatus  `json:"projects"`
	Connections       []ConnectionInfo `json:"connections"`
	GeneratedAt       time.Time        `json:"generatedAt"`
}

// ProjectStatus summarizes one project.
type ProjectStatus struct {
	ProjectID    string    `json:"projectId"`
	HasRuntime   bool      `json:"hasRuntime"`
	RuntimeID    string    `json:"runtimeId,omitempty"`
	AgentCount   int       `json:"agentCount"`
	LastActivity time.Time `json:"lastActivity"`
}

// ConnectionInfo describes one connection.
type ConnectionInfo struct {
	ID          string              `json:"id"`
	Role        protocol.ClientType `json:"role"`
	ProjectID   string              `json:"projectId"`
	ConnectedAt time.Time           `json:"connectedAt"`
	AgeMillis   int64               `json:"ageMs"`
	Metadata    protocol.Metadata   `json:"metadata,omitempty"`
}

// Snapshot copies the registry contents under the read lock and does the
// sorting after releasing it.
func (r *Registry) Snapshot() ConnectionStatus {
	r.mu.RLock()
	now := r.now()
	st := ConnectionStatus{
		ActiveConnections: len(r.conns),
		Projects:          make([]ProjectStatus, 0, len(r.projects)),
		Connections:       make([]ConnectionInfo, 0, len(r.conns)),
		GeneratedAt:       now,
	}
	for id, ps := range r.projects {
		p := ProjectStatus{
			ProjectID:    id,
			AgentCount:   len(ps.agents),
			LastActivity: ps.lastActivity,
		}
		if ps.runtime != nil {
			p.HasRuntime = true
			p.RuntimeID = ps.runtime.ID
		}
		st.Projects = append(st.Projects, p)
	}
	for _, c := range r.conns {
		st.Connections = append(st.Connections, ConnectionInfo{
			ID:          c.ID,
			Role:        c.Role,
			ProjectID:   c.ProjectID,
			ConnectedAt: c.ConnectedAt,
			AgeMillis:   now.Sub(c.ConnectedAt).Milliseconds(),
			Metadata:    c.Metadata,
		})
		switch c.Role {
		case protocol.ClientRuntime:
			st.Runtimes++
		case protocol.ClientAgent:
			st.Agents++
		}
	}
	r.mu.RUnlock()

	sort.Slice(st.Projects, func(i, j int) bool { return st.Projects[i].ProjectID < st.Projects[j].ProjectID })
	sort.Slice(st.Connections, func(i, j int) bool {
		if st.Connections[i].ProjectID != st.Connections[j].ProjectID {
			return st.Connections[i].ProjectID < st.Connections[j].ProjectID
		}
		return st.Connections[i].ID < st.Connections[j].ID
	})
	return st
}

// Project returns the status of a single project.
func (st ConnectionStatus) Project(id string) (ProjectStatus, bool) {
	for _, p := range st.Projects {
		if p.ProjectID == id {
			return p, true
		}
	}
	return ProjectStatus{}, false
}
