package broker

import (
	"sort"
	"time"
)

// ConnectionState enumerates the server-side view of an agent connection.
type ConnectionState string

const (
	AgentRegistered ConnectionState = "registered"
	AgentStale      ConnectionState = "stale"
	AgentExpired    ConnectionState = "expired"
)

// AgentRegistration is the registry record for one agent. Capabilities and
// metadata are replaced wholesale on re-registration; registration is
// idempotent, not additive.
type AgentRegistration struct {
	AgentID      string
	Capabilities map[string]struct{}
	Metadata     map[string]string
	LastSeen     time.Time
	State        ConnectionState
}

// CapabilityList returns the declared capabilities in sorted order.
func (r *AgentRegistration) CapabilityList() []string {
	out := make([]string, 0, len(r.Capabilities))
	for c := range r.Capabilities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Registry tracks agent registrations keyed by agent_id. It is not
// goroutine-safe on its own: the owning Broker serialises all access under
// its mutex, per the single mutual-exclusion domain the dispatch atomicity
// requires.
type Registry struct {
	agents map[string]*AgentRegistration
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*AgentRegistration)}
}

// Upsert registers an agent, overwriting capabilities and metadata for an
// existing agent_id and resetting its state to registered.
func (r *Registry) Upsert(agentID string, capabilities []string, metadata map[string]string, now time.Time) *AgentRegistration {
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		if c == "" {
			continue
		}
		caps[c] = struct{}{}
	}
	reg := &AgentRegistration{
		AgentID:      agentID,
		Capabilities: caps,
		Metadata:     metadata,
		LastSeen:     now,
		State:        AgentRegistered,
	}
	r.agents[agentID] = reg
	return reg
}

// Touch refreshes last_seen for an agent and returns its registration, or
// nil if the agent is unknown.
func (r *Registry) Touch(agentID string, now time.Time) *AgentRegistration {
	reg, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	reg.LastSeen = now
	reg.State = AgentRegistered
	return reg
}

// Get returns the registration for agentID, or nil.
func (r *Registry) Get(agentID string) *AgentRegistration {
	return r.agents[agentID]
}

// Match returns the agent IDs advertising the capability, sorted for
// deterministic ordering. Stale agents remain eligible (they may simply be
// polling slowly); expired agents are excluded.
func (r *Registry) Match(toolName string) []string {
	var out []string
	for id, reg := range r.agents {
		if reg.State == AgentExpired {
			continue
		}
		if _, ok := reg.Capabilities[toolName]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// All returns every non-expired registration, sorted by agent_id.
func (r *Registry) All() []*AgentRegistration {
	out := make([]*AgentRegistration, 0, len(r.agents))
	for _, reg := range r.agents {
		if reg.State == AgentExpired {
			continue
		}
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Sweep marks agents silent past staleAfter as stale and removes agents
// silent past expireAfter. Returns the IDs of expired agents.
func (r *Registry) Sweep(now time.Time, staleAfter, expireAfter time.Duration) []string {
	var expired []string
	for id, reg := range r.agents {
		silence := now.Sub(reg.LastSeen)
		switch {
		case silence >= expireAfter:
			reg.State = AgentExpired
			delete(r.agents, id)
			expired = append(expired, id)
		case silence >= staleAfter:
			if reg.State == AgentRegistered {
				reg.State = AgentStale
			}
		}
	}
	sort.Strings(expired)
	return expired
}

// Len returns the number of tracked agents.
func (r *Registry) Len() int { return len(r.agents) }
