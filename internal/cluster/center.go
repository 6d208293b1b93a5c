// Package cluster implements the server mesh: the authoritative fleet
// snapshot (spec.md §4.3), selection policies, the persistent-link mesh
// communicator (§4.4), and the discovery-driven address resolver (§4.5).
package cluster

import (
	"sync"

	"github.com/ulala-x/playhouse-go/internal/model"
)

// Diff is the minimal set of changes produced by one Update call.
type Diff struct {
	Added   []model.ServerInfo
	Updated []model.ServerInfo
	Removed []model.ServerInfo
}

// Empty reports whether a Diff carries no changes at all.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

type serviceKey struct {
	ServiceID uint16
	Type      model.ServerType
}

// Center holds the current fleet snapshot plus secondary indexes keyed by
// (service_id, server_type) and by nid (spec.md §4.3).
type Center struct {
	mu sync.RWMutex

	byID  map[string]model.ServerInfo
	byNid map[string]string // nid -> server id
	byKey map[serviceKey][]string

	rrCounters map[serviceKey]uint64
}

// NewCenter creates an empty fleet snapshot.
func NewCenter() *Center {
	return &Center{
		byID:       make(map[string]model.ServerInfo),
		byNid:      make(map[string]string),
		byKey:      make(map[serviceKey][]string),
		rrCounters: make(map[serviceKey]uint64),
	}
}

// Update replaces the snapshot with list and returns the minimal diff
// against the prior snapshot. Entries are compared via ServerInfo.Comparable
// (address, state, weight, service_id, server_type) — a LastHeartbeat-only
// change never produces an Updated entry.
func (c *Center) Update(list []model.ServerInfo) Diff {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]model.ServerInfo, len(list))
	for _, info := range list {
		next[info.ServerID] = info
	}

	var diff Diff
	for id, info := range next {
		if prev, ok := c.byID[id]; !ok {
			diff.Added = append(diff.Added, info)
		} else if !prev.Comparable(info) {
			diff.Updated = append(diff.Updated, info)
		}
	}
	for id, prev := range c.byID {
		if _, ok := next[id]; !ok {
			diff.Removed = append(diff.Removed, prev)
		}
	}

	c.byID = next
	c.byNid = make(map[string]string, len(next))
	c.byKey = make(map[serviceKey][]string, len(c.byKey))
	for id, info := range next {
		c.byNid[info.Nid] = id
		key := serviceKey{ServiceID: info.ServiceID, Type: info.Type}
		c.byKey[key] = append(c.byKey[key], id)
	}

	return diff
}

// Get returns the current info for a server id.
func (c *Center) Get(serverID string) (model.ServerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.byID[serverID]
	return info, ok
}

// GetByNid resolves a wire-level nid to the full ServerInfo.
func (c *Center) GetByNid(nid string) (model.ServerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byNid[nid]
	if !ok {
		return model.ServerInfo{}, false
	}
	return c.byID[id], true
}

// candidates returns the current member list for (serviceID, typ), snapshot
// copied so callers never observe a slice that mutates under them.
func (c *Center) candidates(serviceID uint16, typ model.ServerType) []model.ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.byKey[serviceKey{ServiceID: serviceID, Type: typ}]
	out := make([]model.ServerInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.byID[id])
	}
	return out
}

// All returns every known server, snapshot copied.
func (c *Center) All() []model.ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.ServerInfo, 0, len(c.byID))
	for _, info := range c.byID {
		out = append(out, info)
	}
	return out
}
