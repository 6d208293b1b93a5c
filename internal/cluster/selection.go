package cluster

import (
	"math/rand"
	"sort"

	"github.com/ulala-x/playhouse-go/internal/model"
)

// eligible filters candidates down to Running servers with positive weight,
// the shared precondition for every selection policy (spec.md §4.3).
func eligible(candidates []model.ServerInfo) []model.ServerInfo {
	out := candidates[:0:0]
	for _, info := range candidates {
		if info.State == model.Running && info.Weight > 0 {
			out = append(out, info)
		}
	}
	return out
}

// SelectRoundRobin advances a per-(service_id, type) counter and returns the
// next eligible server, wrapping modulo the candidate count. Returns false if
// no candidate qualifies.
func (c *Center) SelectRoundRobin(serviceID uint16, typ model.ServerType) (model.ServerInfo, bool) {
	pool := eligible(c.candidates(serviceID, typ))
	if len(pool) == 0 {
		return model.ServerInfo{}, false
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ServerID < pool[j].ServerID })

	key := serviceKey{ServiceID: serviceID, Type: typ}
	c.mu.Lock()
	n := c.rrCounters[key]
	c.rrCounters[key] = n + 1
	c.mu.Unlock()

	return pool[n%uint64(len(pool))], true
}

// SelectWeighted picks uniformly in [0, sum_of_weights) and walks the
// cumulative distribution (spec.md §4.3 stochastic policy).
func (c *Center) SelectWeighted(serviceID uint16, typ model.ServerType) (model.ServerInfo, bool) {
	pool := eligible(c.candidates(serviceID, typ))
	if len(pool) == 0 {
		return model.ServerInfo{}, false
	}

	var total int
	for _, info := range pool {
		total += info.Weight
	}
	if total == 0 {
		return model.ServerInfo{}, false
	}

	pick := int(rand.Int63n(int64(total)))
	var cum int
	for _, info := range pool {
		cum += info.Weight
		if pick < cum {
			return info, true
		}
	}
	return pool[len(pool)-1], true
}

// LoadFunc reports the current load for a server id, lower is less loaded.
// Fed in by the caller — the core has no opinion on what "load" means.
type LoadFunc func(serverID string) (load float64, ok bool)

// SelectLeastLoaded picks the eligible server with the lowest reported load,
// ties broken by server id (spec.md §4.3 optional policy). A candidate with
// no reported load is skipped.
func (c *Center) SelectLeastLoaded(serviceID uint16, typ model.ServerType, load LoadFunc) (model.ServerInfo, bool) {
	pool := eligible(c.candidates(serviceID, typ))
	var best model.ServerInfo
	var bestLoad float64
	found := false

	for _, info := range pool {
		l, ok := load(info.ServerID)
		if !ok {
			continue
		}
		if !found || l < bestLoad || (l == bestLoad && info.ServerID < best.ServerID) {
			best, bestLoad, found = info, l, true
		}
	}
	return best, found
}
