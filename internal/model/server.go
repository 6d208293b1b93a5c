package model

import "time"

// TransportKind selects one of the client-facing listener variants a node
// can expose. Kinds are ORed together in Config.TransportKinds.
type TransportKind int

const (
	TransportTCP TransportKind = 1 << iota
	TransportTCPTLS
	TransportWebSocket
	TransportWebSocketTLS
)

// Has reports whether k includes kind.
func (k TransportKind) Has(kind TransportKind) bool { return k&kind != 0 }

// ServerType classifies a node in the fleet: Play nodes own Stages, Api
// nodes run stateless handlers, Other is anything the integrator adds.
type ServerType int

const (
	Play ServerType = iota
	Api
	Other
)

func (t ServerType) String() string {
	switch t {
	case Play:
		return "play"
	case Api:
		return "api"
	default:
		return "other"
	}
}

// ServerState is the lifecycle state of a fleet member as seen by discovery.
type ServerState int

const (
	Running ServerState = iota
	Disabled
	Paused
)

func (s ServerState) String() string {
	switch s {
	case Running:
		return "running"
	case Disabled:
		return "disabled"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// ServerInfo is the authoritative description of one fleet member, as
// returned by the integrator's discovery function and tracked by the
// server info center.
type ServerInfo struct {
	ServerID      string
	Nid           string
	ServiceID     uint16
	Type          ServerType
	Address       string
	State         ServerState
	Weight        int
	LastHeartbeat time.Time
}

// Comparable reports whether two entries are identical for diffing purposes.
// Per spec.md §4.3, comparison is by (address, state, weight, service_id,
// server_type); LastHeartbeat is deliberately excluded so a heartbeat-only
// refresh never produces a spurious Updated diff.
func (s ServerInfo) Comparable(o ServerInfo) bool {
	return s.Address == o.Address &&
		s.State == o.State &&
		s.Weight == o.Weight &&
		s.ServiceID == o.ServiceID &&
		s.Type == o.Type
}
