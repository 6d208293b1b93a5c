package cluster

import (
	"context"
	"log/slog"
	"time"

	"github.com/ulala-x/playhouse-go/internal/model"
)

// DiscoveryFunc returns the current fleet list, as supplied by the host
// application's external discovery feed (spec.md §1 extension point (b)).
type DiscoveryFunc func(self string) ([]model.ServerInfo, error)

// linker is the subset of *Communicator the resolver drives. Narrowed to an
// interface so the diff-to-action table can be tested without real QUIC I/O.
type linker interface {
	Connect(ctx context.Context, serverID, address string) error
	Disconnect(serverID string)
}

// Resolver periodically polls a DiscoveryFunc, feeds the result into a
// Center, and drives a Communicator's Connect/Disconnect calls from the
// resulting diff (spec.md §4.5).
type Resolver struct {
	selfID    string
	center    *Center
	comm      linker
	discovery DiscoveryFunc
	interval  time.Duration
	onChanged func(Diff)
	log       *slog.Logger
}

// NewResolver creates a Resolver. selfID is excluded from every diff the
// resolver acts on, since a node never connects to itself.
func NewResolver(selfID string, center *Center, comm *Communicator, discovery DiscoveryFunc, interval time.Duration, onChanged func(Diff), log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		selfID:    selfID,
		center:    center,
		comm:      comm,
		discovery: discovery,
		interval:  interval,
		onChanged: onChanged,
		log:       log,
	}
}

// Run polls every interval until ctx is canceled. A failed poll is logged
// and the loop continues (spec.md §4.5: "Errors during a cycle are logged;
// the loop continues").
func (r *Resolver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Resolver) tick(ctx context.Context) {
	list, err := r.discovery(r.selfID)
	if err != nil {
		r.log.Warn("discovery poll failed", "err", err)
		return
	}

	prev := make(map[string]model.ServerInfo)
	for _, info := range r.center.All() {
		prev[info.ServerID] = info
	}

	diff := r.center.Update(list)
	if diff.Empty() {
		return
	}

	for _, info := range diff.Added {
		if info.ServerID == r.selfID {
			continue
		}
		if info.State == model.Running {
			if err := r.comm.Connect(ctx, info.ServerID, info.Address); err != nil {
				r.log.Warn("connect failed", "server_id", info.ServerID, "err", err)
			}
		}
	}

	for _, info := range diff.Updated {
		if info.ServerID == r.selfID {
			continue
		}
		old, ok := prev[info.ServerID]
		switch {
		case info.State != model.Running:
			r.comm.Disconnect(info.ServerID)
		case ok && old.Address != info.Address:
			r.comm.Disconnect(info.ServerID)
			if err := r.comm.Connect(ctx, info.ServerID, info.Address); err != nil {
				r.log.Warn("reconnect failed", "server_id", info.ServerID, "err", err)
			}
		}
	}

	for _, info := range diff.Removed {
		if info.ServerID == r.selfID {
			continue
		}
		r.comm.Disconnect(info.ServerID)
	}

	if r.onChanged != nil {
		r.onChanged(diff)
	}
}
