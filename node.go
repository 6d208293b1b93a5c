package playhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ulala-x/playhouse-go/internal/cluster"
	"github.com/ulala-x/playhouse-go/internal/dispatch"
	"github.com/ulala-x/playhouse-go/internal/model"
	"github.com/ulala-x/playhouse-go/internal/reqcache"
	"github.com/ulala-x/playhouse-go/internal/transport"
)

// sweepInterval is how often the request cache's sweeper checks for timed
// out pending requests (spec.md §4.9: "a sweeper fires every 100 ms").
const sweepInterval = 100 * time.Millisecond

// NodeOption configures credential material and collaborators that, unlike
// Config, are Go values rather than serializable tunables (spec.md's own
// Non-goal: "TLS certificate provisioning" is the integrator's job, the
// core only accepts an already-negotiated byte stream abstraction).
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	meshTLS   *tls.Config
	clientTLS *tls.Config
	log       *slog.Logger
}

// WithMeshTLS supplies the TLS material the server mesh communicator uses
// to dial and accept links to other nodes.
func WithMeshTLS(conf *tls.Config) NodeOption {
	return func(o *nodeOptions) { o.meshTLS = conf }
}

// WithClientTLS supplies the TLS material client-facing TCP+TLS and
// WebSocket+TLS listeners terminate with. Ignored by transport kinds that
// don't request TLS.
func WithClientTLS(conf *tls.Config) NodeOption {
	return func(o *nodeOptions) { o.clientTLS = conf }
}

// WithLogger overrides the structured logger every collaborator logs
// through. Defaults to slog.Default().
func WithLogger(log *slog.Logger) NodeOption {
	return func(o *nodeOptions) { o.log = log }
}

// Node wires the wire codec, client transport, request cache, and server
// mesh into one running process for either a Play or an Api server (spec.md
// §1's two process classes). It is the integration surface cmd/playnode and
// cmd/apinode build on.
type Node struct {
	cfg Config
	log *slog.Logger

	cache    *reqcache.Cache
	center   *cluster.Center
	comm     *cluster.Communicator
	resolver *cluster.Resolver
	disp     *dispatch.Dispatcher
	table    *transport.SessionTable

	tcpListener *transport.TCPListener
	wsListener  *transport.WebSocketListener

	meshCtx    context.Context
	meshCancel context.CancelFunc
}

// NewNode builds a Node from cfg, ready to Start. RegisterFactory (for Play
// nodes) must be called before Start so content is bound before traffic
// arrives.
func NewNode(cfg Config, opts ...NodeOption) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := nodeOptions{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	cache := reqcache.New(sweepInterval, o.log)
	center := cluster.NewCenter()

	// disp is assigned below; onRequest only fires once mesh traffic
	// arrives, well after that assignment, so closing over the not-yet-set
	// variable is safe.
	var disp *dispatch.Dispatcher
	comm := cluster.NewCommunicator(cfg.Nid, o.meshTLS, cache, o.log,
		cluster.WithOnRequest(func(rp model.RoutePacket) { disp.HandleMeshRequest(rp) }),
		cluster.WithMaxBodySize(uint32(cfg.MaxPacketSize)),
	)

	disp = dispatch.New(dispatch.Deps{
		SelfServerID:   cfg.ServerID,
		SelfNid:        cfg.Nid,
		Communicator:   comm,
		Center:         center,
		RequestCache:   cache,
		RequestTimeout: cfg.RequestTimeout,
		Log:            o.log,
	})

	table := transport.NewSessionTable()
	disp.SetClientSender(table)

	n := &Node{
		cfg:    cfg,
		log:    o.log,
		cache:  cache,
		center: center,
		comm:   comm,
		disp:   disp,
		table:  table,
	}

	if cfg.Discovery != nil {
		n.resolver = cluster.NewResolver(cfg.ServerID, center, comm, cfg.Discovery, cfg.RefreshInterval, nil, o.log)
	}

	if err := n.startTransports(o.clientTLS); err != nil {
		n.cache.Close()
		return nil, err
	}
	return n, nil
}

// RegisterFactory binds a content factory to stageType. Call before Start.
func (n *Node) RegisterFactory(stageType string, f ContentFactory) {
	n.disp.RegisterFactory(stageType, f)
}

// RegisterApiHandler binds a stateless handler to msg_id. Call before Start.
// Used by Api nodes, which have no Stages to dispatch non-system messages
// through.
func (n *Node) RegisterApiHandler(msgID string, h ApiHandler) {
	n.disp.RegisterApiHandler(msgID, h)
}

// NewApiSender returns the ApiSender a stateless Api-node handler uses to
// reach the rest of the fleet. Valid on any node, but only meaningful when
// Type is Api — a Play node's content should use the StageSender/ActorSender
// a Stage/Actor is constructed with instead.
func (n *Node) NewApiSender() ApiSender { return n.disp.NewApiSender() }

// NextStageID mints a fresh stage id for callers that don't derive their own
// (spec.md §9 open question; e.g. from a room name or matchmaker value).
func (n *Node) NextStageID() int64 { return n.disp.NextStageID() }

// StageCount reports how many Stages are currently registered on this node.
func (n *Node) StageCount() int { return n.disp.StageCount() }

// TCPAddr reports the bound TCP listen address, or nil if TransportTCP and
// TransportTCPTLS were both disabled. Useful when ClientTCPAddress was
// ":0", e.g. in tests.
func (n *Node) TCPAddr() net.Addr {
	if n.tcpListener == nil {
		return nil
	}
	return n.tcpListener.Addr()
}

// WebSocketAddr reports the bound WebSocket listen address, or nil if
// TransportWebSocket and TransportWebSocketTLS were both disabled.
func (n *Node) WebSocketAddr() net.Addr {
	if n.wsListener == nil {
		return nil
	}
	return n.wsListener.Addr()
}

// startTransports starts the client-facing listeners named by
// cfg.TransportKinds. Plain and TLS variants of the same underlying
// transport share one listener and one listen address; the TLS bit just
// decides whether clientTLS wraps it.
func (n *Node) startTransports(clientTLS *tls.Config) error {
	kinds := n.cfg.TransportKinds

	if kinds.Has(TransportTCP) || kinds.Has(TransportTCPTLS) {
		opts := transport.TCPOptions{
			MaxPacketSize:         n.cfg.MaxPacketSize,
			PauseWriterThreshold:  n.cfg.PauseWriterThreshold,
			ResumeWriterThreshold: n.cfg.ResumeWriterThreshold,
			HeartbeatTimeout:      n.cfg.HeartbeatTimeout,
			KeepAliveTime:         n.cfg.TCPKeepAliveTime,
			KeepAliveInterval:     n.cfg.TCPKeepAliveInterval,
			Log:                   n.log,
		}
		if kinds.Has(TransportTCPTLS) {
			opts.TLSConfig = clientTLS
		}
		ln, err := transport.ListenTCP(n.cfg.ClientTCPAddress, n.table, n.disp, opts)
		if err != nil {
			return fmt.Errorf("playhouse: listen tcp %s: %w", n.cfg.ClientTCPAddress, err)
		}
		n.tcpListener = ln
	}

	if kinds.Has(TransportWebSocket) || kinds.Has(TransportWebSocketTLS) {
		opts := transport.WebSocketOptions{
			Path:                  n.cfg.WebSocketPath,
			MaxPacketSize:         n.cfg.MaxPacketSize,
			PauseWriterThreshold:  n.cfg.PauseWriterThreshold,
			ResumeWriterThreshold: n.cfg.ResumeWriterThreshold,
			HeartbeatTimeout:      n.cfg.HeartbeatTimeout,
			Log:                   n.log,
		}
		if kinds.Has(TransportWebSocketTLS) {
			opts.TLSConfig = clientTLS
		}
		ln, err := transport.ListenWebSocket(n.cfg.ClientWebSocketAddress, n.table, n.disp, opts)
		if err != nil {
			if n.tcpListener != nil {
				n.tcpListener.Close()
			}
			return fmt.Errorf("playhouse: listen websocket %s: %w", n.cfg.ClientWebSocketAddress, err)
		}
		n.wsListener = ln
	}
	return nil
}

// Start accepts client connections and mesh links, and begins discovery
// polling if cfg.Discovery was configured. It returns once every listener
// has started serving in the background; call Close (or cancel ctx) to
// shut the node down.
func (n *Node) Start(ctx context.Context) error {
	n.meshCtx, n.meshCancel = context.WithCancel(ctx)

	go func() {
		if err := n.comm.Serve(n.meshCtx, n.cfg.Address); err != nil {
			n.log.Error("mesh serve failed", "addr", n.cfg.Address, "err", err)
		}
	}()

	if n.tcpListener != nil {
		go func() {
			if err := n.tcpListener.Serve(); err != nil {
				n.log.Error("tcp serve failed", "err", err)
			}
		}()
	}
	if n.wsListener != nil {
		go func() {
			if err := n.wsListener.Serve(); err != nil {
				n.log.Error("websocket serve failed", "err", err)
			}
		}()
	}
	if n.resolver != nil {
		go n.resolver.Run(n.meshCtx)
	}

	n.log.Info("node started", "server_id", n.cfg.ServerID, "nid", n.cfg.Nid, "type", n.cfg.Type.String())
	return nil
}

// Close shuts every collaborator down: client listeners, mesh links and
// server, discovery polling, and the request cache sweeper.
func (n *Node) Close() error {
	if n.meshCancel != nil {
		n.meshCancel()
	}
	if n.tcpListener != nil {
		n.tcpListener.Close()
	}
	if n.wsListener != nil {
		n.wsListener.Close()
	}
	n.comm.Close()
	n.cache.Close()
	return nil
}
