package cluster

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/ulala-x/playhouse-go/internal/model"
	"github.com/ulala-x/playhouse-go/internal/reqcache"
	"github.com/ulala-x/playhouse-go/internal/wire"
)

// ErrLinkNotConnected is returned/reported when Send or Request targets a
// server id with no established link (spec.md §4.4).
var ErrLinkNotConnected = errors.New("cluster: link not connected")

const meshALPN = "playhouse-mesh"

// link is one persistent outbound QUIC connection to a peer server.
type link struct {
	serverID string
	address  string
	conn     quic.Connection

	mu     sync.Mutex
	closed bool
}

// Communicator maintains one persistent outbound link per known server id
// and multiplexes route packets (requests, responses, pushes) over QUIC
// streams, correlating replies through a request cache (spec.md §4.4).
type Communicator struct {
	selfNid   string
	tlsConf   *tls.Config
	maxBody   uint32
	onRequest func(rp model.RoutePacket)
	log       *slog.Logger

	cache *reqcache.Cache

	mu    sync.Mutex
	links map[string]*link
}

// CommunicatorOption configures a Communicator at construction time.
type CommunicatorOption func(*Communicator)

// WithOnRequest registers the callback invoked for every inbound route
// packet that is a request (msg_seq != 0, kind=request) or a push. Replies
// are consumed internally and never reach this callback.
func WithOnRequest(fn func(rp model.RoutePacket)) CommunicatorOption {
	return func(c *Communicator) { c.onRequest = fn }
}

// WithMaxBodySize bounds the size of an inbound mesh frame body.
func WithMaxBodySize(n uint32) CommunicatorOption {
	return func(c *Communicator) { c.maxBody = n }
}

// NewCommunicator creates a Communicator for the local node selfNid (kept on
// the Communicator only; outbound packets carry whatever RouteHeader.From the
// caller sets), using tlsConf for both dialing and accepting QUIC connections, and cache
// to correlate outbound Requests with their replies.
func NewCommunicator(selfNid string, tlsConf *tls.Config, cache *reqcache.Cache, log *slog.Logger, opts ...CommunicatorOption) *Communicator {
	if log == nil {
		log = slog.Default()
	}
	c := &Communicator{
		selfNid: selfNid,
		tlsConf: tlsConf,
		maxBody: 2 << 20,
		cache:   cache,
		log:     log,
		links:   make(map[string]*link),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Serve accepts inbound mesh connections on addr until ctx is canceled.
func (c *Communicator) Serve(ctx context.Context, addr string) error {
	tlsConf := c.tlsConf.Clone()
	tlsConf.NextProtos = []string{meshALPN}

	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("cluster: listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	c.log.Info("mesh listening", "addr", addr)
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("mesh accept failed", "err", err)
			continue
		}
		go c.serveConn(ctx, conn)
	}
}

func (c *Communicator) serveConn(ctx context.Context, conn quic.Connection) {
	traceID := uuid.NewString()
	c.log.Debug("mesh inbound connection", "trace_id", traceID, "remote", conn.RemoteAddr())
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			c.log.Debug("mesh connection closed", "trace_id", traceID, "err", err)
			return
		}
		go c.serveStream(stream, traceID)
	}
}

func (c *Communicator) serveStream(stream quic.Stream, traceID string) {
	defer stream.Close()
	for {
		rp, isResponse, buf, err := wire.ReadRouteFrame(stream, c.maxBody)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("mesh stream read failed", "trace_id", traceID, "err", err)
			}
			return
		}
		c.dispatch(rp, isResponse)
		buf.Release()
	}
}

func (c *Communicator) dispatch(rp model.RoutePacket, isResponse bool) {
	if isResponse {
		if !c.cache.Complete(rp.MsgSeq, rp.Packet) {
			c.log.Debug("mesh unmatched reply dropped", "msg_seq", rp.MsgSeq, "msg_id", rp.MsgID)
		}
		return
	}
	if c.onRequest != nil {
		c.onRequest(rp)
	}
}

// Connect idempotently establishes a link to serverID at address. A second
// call for an already-connected server id is a no-op.
func (c *Communicator) Connect(ctx context.Context, serverID, address string) error {
	c.mu.Lock()
	if _, ok := c.links[serverID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	tlsConf := c.tlsConf.Clone()
	tlsConf.NextProtos = []string{meshALPN}

	conn, err := quic.DialAddr(ctx, address, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("cluster: dial %s (%s): %w", serverID, address, err)
	}

	l := &link{serverID: serverID, address: address, conn: conn}
	c.mu.Lock()
	if existing, ok := c.links[serverID]; ok {
		c.mu.Unlock()
		_ = conn.CloseWithError(0, "superseded")
		_ = existing
		return nil
	}
	c.links[serverID] = l
	c.mu.Unlock()

	go c.serveConn(context.Background(), conn)
	c.log.Info("mesh link connected", "server_id", serverID, "address", address)
	return nil
}

// Disconnect idempotently tears down the link to serverID, failing any
// pending outbound requests bound there with a link-closed error.
func (c *Communicator) Disconnect(serverID string) {
	c.mu.Lock()
	l, ok := c.links[serverID]
	if ok {
		delete(c.links, serverID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	_ = l.conn.CloseWithError(0, "disconnect")

	c.cache.CancelTarget(serverID, reqcache.ErrLinkClosed)
	c.log.Info("mesh link disconnected", "server_id", serverID)
}

// Send enqueues rp on the link to targetServerID as a fire-and-forget push
// or request frame (isResponse selects the trailer layout). If the link is
// not connected the packet is dropped and logged.
func (c *Communicator) Send(targetServerID string, rp model.RoutePacket, isResponse bool) error {
	l, ok := c.getLink(targetServerID)
	if !ok {
		c.log.Warn("mesh send to unconnected target dropped", "target", targetServerID, "msg_id", rp.MsgID)
		return ErrLinkNotConnected
	}
	return l.write(rp, isResponse)
}

// Request assigns a fresh msg_seq, registers a reply callback keyed to
// ownerStageID in the shared request cache, and sends rp to targetServerID
// stamped with that seq. It returns a non-nil error when the link is missing
// or the write fails; deliver is still invoked in both cases. The caller supplies
// deliver, which the cache invokes exactly once (success, error, or
// timeout) — scheduling it onto the owning Stage's loop is the caller's
// responsibility (spec.md §4.4: "reply delivery back to the caller's Stage
// loop").
func (c *Communicator) Request(targetServerID string, rp model.RoutePacket, ownerStageID int64, timeout time.Duration, deliver func(reqcache.Result)) error {
	l, ok := c.getLink(targetServerID)
	if !ok {
		deliver(reqcache.Result{Err: ErrLinkNotConnected})
		return ErrLinkNotConnected
	}

	seq := c.cache.Register(targetServerID, ownerStageID, timeout, deliver)
	rp.MsgSeq = seq
	if err := l.write(rp, false); err != nil {
		c.cache.Complete(seq, model.Packet{MsgSeq: seq, ErrorCode: model.ServiceUnavailable})
		return err
	}
	return nil
}

func (c *Communicator) getLink(serverID string) (*link, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[serverID]
	return l, ok
}

// Close tears down every active link.
func (c *Communicator) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.links))
	for id := range c.links {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Disconnect(id)
	}
}

func (l *link) write(rp model.RoutePacket, isResponse bool) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkNotConnected
	}
	l.mu.Unlock()

	frame, err := wire.EncodeRouteFrame(rp, isResponse)
	if err != nil {
		return err
	}

	stream, err := l.conn.OpenStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("cluster: open stream to %s: %w", l.serverID, err)
	}
	defer stream.Close()
	_, err = stream.Write(frame)
	return err
}
