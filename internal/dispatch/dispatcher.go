// Package dispatch implements the Stage registry and system-command demux
// that sits between the client transport / mesh communicator and content
// Stage/Actor callbacks (spec.md §4.7).
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ulala-x/playhouse-go/internal/cluster"
	"github.com/ulala-x/playhouse-go/internal/contract"
	"github.com/ulala-x/playhouse-go/internal/model"
	"github.com/ulala-x/playhouse-go/internal/reqcache"
)

// System command msg_ids the dispatcher classifies before falling back to
// stage-targeted ClientRoute handling (spec.md §4.7).
const (
	CmdCreateStage       = "$CreateStage"
	CmdGetOrCreateStage  = "$GetOrCreateStage"
	CmdJoinStage         = "$JoinStage"
	CmdCreateJoinStage   = "$CreateJoinStage"
	CmdDisconnectNotice  = "$DisconnectNotice"
	CmdReconnect         = "$Reconnect"
	CmdDestroyStage      = "$DestroyStage"
)

// ClientSession is the minimal view of a client connection the dispatcher
// needs: where to send replies/pushes, and the account binding resolved
// during join (spec.md §3 "Session").
type ClientSession interface {
	Sid() int64
	AccountID() string
	SetAccountID(string)
	Send(pkt model.Packet) error
}

// ClientSender is the transport-level fan-out hook the dispatcher uses to
// reach a sid other than the one currently dispatching (spec.md §4.8
// SendToClient/PushToClient) — e.g. a Stage broadcasting to every joined
// Actor. Wired to the transport listener's session table.
type ClientSender interface {
	SendToClient(sid int64, pkt model.Packet) error
}

// Dispatcher owns the stage_id -> Stage registry for one Play node and
// classifies every inbound route packet into a system command or a
// stage-targeted dispatch (spec.md §4.7).
type Dispatcher struct {
	selfServerID string
	selfNid      string

	factories    *Registry
	apiHandlers  *apiHandlerRegistry
	comm         *cluster.Communicator
	center       *cluster.Center
	reqCache     *reqcache.Cache
	clientSender ClientSender

	requestTimeout time.Duration
	log            *slog.Logger

	mu     sync.RWMutex
	stages map[int64]*stageHandle

	nextStageID int64 // counter behind NextStageID, for callers that don't pick their own id
}

// SetClientSender wires the transport's session table so Stage code can
// push to sids other than the one currently dispatching. Call once during
// node startup, before accepting traffic.
func (d *Dispatcher) SetClientSender(cs ClientSender) {
	d.clientSender = cs
}

// Deps bundles the collaborators a Dispatcher is wired against.
type Deps struct {
	SelfServerID   string
	SelfNid        string
	Communicator   *cluster.Communicator
	Center         *cluster.Center
	RequestCache   *reqcache.Cache
	RequestTimeout time.Duration
	Log            *slog.Logger
}

// New creates a Dispatcher. Call RegisterFactory for every stage_type the
// node supports before accepting traffic.
func New(deps Deps) *Dispatcher {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		selfServerID:   deps.SelfServerID,
		selfNid:        deps.SelfNid,
		factories:      NewRegistry(),
		apiHandlers:    newAPIHandlerRegistry(),
		comm:           deps.Communicator,
		center:         deps.Center,
		reqCache:       deps.RequestCache,
		requestTimeout: timeout,
		log:            log,
		stages:         make(map[int64]*stageHandle),
	}
}

// RegisterFactory binds a content factory to stageType.
func (d *Dispatcher) RegisterFactory(stageType string, f contract.ContentFactory) {
	d.factories.Register(stageType, f)
}

// StageCount reports how many Stages are currently registered.
func (d *Dispatcher) StageCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.stages)
}

func (d *Dispatcher) getStage(stageID int64) (*stageHandle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.stages[stageID]
	return h, ok
}

func (d *Dispatcher) putStage(h *stageHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stages[h.id] = h
}

func (d *Dispatcher) dropStage(stageID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.stages, stageID)
}

// NextStageID mints a fresh stage id. The core has no opinion on stage_id
// minting (spec.md §9 open question); this is offered as a convenience for
// integrators who don't derive their own (e.g. from a room name or a
// matchmaker-assigned value) and is exposed through the root API.
func (d *Dispatcher) NextStageID() int64 {
	return atomic.AddInt64(&d.nextStageID, 1)
}

// HandleClientFrame classifies and routes one decoded frame received
// directly from a client session (spec.md §4.7 step 1-3).
func (d *Dispatcher) HandleClientFrame(sess ClientSession, pkt model.Packet) {
	reply := func(ec model.ErrorCode, payload []byte) {
		if pkt.IsPush() {
			return
		}
		resp := model.Packet{MsgID: pkt.MsgID, MsgSeq: pkt.MsgSeq, StageID: pkt.StageID, Payload: payload, ErrorCode: ec}
		if err := sess.Send(resp); err != nil {
			d.log.Warn("send to client failed", "sid", sess.Sid(), "err", err)
		}
	}
	d.route(routeRequest{
		pkt:        pkt,
		accountID:  sess.AccountID(),
		sessionNid: d.selfNid,
		sid:        sess.Sid(),
		onJoinOrReconnect: func(accountID string) {
			sess.SetAccountID(accountID)
		},
		reply: reply,
	})
}

// HandleMeshRequest classifies and routes one inbound route packet
// received over the server mesh (registered as the Communicator's
// onRequest hook).
func (d *Dispatcher) HandleMeshRequest(rp model.RoutePacket) {
	reply := func(ec model.ErrorCode, payload []byte) {
		if rp.IsPush() {
			return
		}
		resp := model.RoutePacket{
			Packet: model.Packet{MsgID: rp.MsgID, MsgSeq: rp.MsgSeq, StageID: rp.StageID, Payload: payload, ErrorCode: ec},
			RouteHeader: model.RouteHeader{
				From:      d.selfNid,
				ServiceID: rp.ServiceID,
				AccountID: rp.AccountID,
				Sid:       rp.Sid,
			},
		}
		// rp.From is a nid; mesh links are keyed by server id.
		target := rp.From
		if d.center != nil {
			if info, ok := d.center.GetByNid(rp.From); ok {
				target = info.ServerID
			}
		}
		if err := d.comm.Send(target, resp, true); err != nil {
			d.log.Warn("mesh reply send failed", "target", target, "err", err)
		}
	}
	d.route(routeRequest{
		pkt:        rp.Packet,
		accountID:  fmt.Sprintf("%d", rp.AccountID),
		sessionNid: rp.From,
		sid:        rp.Sid,
		reply:      reply,
	})
}

// routeRequest carries everything the classify-and-route step needs,
// independent of whether the packet came from a client session or the mesh.
type routeRequest struct {
	pkt               model.Packet
	accountID         string
	sessionNid        string
	sid               int64
	onJoinOrReconnect func(accountID string)
	reply             func(model.ErrorCode, []byte)
}

// route implements spec.md §4.7's three-way classification.
func (d *Dispatcher) route(req routeRequest) {
	switch req.pkt.MsgID {
	case CmdCreateStage:
		d.handleCreateStage(req, false)
	case CmdGetOrCreateStage:
		d.handleCreateStage(req, true)
	case CmdJoinStage:
		d.handleJoinStage(req, false)
	case CmdCreateJoinStage:
		d.handleJoinStage(req, true)
	case CmdDisconnectNotice:
		d.handleDisconnectNotice(req)
	case CmdReconnect:
		d.handleReconnectCommand(req)
	case CmdDestroyStage:
		d.handleDestroyStage(req)
	default:
		if req.pkt.StageID == 0 {
			if h, ok := d.apiHandlers.lookup(req.pkt.MsgID); ok {
				d.runApiHandler(h, req.pkt, req.reply)
				return
			}
			req.reply(model.StageNotFound, nil)
			return
		}
		h, ok := d.getStage(req.pkt.StageID)
		if !ok {
			req.reply(model.StageNotFound, nil)
			return
		}
		accountID := req.accountID
		h.loop.Post(func() {
			d.dispatchClientRoute(h, accountID, req)
		})
	}
}

// dispatchClientRoute runs on h.loop: look up the Actor (if bound) and call
// Stage.OnDispatch (spec.md §4.6 "ClientRoute" message kind).
func (d *Dispatcher) dispatchClientRoute(h *stageHandle, accountID string, req routeRequest) {
	h.currentReply = func(ec uint16, payload []byte) { req.reply(model.ErrorCode(ec), payload) }
	defer func() { h.currentReply = nil }()

	var actor contract.Actor
	if a, ok := h.actors[accountID]; ok {
		actor = a.actor
	}
	h.stage.OnDispatch(actor, req.pkt)
}
