package dispatch

import (
	"fmt"
	"time"

	"github.com/ulala-x/playhouse-go/internal/contract"
	"github.com/ulala-x/playhouse-go/internal/model"
	"github.com/ulala-x/playhouse-go/internal/reqcache"
	"github.com/ulala-x/playhouse-go/internal/stageloop"
)

// stageSender is the concrete contract.StageSender handed to content Stage
// instances (spec.md §4.8). One per stageHandle, constructed alongside it.
type stageSender struct {
	d *Dispatcher
	h *stageHandle
}

func newStageSender(d *Dispatcher, h *stageHandle) *stageSender {
	return &stageSender{d: d, h: h}
}

func (s *stageSender) StageID() int64 { return s.h.id }

func (s *stageSender) Reply(errorCode model.ErrorCode, payload []byte) {
	if s.h.currentReply == nil {
		s.d.log.Warn("Reply called outside a dispatched request", "stage_id", s.h.id)
		return
	}
	s.h.currentReply(uint16(errorCode), payload)
}

func (s *stageSender) SendToClient(sid int64, msgID string, payload []byte) {
	s.d.sendToClient(sid, msgID, s.h.id, payload)
}

func (s *stageSender) SendToStage(targetStageID int64, msgID string, payload []byte) {
	s.d.sendToStageLocal(targetStageID, s.h.id, msgID, payload)
}

func (s *stageSender) RequestToStage(targetStageID int64, msgID string, payload []byte, timeout time.Duration) (model.Packet, error) {
	return s.d.requestToStageLocal(targetStageID, s.h.id, msgID, payload, timeout)
}

func (s *stageSender) SendToSystem(targetServerID, msgID string, payload []byte) {
	s.d.sendToSystem(targetServerID, s.h.id, msgID, payload)
}

func (s *stageSender) RequestToSystem(targetServerID, msgID string, payload []byte, timeout time.Duration) (model.Packet, error) {
	return s.d.requestToSystem(targetServerID, s.h.id, msgID, payload, timeout)
}

func (s *stageSender) SendToService(serviceID uint16, serverType model.ServerType, policy contract.SelectionPolicy, msgID string, payload []byte) error {
	return s.d.sendToService(serviceID, serverType, policy, s.h.id, msgID, payload)
}

func (s *stageSender) RequestToService(serviceID uint16, serverType model.ServerType, policy contract.SelectionPolicy, msgID string, payload []byte, timeout time.Duration) (model.Packet, error) {
	return s.d.requestToService(serviceID, serverType, policy, s.h.id, msgID, payload, timeout)
}

func (s *stageSender) StartTimer(repeating bool, initialDelay, period time.Duration, callback func()) {
	stageloop.StartTimer(s.h.loop, repeating, initialDelay, period, callback)
}

func (s *stageSender) AsyncBlock(pre func() any, post func(any)) {
	stageloop.AsyncBlock(s.h.loop, pre, post)
}

// actorSender wraps a stageSender with the per-Actor operations (spec.md
// §4.8 ActorSender).
type actorSender struct {
	*stageSender
	a *actorHandle
}

func newActorSender(d *Dispatcher, h *stageHandle, a *actorHandle) *actorSender {
	return &actorSender{stageSender: newStageSender(d, h), a: a}
}

func (s *actorSender) AccountID() string { return s.a.accountID }
func (s *actorSender) SessionID() int64  { return s.a.sid }

// SetAccountID implements contract.ActorSender. Only ever called from
// within OnAuthenticate, which runs on the owning Stage's loop via
// stageHandle.call, so no locking is needed here.
func (s *actorSender) SetAccountID(accountID string) { s.a.accountID = accountID }

func (s *actorSender) PushToClient(msgID string, payload []byte) {
	s.d.sendToClient(s.a.sid, msgID, s.h.id, payload)
}

func (s *actorSender) LeaveStage() {
	accountID := s.a.accountID
	h := s.h
	h.loop.Post(func() {
		a, ok := h.actors[accountID]
		if !ok {
			return
		}
		a.actor.OnDestroy()
		h.removeActor(accountID)
	})
}

// apiSender is the concrete contract.ApiSender handed to stateless API-node
// handlers. It has no owning Stage, so Request* calls register under a
// zero ownerStageID — nothing ever calls CancelStage(0, ...) since Stage
// ids are never 0 (spec.md §3: stage_id addresses a Stage instance, and
// Stage id 0 is reserved to mean "no stage" in route packets / §4.7 step 2).
type apiSender struct {
	d *Dispatcher
}

func newAPISender(d *Dispatcher) *apiSender { return &apiSender{d: d} }

// NewApiSender builds the contract.ApiSender handed to a stateless Api-node
// handler. Unlike a Stage/Actor sender, it is not tied to any stageHandle,
// so integrators construct it directly from a Dispatcher rather than
// receiving one from a factory callback.
func (d *Dispatcher) NewApiSender() contract.ApiSender { return newAPISender(d) }

func (s *apiSender) SendToApi(targetServerID, msgID string, payload []byte) {
	s.d.sendToSystem(targetServerID, 0, msgID, payload)
}

func (s *apiSender) RequestToApi(targetServerID, msgID string, payload []byte, timeout time.Duration) (model.Packet, error) {
	return s.d.requestToSystem(targetServerID, 0, msgID, payload, timeout)
}

func (s *apiSender) SendToSystem(targetServerID, msgID string, payload []byte) {
	s.d.sendToSystem(targetServerID, 0, msgID, payload)
}

func (s *apiSender) RequestToSystem(targetServerID, msgID string, payload []byte, timeout time.Duration) (model.Packet, error) {
	return s.d.requestToSystem(targetServerID, 0, msgID, payload, timeout)
}

func (s *apiSender) SendToService(serviceID uint16, serverType model.ServerType, policy contract.SelectionPolicy, msgID string, payload []byte) error {
	return s.d.sendToService(serviceID, serverType, policy, 0, msgID, payload)
}

func (s *apiSender) RequestToService(serviceID uint16, serverType model.ServerType, policy contract.SelectionPolicy, msgID string, payload []byte, timeout time.Duration) (model.Packet, error) {
	return s.d.requestToService(serviceID, serverType, policy, 0, msgID, payload, timeout)
}

// --- Dispatcher-level outbound plumbing shared by every sender kind ---

func (d *Dispatcher) sendToClient(sid int64, msgID string, stageID int64, payload []byte) {
	if d.clientSender == nil {
		d.log.Warn("SendToClient called with no client transport wired", "sid", sid)
		return
	}
	pkt := model.Packet{MsgID: msgID, MsgSeq: 0, StageID: stageID, Payload: payload}
	if err := d.clientSender.SendToClient(sid, pkt); err != nil {
		d.log.Warn("push to client failed", "sid", sid, "err", err)
	}
}

func (d *Dispatcher) sendToStageLocal(targetStageID, fromStageID int64, msgID string, payload []byte) {
	h, ok := d.getStage(targetStageID)
	if !ok {
		d.log.Warn("SendToStage target not found", "target_stage_id", targetStageID)
		return
	}
	pkt := model.Packet{MsgID: msgID, MsgSeq: 0, StageID: fromStageID, Payload: payload}
	h.loop.Post(func() {
		h.stage.OnDispatch(nil, pkt)
	})
}

func (d *Dispatcher) requestToStageLocal(targetStageID, fromStageID int64, msgID string, payload []byte, timeout time.Duration) (model.Packet, error) {
	h, ok := d.getStage(targetStageID)
	if !ok {
		return model.Packet{}, fmt.Errorf("dispatch: stage %d not found", targetStageID)
	}
	resultCh := make(chan reqcache.Result, 1)
	seq := d.reqCache.Register(d.selfServerID, fromStageID, timeout, func(r reqcache.Result) { resultCh <- r })

	pkt := model.Packet{MsgID: msgID, MsgSeq: seq, StageID: fromStageID, Payload: payload}
	h.loop.Post(func() {
		prevReply := h.currentReply
		h.currentReply = func(ec uint16, respPayload []byte) {
			d.reqCache.Complete(seq, model.Packet{MsgID: msgID, MsgSeq: seq, StageID: targetStageID, Payload: respPayload, ErrorCode: model.ErrorCode(ec)})
		}
		h.stage.OnDispatch(nil, pkt)
		h.currentReply = prevReply
	})

	r := <-resultCh
	return r.Packet, r.Err
}

func (d *Dispatcher) sendToSystem(targetServerID string, fromStageID int64, msgID string, payload []byte) {
	rp := model.RoutePacket{
		Packet:      model.Packet{MsgID: msgID, MsgSeq: 0, StageID: fromStageID, Payload: payload},
		RouteHeader: model.RouteHeader{From: d.selfNid},
	}
	if err := d.comm.Send(targetServerID, rp, false); err != nil {
		d.log.Warn("SendToSystem failed", "target", targetServerID, "err", err)
	}
}

func (d *Dispatcher) requestToSystem(targetServerID string, fromStageID int64, msgID string, payload []byte, timeout time.Duration) (model.Packet, error) {
	rp := model.RoutePacket{
		Packet:      model.Packet{MsgID: msgID, StageID: fromStageID, Payload: payload},
		RouteHeader: model.RouteHeader{From: d.selfNid},
	}
	resultCh := make(chan reqcache.Result, 1)
	err := d.comm.Request(targetServerID, rp, fromStageID, timeout, func(r reqcache.Result) { resultCh <- r })
	if err != nil {
		return model.Packet{}, err
	}
	r := <-resultCh
	return r.Packet, r.Err
}

func (d *Dispatcher) selectServer(serviceID uint16, serverType model.ServerType, policy contract.SelectionPolicy) (model.ServerInfo, bool) {
	switch policy {
	case contract.Weighted:
		return d.center.SelectWeighted(serviceID, serverType)
	case contract.LeastLoaded:
		return d.center.SelectLeastLoaded(serviceID, serverType, func(string) (float64, bool) { return 0, false })
	default:
		return d.center.SelectRoundRobin(serviceID, serverType)
	}
}

func (d *Dispatcher) sendToService(serviceID uint16, serverType model.ServerType, policy contract.SelectionPolicy, fromStageID int64, msgID string, payload []byte) error {
	target, ok := d.selectServer(serviceID, serverType, policy)
	if !ok {
		return model.ServiceUnavailable
	}
	d.sendToSystem(target.ServerID, fromStageID, msgID, payload)
	return nil
}

func (d *Dispatcher) requestToService(serviceID uint16, serverType model.ServerType, policy contract.SelectionPolicy, fromStageID int64, msgID string, payload []byte, timeout time.Duration) (model.Packet, error) {
	target, ok := d.selectServer(serviceID, serverType, policy)
	if !ok {
		return model.Packet{}, model.ServiceUnavailable
	}
	return d.requestToSystem(target.ServerID, fromStageID, msgID, payload, timeout)
}
