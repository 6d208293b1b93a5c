package dispatch

import (
	"github.com/ulala-x/playhouse-go/internal/model"
	"github.com/ulala-x/playhouse-go/internal/reqcache"
	"github.com/ulala-x/playhouse-go/internal/wire"
)

// createStageIfAbsent returns the existing handle for stageID if one is
// already registered, otherwise builds a new one from stageType's factory,
// runs OnCreate/OnPostCreate on its loop, and registers it. The handle is
// inserted into the registry before OnCreate runs so a second CreateStage
// racing in for the same stage_id finds it rather than building a
// duplicate Stage instance.
func (d *Dispatcher) createStageIfAbsent(stageID int64, stageType string, payload []byte) (h *stageHandle, created bool, err error) {
	if existing, ok := d.getStage(stageID); ok {
		return existing, false, nil
	}

	factory, ok := d.factories.Lookup(stageType)
	if !ok {
		return nil, false, model.InvalidStageType
	}

	h = newStageHandle(stageID, stageType, nil, d.log)
	h.stage = factory.NewStage(newStageSender(d, h))

	d.mu.Lock()
	if existing, ok := d.stages[stageID]; ok {
		d.mu.Unlock()
		h.loop.Close()
		return existing, false, nil
	}
	d.stages[stageID] = h
	d.mu.Unlock()

	var createErr error
	h.call(func() {
		createErr = h.stage.OnCreate(payload)
		if createErr == nil {
			h.isCreated = true
			h.stage.OnPostCreate()
		}
	})
	if createErr != nil {
		d.dropStage(stageID)
		h.loop.Close()
		return nil, false, createErr
	}
	return h, true, nil
}

// handleCreateStage implements CreateStage (allowExisting=false) and
// GetOrCreateStage (allowExisting=true) — spec.md §4.7 system commands.
// The stage_id is always caller-supplied (via Packet.StageID); callers that
// need a fresh one mint it themselves with Dispatcher.NextStageID.
func (d *Dispatcher) handleCreateStage(req routeRequest, allowExisting bool) {
	if req.pkt.StageID == 0 {
		req.reply(model.ProtocolViolation, nil)
		return
	}
	stageType, payload, err := wire.DecodeCreatePayload(req.pkt.Payload)
	if err != nil {
		req.reply(model.ProtocolViolation, nil)
		return
	}

	_, created, err := d.createStageIfAbsent(req.pkt.StageID, stageType, payload)
	if err != nil {
		d.log.Warn("create stage failed", "stage_id", req.pkt.StageID, "stage_type", stageType, "err", err)
		req.reply(model.CreateStageFailed, nil)
		return
	}
	if !created && !allowExisting {
		req.reply(model.StageAlreadyExists, nil)
		return
	}
	req.reply(model.Success, wire.EncodeIsCreatedPayload(created))
}

// handleJoinStage implements JoinStage (createIfMissing=false) and
// CreateJoinStage (createIfMissing=true) — the ten-step flow from
// spec.md §4.7: decode, resolve/create the stage, build the Actor and its
// sender, run OnCreate, run OnAuthenticate (which is where content derives
// and sets the caller's account_id), verify that binding, run
// OnPostAuthenticate, then either merge into an already-joined Actor with
// the same account_id as a reconnect or offer the Actor to the Stage via
// OnJoinStage and, on acceptance, register it and run OnPostJoinStage.
func (d *Dispatcher) handleJoinStage(req routeRequest, createIfMissing bool) {
	if req.pkt.StageID == 0 {
		req.reply(model.ProtocolViolation, nil)
		return
	}
	stageType, apiNid, authPayload, err := wire.DecodeJoinPayload(req.pkt.Payload)
	if err != nil {
		req.reply(model.ProtocolViolation, nil)
		return
	}

	var h *stageHandle
	var created bool
	if createIfMissing {
		h, created, err = d.createStageIfAbsent(req.pkt.StageID, stageType, authPayload)
		if err != nil {
			req.reply(model.CreateStageFailed, nil)
			return
		}
	} else {
		var ok bool
		h, ok = d.getStage(req.pkt.StageID)
		if !ok {
			req.reply(model.StageNotFound, nil)
			return
		}
	}

	factory, ok := d.factories.Lookup(h.stageType)
	if !ok {
		req.reply(model.InvalidStageType, nil)
		return
	}

	var (
		accepted    bool
		authOK      bool
		invalidAcct bool
		reconnected bool
		accountID   string
	)
	h.call(func() {
		ah := &actorHandle{
			sessionNid: req.sessionNid,
			sid:        req.sid,
			apiNid:     apiNid,
		}
		ah.actor = factory.NewActor(newActorSender(d, h, ah))

		ah.actor.OnCreate()
		authOK = ah.actor.OnAuthenticate(authPayload)
		if !authOK {
			ah.actor.OnDestroy()
			return
		}
		if ah.accountID == "" {
			invalidAcct = true
			ah.actor.OnDestroy()
			return
		}
		ah.actor.OnPostAuthenticate()
		accountID = ah.accountID

		// Reconnect-merge (spec.md §4.7 step 7 / §8 Scenario B): a second
		// JoinStage for an account_id already bound on this Stage discards
		// the newly-built actor and rebinds the existing one's triple,
		// rather than rejecting the join.
		if existing, exists := h.actors[accountID]; exists {
			ah.actor.OnDestroy()
			existing.sessionNid = req.sessionNid
			existing.sid = req.sid
			existing.apiNid = apiNid
			h.stage.OnConnectionChanged(existing.actor, true)
			reconnected = true
			return
		}

		if !h.stage.OnJoinStage(ah.actor) {
			ah.actor.OnDestroy()
			return
		}

		h.addActor(ah)
		h.stage.OnPostJoinStage(ah.actor)
		accepted = true
	})

	switch {
	case !authOK:
		req.reply(model.AuthenticationFailed, nil)
	case invalidAcct:
		req.reply(model.InvalidAccountId, nil)
	case reconnected, accepted:
		if req.onJoinOrReconnect != nil {
			req.onJoinOrReconnect(accountID)
		}
		req.reply(model.Success, wire.EncodeIsCreatedPayload(created))
	default:
		req.reply(model.JoinStageRejected, nil)
	}
}

// handleDisconnectNotice implements spec.md §4.7's transport-initiated
// disconnect signal: the Actor stays bound (so a Reconnect can resume it)
// but the Stage is told the connection dropped.
func (d *Dispatcher) handleDisconnectNotice(req routeRequest) {
	h, ok := d.getStage(req.pkt.StageID)
	if !ok {
		req.reply(model.Success, nil)
		return
	}
	h.call(func() {
		a, ok := h.actors[req.accountID]
		if !ok {
			return
		}
		h.stage.OnConnectionChanged(a.actor, false)
	})
	req.reply(model.Success, nil)
}

// handleReconnectCommand rebinds an existing Actor to the session/sid
// presented on this request and tells the Stage the connection is back
// (spec.md §4.7 Reconnect).
func (d *Dispatcher) handleReconnectCommand(req routeRequest) {
	h, ok := d.getStage(req.pkt.StageID)
	if !ok {
		req.reply(model.StageNotFound, nil)
		return
	}
	if req.accountID == "" {
		req.reply(model.InvalidAccountId, nil)
		return
	}

	found := false
	h.call(func() {
		a, ok := h.actors[req.accountID]
		if !ok {
			return
		}
		found = true
		a.sid = req.sid
		a.sessionNid = req.sessionNid
		h.stage.OnConnectionChanged(a.actor, true)
	})
	if !found {
		req.reply(model.ActorNotFound, nil)
		return
	}
	if req.onJoinOrReconnect != nil {
		req.onJoinOrReconnect(req.accountID)
	}
	req.reply(model.Success, nil)
}

// handleDestroyStage implements spec.md §5: tear down every joined Actor in
// join order, destroy the Stage, cancel its pending outbound requests, and
// drop it from the registry. Calling this on a stage_id with no registered
// Stage is a no-op (spec.md §8 invariant: repeated DestroyStage is
// idempotent).
func (d *Dispatcher) handleDestroyStage(req routeRequest) {
	h, ok := d.getStage(req.pkt.StageID)
	if !ok {
		req.reply(model.Success, nil)
		return
	}

	h.call(func() {
		for _, accountID := range h.joinOrder {
			if a, ok := h.actors[accountID]; ok {
				a.actor.OnDestroy()
			}
		}
		h.actors = make(map[string]*actorHandle)
		h.joinOrder = nil
		h.stage.OnDestroy()
	})

	d.reqCache.CancelStage(h.id, reqcache.ErrLinkClosed)
	d.dropStage(h.id)
	h.loop.Close()
	req.reply(model.Success, nil)
}
