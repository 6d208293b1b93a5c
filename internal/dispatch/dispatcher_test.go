package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/ulala-x/playhouse-go/internal/contract"
	"github.com/ulala-x/playhouse-go/internal/model"
	"github.com/ulala-x/playhouse-go/internal/reqcache"
	"github.com/ulala-x/playhouse-go/internal/wire"
)

// fakeStage is a minimal contract.Stage content implementation for exercising
// the dispatcher's command handling without any real game logic.
type fakeStage struct {
	mu sync.Mutex

	createErr  error
	joinAccept bool

	created     bool
	postCreated bool
	destroyed   bool
	joined      []contract.Actor
	postJoined  []contract.Actor
	connChanges []bool
	dispatched  []model.Packet
}

func newFakeStage(joinAccept bool) *fakeStage {
	return &fakeStage{joinAccept: joinAccept}
}

func (s *fakeStage) OnCreate(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = true
	return s.createErr
}
func (s *fakeStage) OnPostCreate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postCreated = true
}
func (s *fakeStage) OnDestroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
}
func (s *fakeStage) OnJoinStage(actor contract.Actor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = append(s.joined, actor)
	return s.joinAccept
}
func (s *fakeStage) OnPostJoinStage(actor contract.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postJoined = append(s.postJoined, actor)
}
func (s *fakeStage) OnConnectionChanged(actor contract.Actor, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connChanges = append(s.connChanges, connected)
}
func (s *fakeStage) OnDispatch(actor contract.Actor, packet model.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched = append(s.dispatched, packet)
}

// fakeActor is a minimal contract.Actor implementation. accountID is the id
// it reports to its sender on successful authentication, mirroring how real
// content derives account_id from the auth payload inside OnAuthenticate;
// leave it empty to exercise the no-account-id rejection path.
type fakeActor struct {
	mu sync.Mutex

	authAccept bool
	accountID  string
	sender     contract.ActorSender

	created     bool
	destroyed   bool
	postAuthed  bool
	authPayload []byte
}

func newFakeActor(authAccept bool, accountID string) *fakeActor {
	return &fakeActor{authAccept: authAccept, accountID: accountID}
}

func (a *fakeActor) OnCreate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = true
}
func (a *fakeActor) OnDestroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed = true
}
func (a *fakeActor) OnAuthenticate(payload []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authPayload = payload
	if a.authAccept && a.accountID != "" {
		a.sender.SetAccountID(a.accountID)
	}
	return a.authAccept
}
func (a *fakeActor) OnPostAuthenticate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.postAuthed = true
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cache := reqcache.New(50*time.Millisecond, nil)
	t.Cleanup(cache.Close)
	return New(Deps{
		SelfServerID: "play-1",
		SelfNid:      "play-1-nid",
		RequestCache: cache,
	})
}

func registerRoomFactory(d *Dispatcher, stage *fakeStage, actor *fakeActor) {
	d.RegisterFactory("room", contract.ContentFactory{
		NewStage: func(sender contract.StageSender) contract.Stage { return stage },
		NewActor: func(sender contract.ActorSender) contract.Actor {
			if actor != nil {
				actor.sender = sender
			}
			return actor
		},
	})
}

func createPayload(t *testing.T, stageType string, content []byte) []byte {
	t.Helper()
	p, err := wire.EncodeCreatePayload(stageType, content)
	if err != nil {
		t.Fatalf("encode create payload: %v", err)
	}
	return p
}

func joinPayload(t *testing.T, stageType, apiNid string, auth []byte) []byte {
	t.Helper()
	p, err := wire.EncodeJoinPayload(stageType, apiNid, auth)
	if err != nil {
		t.Fatalf("encode join payload: %v", err)
	}
	return p
}

func reply(t *testing.T) (func(model.ErrorCode, []byte), *model.ErrorCode, *[]byte) {
	t.Helper()
	var ec model.ErrorCode
	var payload []byte
	return func(code model.ErrorCode, p []byte) {
		ec = code
		payload = p
	}, &ec, &payload
}

func TestHandleCreateStageSucceeds(t *testing.T) {
	d := newTestDispatcher(t)
	stage := newFakeStage(true)
	registerRoomFactory(d, stage, nil)

	payload := createPayload(t, "room", []byte("hello"))
	replyFn, ec, _ := reply(t)
	d.route(routeRequest{
		pkt:   model.Packet{MsgID: CmdCreateStage, MsgSeq: 1, StageID: 42, Payload: payload},
		reply: replyFn,
	})

	if *ec != model.Success {
		t.Fatalf("expected Success, got %v", *ec)
	}
	if !stage.created || !stage.postCreated {
		t.Fatal("expected OnCreate and OnPostCreate to run")
	}
	if d.StageCount() != 1 {
		t.Fatalf("expected 1 registered stage, got %d", d.StageCount())
	}
}

func TestHandleCreateStageRejectsDuplicate(t *testing.T) {
	d := newTestDispatcher(t)
	stage := newFakeStage(true)
	registerRoomFactory(d, stage, nil)

	payload := createPayload(t, "room", nil)
	replyFn, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdCreateStage, MsgSeq: 1, StageID: 7, Payload: payload}, reply: replyFn})

	replyFn2, ec2, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdCreateStage, MsgSeq: 2, StageID: 7, Payload: payload}, reply: replyFn2})

	if *ec2 != model.StageAlreadyExists {
		t.Fatalf("expected StageAlreadyExists, got %v", *ec2)
	}
}

func TestHandleGetOrCreateStageIsIdempotent(t *testing.T) {
	d := newTestDispatcher(t)
	stage := newFakeStage(true)
	registerRoomFactory(d, stage, nil)
	payload := createPayload(t, "room", nil)

	replyFn1, ec1, payload1 := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdGetOrCreateStage, MsgSeq: 1, StageID: 9, Payload: payload}, reply: replyFn1})
	created1, _ := wire.DecodeIsCreatedPayload(*payload1)

	replyFn2, ec2, payload2 := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdGetOrCreateStage, MsgSeq: 2, StageID: 9, Payload: payload}, reply: replyFn2})
	created2, _ := wire.DecodeIsCreatedPayload(*payload2)

	if *ec1 != model.Success || *ec2 != model.Success {
		t.Fatalf("expected both calls to succeed, got %v / %v", *ec1, *ec2)
	}
	if !created1 || created2 {
		t.Fatalf("expected created=true then false, got %v / %v", created1, created2)
	}
	if d.StageCount() != 1 {
		t.Fatalf("expected a single stage, got %d", d.StageCount())
	}
}

func TestHandleCreateStageUnknownType(t *testing.T) {
	d := newTestDispatcher(t)
	payload := createPayload(t, "nope", nil)
	replyFn, ec, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdCreateStage, MsgSeq: 1, StageID: 1, Payload: payload}, reply: replyFn})

	if *ec != model.CreateStageFailed {
		t.Fatalf("expected CreateStageFailed, got %v", *ec)
	}
}

func TestHandleJoinStageAcceptsActor(t *testing.T) {
	d := newTestDispatcher(t)
	stage := newFakeStage(true)
	actor := newFakeActor(true, "acct-1")
	registerRoomFactory(d, stage, actor)

	createPkt := createPayload(t, "room", nil)
	r1, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdCreateStage, MsgSeq: 1, StageID: 5, Payload: createPkt}, reply: r1})

	var boundAccountID string
	joinPkt := joinPayload(t, "room", "api-1", []byte("token"))
	r2, ec2, _ := reply(t)
	d.route(routeRequest{
		pkt:               model.Packet{MsgID: CmdJoinStage, MsgSeq: 2, StageID: 5, Payload: joinPkt},
		sid:               99,
		onJoinOrReconnect: func(accountID string) { boundAccountID = accountID },
		reply:             r2,
	})

	if *ec2 != model.Success {
		t.Fatalf("expected Success, got %v", *ec2)
	}
	if boundAccountID != "acct-1" {
		t.Fatalf("expected onJoinOrReconnect to bind acct-1, got %q", boundAccountID)
	}
	if !actor.created || !actor.postAuthed {
		t.Fatal("expected Actor OnCreate/OnPostAuthenticate to run")
	}
	if len(stage.postJoined) != 1 {
		t.Fatalf("expected one OnPostJoinStage call, got %d", len(stage.postJoined))
	}
}

func TestHandleJoinStageRejectsFailedAuth(t *testing.T) {
	d := newTestDispatcher(t)
	stage := newFakeStage(true)
	actor := newFakeActor(false, "acct-2")
	registerRoomFactory(d, stage, actor)

	r1, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdCreateStage, MsgSeq: 1, StageID: 6, Payload: createPayload(t, "room", nil)}, reply: r1})

	r2, ec2, _ := reply(t)
	d.route(routeRequest{
		pkt:   model.Packet{MsgID: CmdJoinStage, MsgSeq: 2, StageID: 6, Payload: joinPayload(t, "room", "", []byte("bad"))},
		reply: r2,
	})

	if *ec2 != model.AuthenticationFailed {
		t.Fatalf("expected AuthenticationFailed, got %v", *ec2)
	}
	if !actor.destroyed {
		t.Fatal("expected rejected actor to be torn down via OnDestroy")
	}
}

func TestHandleJoinStageDuplicateAccountReconnects(t *testing.T) {
	d := newTestDispatcher(t)
	stage := newFakeStage(true)
	actor1 := newFakeActor(true, "dup")
	actor2 := newFakeActor(true, "dup")

	var built []*fakeActor
	d.RegisterFactory("room", contract.ContentFactory{
		NewStage: func(sender contract.StageSender) contract.Stage { return stage },
		NewActor: func(sender contract.ActorSender) contract.Actor {
			var a *fakeActor
			if len(built) == 0 {
				a = actor1
			} else {
				a = actor2
			}
			a.sender = sender
			built = append(built, a)
			return a
		},
	})

	r1, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdCreateStage, MsgSeq: 1, StageID: 11, Payload: createPayload(t, "room", nil)}, reply: r1})

	joinPkt := joinPayload(t, "room", "", []byte("tok"))
	r2, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdJoinStage, MsgSeq: 2, StageID: 11, Payload: joinPkt}, sessionNid: "nid-a", sid: 1, reply: r2})

	var reconnected string
	r3, ec3, _ := reply(t)
	d.route(routeRequest{
		pkt:               model.Packet{MsgID: CmdJoinStage, MsgSeq: 3, StageID: 11, Payload: joinPkt},
		sessionNid:        "nid-b",
		sid:               2,
		onJoinOrReconnect: func(accountID string) { reconnected = accountID },
		reply:             r3,
	})

	if *ec3 != model.Success {
		t.Fatalf("expected Success (reconnect-merge) for duplicate account, got %v", *ec3)
	}
	if reconnected != "dup" {
		t.Fatalf("expected reconnect callback for dup, got %q", reconnected)
	}
	if !actor2.destroyed {
		t.Fatal("expected the newly built duplicate actor to be torn down")
	}
	if actor1.destroyed {
		t.Fatal("expected the original actor instance to survive a reconnect-merge")
	}
	if len(stage.connChanges) != 1 || !stage.connChanges[0] {
		t.Fatalf("expected one connected=true OnConnectionChanged call, got %v", stage.connChanges)
	}

	h, ok := d.getStage(11)
	if !ok {
		t.Fatal("expected stage to still exist")
	}
	if h.ActorCount() != 1 {
		t.Fatalf("expected exactly one actor after reconnect-merge, got %d", h.ActorCount())
	}
	existing := h.actors["dup"]
	if existing == nil || existing.actor != actor1 {
		t.Fatal("expected the actor map to still point at the original actor instance")
	}
	if existing.sid != 2 || existing.sessionNid != "nid-b" {
		t.Fatalf("expected the existing actor's triple to be updated to the new session, got sid=%d nid=%q", existing.sid, existing.sessionNid)
	}
}

func TestHandleJoinStageRejectsEmptyAccountID(t *testing.T) {
	d := newTestDispatcher(t)
	stage := newFakeStage(true)
	actor := newFakeActor(true, "") // authenticates but never calls SetAccountID
	registerRoomFactory(d, stage, actor)

	r1, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdCreateStage, MsgSeq: 1, StageID: 12, Payload: createPayload(t, "room", nil)}, reply: r1})

	r2, ec2, _ := reply(t)
	d.route(routeRequest{
		pkt:   model.Packet{MsgID: CmdJoinStage, MsgSeq: 2, StageID: 12, Payload: joinPayload(t, "room", "", []byte("tok"))},
		reply: r2,
	})

	if *ec2 != model.InvalidAccountId {
		t.Fatalf("expected InvalidAccountId, got %v", *ec2)
	}
	if !actor.destroyed {
		t.Fatal("expected the actor to be torn down when it never set an account id")
	}
}

func TestHandleJoinStageMissingStage(t *testing.T) {
	d := newTestDispatcher(t)
	r, ec, _ := reply(t)
	d.route(routeRequest{
		pkt:       model.Packet{MsgID: CmdJoinStage, MsgSeq: 1, StageID: 404, Payload: joinPayload(t, "room", "", nil)},
		accountID: "acct",
		reply:     r,
	})
	if *ec != model.StageNotFound {
		t.Fatalf("expected StageNotFound, got %v", *ec)
	}
}

func TestHandleReconnectRebindsActor(t *testing.T) {
	d := newTestDispatcher(t)
	stage := newFakeStage(true)
	actor := newFakeActor(true, "acct-3")
	registerRoomFactory(d, stage, actor)

	r1, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdCreateStage, MsgSeq: 1, StageID: 20, Payload: createPayload(t, "room", nil)}, reply: r1})
	r2, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdJoinStage, MsgSeq: 2, StageID: 20, Payload: joinPayload(t, "room", "", nil)}, sid: 1, reply: r2})

	var rebound string
	r3, ec3, _ := reply(t)
	d.route(routeRequest{
		pkt:               model.Packet{MsgID: CmdReconnect, MsgSeq: 3, StageID: 20},
		accountID:         "acct-3",
		sid:               2,
		onJoinOrReconnect: func(accountID string) { rebound = accountID },
		reply:             r3,
	})

	if *ec3 != model.Success {
		t.Fatalf("expected Success, got %v", *ec3)
	}
	if rebound != "acct-3" {
		t.Fatalf("expected rebind callback for acct-3, got %q", rebound)
	}
	if len(stage.connChanges) != 1 || !stage.connChanges[0] {
		t.Fatalf("expected one connected=true OnConnectionChanged call, got %v", stage.connChanges)
	}
}

func TestHandleReconnectUnknownActor(t *testing.T) {
	d := newTestDispatcher(t)
	stage := newFakeStage(true)
	registerRoomFactory(d, stage, nil)

	r1, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdCreateStage, MsgSeq: 1, StageID: 21, Payload: createPayload(t, "room", nil)}, reply: r1})

	r2, ec2, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdReconnect, MsgSeq: 2, StageID: 21}, accountID: "ghost", reply: r2})

	if *ec2 != model.ActorNotFound {
		t.Fatalf("expected ActorNotFound, got %v", *ec2)
	}
}

func TestHandleDisconnectNoticeIsIdempotentOnMissingStage(t *testing.T) {
	d := newTestDispatcher(t)
	r, ec, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdDisconnectNotice, MsgSeq: 1, StageID: 999}, accountID: "nobody", reply: r})
	if *ec != model.Success {
		t.Fatalf("expected Success no-op, got %v", *ec)
	}
}

func TestHandleDestroyStageTearsDownActorsAndStage(t *testing.T) {
	d := newTestDispatcher(t)
	stage := newFakeStage(true)
	actor1 := newFakeActor(true, "a1")
	actor2 := newFakeActor(true, "a2")

	var built []*fakeActor
	d.RegisterFactory("room", contract.ContentFactory{
		NewStage: func(sender contract.StageSender) contract.Stage { return stage },
		NewActor: func(sender contract.ActorSender) contract.Actor {
			if len(built) == 0 {
				actor1.sender = sender
				built = append(built, actor1)
				return actor1
			}
			actor2.sender = sender
			built = append(built, actor2)
			return actor2
		},
	})

	r1, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdCreateStage, MsgSeq: 1, StageID: 30, Payload: createPayload(t, "room", nil)}, reply: r1})

	r2, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdJoinStage, MsgSeq: 2, StageID: 30, Payload: joinPayload(t, "room", "", nil)}, reply: r2})
	r3, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdJoinStage, MsgSeq: 3, StageID: 30, Payload: joinPayload(t, "room", "", nil)}, reply: r3})

	r4, ec4, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdDestroyStage, MsgSeq: 4, StageID: 30}, reply: r4})

	if *ec4 != model.Success {
		t.Fatalf("expected Success, got %v", *ec4)
	}
	if !actor1.destroyed || !actor2.destroyed {
		t.Fatal("expected both actors destroyed")
	}
	if !stage.destroyed {
		t.Fatal("expected stage OnDestroy to run")
	}
	if d.StageCount() != 0 {
		t.Fatalf("expected stage to be dropped from the registry, got count=%d", d.StageCount())
	}

	// Repeated destroy is a no-op (idempotent).
	r5, ec5, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdDestroyStage, MsgSeq: 5, StageID: 30}, reply: r5})
	if *ec5 != model.Success {
		t.Fatalf("expected repeated DestroyStage to be a no-op success, got %v", *ec5)
	}
}

func TestRouteUnknownStageRepliesStageNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	r, ec, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: "SomeGameMsg", MsgSeq: 1, StageID: 555}, reply: r})
	if *ec != model.StageNotFound {
		t.Fatalf("expected StageNotFound, got %v", *ec)
	}
}

func TestRouteDispatchesToExistingStage(t *testing.T) {
	d := newTestDispatcher(t)
	stage := newFakeStage(true)
	registerRoomFactory(d, stage, nil)

	r1, _, _ := reply(t)
	d.route(routeRequest{pkt: model.Packet{MsgID: CmdCreateStage, MsgSeq: 1, StageID: 40, Payload: createPayload(t, "room", nil)}, reply: r1})

	r2 := func(model.ErrorCode, []byte) {}
	d.route(routeRequest{pkt: model.Packet{MsgID: "Move", MsgSeq: 2, StageID: 40}, accountID: "acct", reply: r2})

	h, ok := d.getStage(40)
	if !ok {
		t.Fatal("expected stage to still exist")
	}
	h.call(func() {}) // posted after the dispatch item, so its completion proves Move already ran
	stage.mu.Lock()
	defer stage.mu.Unlock()
	if len(stage.dispatched) != 1 || stage.dispatched[0].MsgID != "Move" {
		t.Fatalf("expected one dispatched Move packet, got %v", stage.dispatched)
	}
}
