package dispatch

import (
	"log/slog"

	"github.com/ulala-x/playhouse-go/internal/contract"
	"github.com/ulala-x/playhouse-go/internal/stageloop"
)

// replySink delivers a reply/push frame for one dispatched request. It is
// set immediately before a handler runs and consulted only by that
// handler's synchronous Reply() call (spec.md §4.8: "targeting the
// currently-dispatched request (header captured per work item)"); since
// a Stage's loop only ever runs one item at a time this needs no locking.
type replySink func(errorCode uint16, payload []byte)

// actorHandle is the framework-side record for one joined Actor (spec.md §3
// "Actor").
type actorHandle struct {
	accountID  string // set via ActorSender.SetAccountID during OnAuthenticate; empty until then, must be non-empty by the time it runs (spec.md §4.7 step 4-5); the actor map key (spec.md §9 open question resolution)
	sessionNid string
	sid        int64
	apiNid     string
	actor      contract.Actor
}

// stageHandle is the framework-side record for one Stage (spec.md §3
// "Stage"): its content instance, its single-owner loop, and its actor map.
// Every field here is touched only from within loop's goroutine, except
// where noted.
type stageHandle struct {
	id        int64
	stageType string
	loop      *stageloop.Loop
	stage     contract.Stage
	isCreated bool

	actors     map[string]*actorHandle // keyed by account id, spec.md §9 open question
	joinOrder  []string                // account ids in join order, for Destroy's ordered teardown

	currentReply replySink // valid only while a dispatched item is executing

	log *slog.Logger
}

func newStageHandle(id int64, stageType string, stage contract.Stage, log *slog.Logger) *stageHandle {
	return &stageHandle{
		id:        id,
		stageType: stageType,
		stage:     stage,
		loop:      stageloop.New(id, log),
		actors:    make(map[string]*actorHandle),
		log:       log,
	}
}

// addActor registers actor under the stage's actor map and join order.
// Must run on the stage's loop.
func (h *stageHandle) addActor(a *actorHandle) {
	h.actors[a.accountID] = a
	h.joinOrder = append(h.joinOrder, a.accountID)
}

// removeActor drops actor from the map. The join-order slice is left
// untouched except during Destroy's full teardown, since spec.md only
// requires ordering for that path.
func (h *stageHandle) removeActor(accountID string) {
	delete(h.actors, accountID)
}

// ActorCount reports how many Actors currently belong to the Stage. Safe to
// call from the loop goroutine only.
func (h *stageHandle) ActorCount() int { return len(h.actors) }

// call posts fn onto the stage's loop and blocks the caller until fn has
// run; fn reports results through captured variables. If the loop is
// already closed, fn never runs and call returns at once. Used by command handlers (CreateStage, JoinStage,
// DestroyStage, ...) which execute on an ad hoc goroutine (the transport
// read loop or a mesh stream handler) and need a result back before they
// can reply to the originator. Safe because the caller is never itself a
// Stage loop goroutine for these entry points.
func (h *stageHandle) call(fn func()) {
	done := make(chan struct{})
	posted := h.loop.Post(func() {
		fn()
		close(done)
	})
	if !posted {
		return
	}
	<-done
}
