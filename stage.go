package playhouse

import (
	"github.com/ulala-x/playhouse-go/internal/contract"
	"github.com/ulala-x/playhouse-go/internal/dispatch"
)

// Stage is the content-supplied callback set for one Stage instance: a
// room, a match, a session, anything that owns authoritative state and a
// set of joined Actors.
type Stage = contract.Stage

// Actor is the content-supplied callback set for one authenticated
// participant bound to a Stage.
type Actor = contract.Actor

// StageSender is the outbound API a Stage implementation receives at
// construction: replies, pushes, stage-to-stage and stage-to-system
// messaging, timers, and AsyncBlock.
type StageSender = contract.StageSender

// ActorSender extends StageSender with the operations scoped to one joined
// Actor's own session.
type ActorSender = contract.ActorSender

// ApiSender is the outbound API handed to stateless handlers on an Api
// node, which have no owning Stage.
type ApiSender = contract.ApiSender

// SelectionPolicy names a fleet-selection policy for SendToService and
// RequestToService.
type SelectionPolicy = contract.SelectionPolicy

const (
	RoundRobin  = contract.RoundRobin
	Weighted    = contract.Weighted
	LeastLoaded = contract.LeastLoaded
)

// StageFactory builds a content Stage given its sender façade.
type StageFactory = contract.StageFactory

// ActorFactory builds a content Actor given its sender façade.
type ActorFactory = contract.ActorFactory

// ContentFactory pairs the Stage and Actor factories registered for one
// stage_type.
type ContentFactory = contract.ContentFactory

// ApiHandler is a stateless request handler registered on an Api node,
// keyed by msg_id rather than bound to any Stage.
type ApiHandler = dispatch.ApiHandler

// AsyncBlock runs pre off the calling Stage's loop goroutine on a separate
// goroutine, then delivers its result back to post on the loop, preserving
// the single-owner-goroutine invariant for everything post touches. Content
// code should always go through this generic wrapper rather than calling
// StageSender.AsyncBlock directly, since Go interface methods cannot be
// generic.
func AsyncBlock[T any](s StageSender, pre func() T, post func(T)) {
	contract.AsyncBlock(s, pre, post)
}
