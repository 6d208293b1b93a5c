// Package contract defines the extension points content code implements
// (Stage, Actor) and the outbound sender façades the framework hands back
// to it (spec.md §9 "Dynamic dispatch... encode as two interfaces/trait
// objects plus a factory registry keyed by stage_type", §4.8). It is a leaf
// package: internal/dispatch implements these against stageloop/cluster/
// reqcache, and the root package re-exports them by alias, the same split
// used for internal/model.
package contract

import (
	"time"

	"github.com/ulala-x/playhouse-go/internal/model"
)

// Stage is the content-supplied callback set for one Stage instance
// (spec.md §9 Stage capability set).
type Stage interface {
	OnCreate(payload []byte) error
	OnPostCreate()
	OnDestroy()
	OnJoinStage(actor Actor) bool
	OnPostJoinStage(actor Actor)
	OnConnectionChanged(actor Actor, connected bool)
	OnDispatch(actor Actor, packet model.Packet)
}

// Actor is the content-supplied callback set for one authenticated
// participant bound to a Stage (spec.md §9 Actor capability set).
type Actor interface {
	OnCreate()
	OnDestroy()
	OnAuthenticate(payload []byte) bool
	OnPostAuthenticate()
}

// SelectionPolicy names a server-info-center selection policy a
// SendToService/RequestToService call can request (spec.md §4.3/§4.8).
type SelectionPolicy int

const (
	RoundRobin SelectionPolicy = iota
	Weighted
	LeastLoaded
)

// StageSender is the outbound API a Stage implementation is given at
// construction (spec.md §4.8). Request* calls block the calling Stage's
// own loop goroutine until a reply, error, or timeout arrives — see
// DESIGN.md "Request-blocks-the-loop" — so they return their result
// directly rather than a future/promise handle.
type StageSender interface {
	StageID() int64

	// Reply sends the response to the request currently being handled on
	// this Stage's loop (captured per work item, spec.md §4.8).
	Reply(errorCode model.ErrorCode, payload []byte)

	// SendToClient pushes msgID/payload to the client identified by sid,
	// fire-and-forget.
	SendToClient(sid int64, msgID string, payload []byte)

	SendToStage(targetStageID int64, msgID string, payload []byte)
	RequestToStage(targetStageID int64, msgID string, payload []byte, timeout time.Duration) (model.Packet, error)

	SendToSystem(targetServerID, msgID string, payload []byte)
	RequestToSystem(targetServerID, msgID string, payload []byte, timeout time.Duration) (model.Packet, error)

	SendToService(serviceID uint16, serverType model.ServerType, policy SelectionPolicy, msgID string, payload []byte) error
	RequestToService(serviceID uint16, serverType model.ServerType, policy SelectionPolicy, msgID string, payload []byte, timeout time.Duration) (model.Packet, error)

	// StartTimer schedules callback on this Stage's loop (spec.md §4.8 Timer).
	StartTimer(repeating bool, initialDelay, period time.Duration, callback func())

	// AsyncBlock runs pre off this Stage's loop, then delivers its result to
	// post back on the loop. Untyped at the interface boundary because Go
	// interface methods cannot be generic; content code should call the
	// generic playhouse.AsyncBlock wrapper instead of this directly.
	AsyncBlock(pre func() any, post func(any))
}

// ActorSender is the outbound API a per-Actor instance is given, extending
// StageSender with this Actor's own session-targeted operations and
// LeaveStage (spec.md §4.8).
type ActorSender interface {
	StageSender

	AccountID() string
	SessionID() int64

	// SetAccountID binds this Actor's account id. Content calls it from
	// OnAuthenticate once it has derived the caller's identity from the
	// auth payload (spec.md §4.7 step 4-5: OnAuthenticate then "verify
	// ActorSender.account_id is non-empty"); an Actor that never calls it
	// is rejected with InvalidAccountId.
	SetAccountID(accountID string)

	// PushToClient sends msgID/payload to this Actor's own session.
	PushToClient(msgID string, payload []byte)

	// LeaveStage removes this Actor from its Stage (content-initiated,
	// mirrors the framework-initiated Disconnect path).
	LeaveStage()
}

// ApiSender is the outbound API handed to stateless API-node handlers
// (spec.md §4.8).
type ApiSender interface {
	SendToApi(targetServerID, msgID string, payload []byte)
	RequestToApi(targetServerID, msgID string, payload []byte, timeout time.Duration) (model.Packet, error)

	SendToSystem(targetServerID, msgID string, payload []byte)
	RequestToSystem(targetServerID, msgID string, payload []byte, timeout time.Duration) (model.Packet, error)

	SendToService(serviceID uint16, serverType model.ServerType, policy SelectionPolicy, msgID string, payload []byte) error
	RequestToService(serviceID uint16, serverType model.ServerType, policy SelectionPolicy, msgID string, payload []byte, timeout time.Duration) (model.Packet, error)
}

// StageFactory builds a content Stage given its sender façade.
type StageFactory func(sender StageSender) Stage

// ActorFactory builds a content Actor given its sender façade.
type ActorFactory func(sender ActorSender) Actor

// ContentFactory pairs the Stage and Actor factories registered for one
// stage_type (spec.md §9: "a factory registry keyed by stage_type").
type ContentFactory struct {
	NewStage StageFactory
	NewActor ActorFactory
}

// AsyncBlock is the generic, typed wrapper over StageSender.AsyncBlock that
// content code is expected to call (spec.md §4.8).
func AsyncBlock[T any](s StageSender, pre func() T, post func(T)) {
	s.AsyncBlock(
		func() any { return pre() },
		func(v any) { post(v.(T)) },
	)
}
