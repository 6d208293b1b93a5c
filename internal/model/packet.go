package model

// Packet is the logical message carried by both the client wire protocol
// and the mesh route protocol (spec.md §3).
type Packet struct {
	MsgID    string
	MsgSeq   uint16 // 0 = fire-and-forget/push, non-zero = request awaiting reply
	StageID  int64
	Payload  []byte

	// Response-only fields; zero on requests.
	ErrorCode    ErrorCode
	OriginalSize uint32
}

// IsPush reports whether this packet is a one-way message (no reply expected).
func (p Packet) IsPush() bool { return p.MsgSeq == 0 }

// RouteHeader carries the mesh-only addressing fields that accompany a
// Packet when it crosses the server mesh (spec.md §3 "Route packet").
type RouteHeader struct {
	From      string // originator nid
	ServiceID uint16
	AccountID int64 // 0 if not bound to an Actor
	Sid       int64 // session id for reply routing back to the originating client connection
}

// RoutePacket is a Packet plus its mesh routing header.
type RoutePacket struct {
	Packet
	RouteHeader
}
