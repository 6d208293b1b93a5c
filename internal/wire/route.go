package wire

import (
	"io"

	"github.com/ulala-x/playhouse-go/internal/model"
)

// Route packet kinds, carried as the first byte of the body so a single
// stream can multiplex requests and replies (spec.md §3/§6: "route packets
// contain the client-packet fields plus the route header").
const (
	routeKindRequest  byte = 0
	routeKindResponse byte = 1
)

const minRouteBody = 1 + minRequestBody + 1 + 2 + 8 + 8 // kind + request fields + from_len + service_id + account_id + sid

// EncodeRouteFrame encodes a full length-prefixed mesh frame for rp.
// isResponse selects which body layout (request vs response trailer) is used.
func EncodeRouteFrame(rp model.RoutePacket, isResponse bool) ([]byte, error) {
	if err := validateMsgID(rp.MsgID); err != nil {
		return nil, err
	}
	if len(rp.From) == 0 || len(rp.From) > 255 {
		return nil, violation("route from-nid length %d out of range", len(rp.From))
	}
	kind := routeKindRequest
	if isResponse {
		kind = routeKindResponse
	}
	body := make([]byte, 0, 64+len(rp.Payload))
	body = append(body, kind)
	body = putMsgID(body, rp.MsgID)
	body = putU16(body, rp.MsgSeq)
	body = putI64(body, rp.StageID)
	if isResponse {
		body = putU16(body, uint16(rp.ErrorCode))
		body = putU32(body, rp.OriginalSize)
	}
	body = append(body, byte(len(rp.From)))
	body = append(body, rp.From...)
	body = putU16(body, rp.ServiceID)
	body = putI64(body, rp.AccountID)
	body = putI64(body, rp.Sid)
	body = append(body, rp.Payload...)
	return frame(body), nil
}

// DecodeRouteBody parses a mesh frame body (without the outer length
// prefix) produced by EncodeRouteFrame.
func DecodeRouteBody(body []byte) (rp model.RoutePacket, isResponse bool, err error) {
	if len(body) < 1 {
		return rp, false, violation("route frame too short for kind byte")
	}
	kind := body[0]
	rest := body[1:]

	rest, msgID, err := readMsgID(rest)
	if err != nil {
		return rp, false, err
	}
	rest, seq, err := readU16(rest)
	if err != nil {
		return rp, false, err
	}
	rest, stageID, err := readI64(rest)
	if err != nil {
		return rp, false, err
	}
	rp.MsgID = msgID
	rp.MsgSeq = seq
	rp.StageID = stageID

	if kind == routeKindResponse {
		var ec uint16
		rest, ec, err = readU16(rest)
		if err != nil {
			return rp, false, err
		}
		var origSize uint32
		rest, origSize, err = readU32(rest)
		if err != nil {
			return rp, false, err
		}
		rp.ErrorCode = model.ErrorCode(ec)
		rp.OriginalSize = origSize
	}

	if len(rest) < 1 {
		return rp, false, violation("route frame too short for from_len")
	}
	fromLen := int(rest[0])
	rest = rest[1:]
	if len(rest) < fromLen {
		return rp, false, violation("declared from length exceeds frame size")
	}
	rp.From = string(rest[:fromLen])
	rest = rest[fromLen:]

	rest, svc, err := readU16(rest)
	if err != nil {
		return rp, false, err
	}
	rest, acct, err := readI64(rest)
	if err != nil {
		return rp, false, err
	}
	rest, sid, err := readI64(rest)
	if err != nil {
		return rp, false, err
	}
	rp.ServiceID = svc
	rp.AccountID = acct
	rp.Sid = sid
	rp.Payload = rest
	return rp, kind == routeKindResponse, nil
}

// ReadRouteFrame reads one length-prefixed mesh frame from r into a pooled
// buffer. The caller must Release the Buffer once done with rp.Payload.
func ReadRouteFrame(r io.Reader, maxBodySize uint32) (rp model.RoutePacket, isResponse bool, buf *Buffer, err error) {
	body, buf, err := readFrameBody(r, maxBodySize)
	if err != nil {
		return model.RoutePacket{}, false, nil, err
	}
	if len(body) < minRouteBody {
		buf.Release()
		return model.RoutePacket{}, false, nil, violation("route body shorter than minimum fields")
	}
	rp, isResponse, err = DecodeRouteBody(body)
	if err != nil {
		buf.Release()
		return model.RoutePacket{}, false, nil, err
	}
	return rp, isResponse, buf, nil
}

