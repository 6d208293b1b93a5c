// Package wire implements the client request/response frame codec and the
// mesh route packet codec described in spec.md §4.1. All integers are
// little-endian; every length-prefixed frame is rejected as a fatal
// protocol violation rather than silently truncated or padded.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ulala-x/playhouse-go/internal/model"
)

// ErrProtocolViolation wraps every codec-level rejection. Callers compare
// with errors.Is to decide whether a session must be closed.
var ErrProtocolViolation = errors.New("wire: protocol violation")

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocolViolation}, args...)...)
}

const (
	// lengthPrefixSize is the size in bytes of the outer content_size field
	// that precedes every TCP frame. WebSocket frames omit it; the
	// transport already delimits messages.
	lengthPrefixSize = 4

	minRequestBody  = 1 + 2 + 8       // msg_id_len + msg_seq + stage_id, msg_id at least 1 byte
	minResponseBody = 1 + 2 + 8 + 2 + 4
)

// MaxMsgIDLen is the wire limit on msg_id length (spec.md §3: 1-255 bytes).
const MaxMsgIDLen = 255

func putMsgID(dst []byte, msgID string) []byte {
	dst = append(dst, byte(len(msgID)))
	dst = append(dst, msgID...)
	return dst
}

func putU16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func putU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func putI64(dst []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(dst, b[:]...)
}

// EncodeRequestBody encodes the body of a client request frame (everything
// after content_size): msg_id_len|msg_id|msg_seq|stage_id|payload.
func EncodeRequestBody(pkt model.Packet) ([]byte, error) {
	if err := validateMsgID(pkt.MsgID); err != nil {
		return nil, err
	}
	body := make([]byte, 0, 1+len(pkt.MsgID)+2+8+len(pkt.Payload))
	body = putMsgID(body, pkt.MsgID)
	body = putU16(body, pkt.MsgSeq)
	body = putI64(body, pkt.StageID)
	body = append(body, pkt.Payload...)
	return body, nil
}

// EncodeResponseBody encodes the body of a server response frame:
// msg_id_len|msg_id|msg_seq|stage_id|error_code|original_size|payload.
func EncodeResponseBody(pkt model.Packet) ([]byte, error) {
	if err := validateMsgID(pkt.MsgID); err != nil {
		return nil, err
	}
	body := make([]byte, 0, 1+len(pkt.MsgID)+2+8+2+4+len(pkt.Payload))
	body = putMsgID(body, pkt.MsgID)
	body = putU16(body, pkt.MsgSeq)
	body = putI64(body, pkt.StageID)
	body = putU16(body, uint16(pkt.ErrorCode))
	body = putU32(body, pkt.OriginalSize)
	body = append(body, pkt.Payload...)
	return body, nil
}

// EncodeRequestFrame encodes a full TCP request frame, including the
// content_size prefix, which covers every byte after itself.
func EncodeRequestFrame(pkt model.Packet) ([]byte, error) {
	body, err := EncodeRequestBody(pkt)
	if err != nil {
		return nil, err
	}
	return frame(body), nil
}

// EncodeResponseFrame encodes a full TCP response frame.
func EncodeResponseFrame(pkt model.Packet) ([]byte, error) {
	body, err := EncodeResponseBody(pkt)
	if err != nil {
		return nil, err
	}
	return frame(body), nil
}

func frame(body []byte) []byte {
	out := make([]byte, 0, lengthPrefixSize+len(body))
	out = putU32(out, uint32(len(body)))
	out = append(out, body...)
	return out
}

func validateMsgID(msgID string) error {
	if len(msgID) == 0 {
		return violation("msg_id_len is 0")
	}
	if len(msgID) > MaxMsgIDLen {
		return violation("msg_id_len %d exceeds %d", len(msgID), MaxMsgIDLen)
	}
	return nil
}

// DecodeRequestBody parses the body of a client request frame (no outer
// content_size). The returned Packet's Payload aliases body.
func DecodeRequestBody(body []byte) (model.Packet, error) {
	var pkt model.Packet
	rest, msgID, err := readMsgID(body)
	if err != nil {
		return pkt, err
	}
	rest, seq, err := readU16(rest)
	if err != nil {
		return pkt, err
	}
	rest, stageID, err := readI64(rest)
	if err != nil {
		return pkt, err
	}
	pkt.MsgID = msgID
	pkt.MsgSeq = seq
	pkt.StageID = stageID
	pkt.Payload = rest
	return pkt, nil
}

// DecodeResponseBody parses the body of a server response frame.
func DecodeResponseBody(body []byte) (model.Packet, error) {
	var pkt model.Packet
	rest, msgID, err := readMsgID(body)
	if err != nil {
		return pkt, err
	}
	rest, seq, err := readU16(rest)
	if err != nil {
		return pkt, err
	}
	rest, stageID, err := readI64(rest)
	if err != nil {
		return pkt, err
	}
	rest, ec, err := readU16(rest)
	if err != nil {
		return pkt, err
	}
	rest, origSize, err := readU32(rest)
	if err != nil {
		return pkt, err
	}
	pkt.MsgID = msgID
	pkt.MsgSeq = seq
	pkt.StageID = stageID
	pkt.ErrorCode = model.ErrorCode(ec)
	pkt.OriginalSize = origSize
	pkt.Payload = rest
	return pkt, nil
}

func readMsgID(b []byte) (rest []byte, msgID string, err error) {
	if len(b) < 1 {
		return nil, "", violation("frame too short for msg_id_len")
	}
	n := int(b[0])
	if n == 0 {
		return nil, "", violation("msg_id_len is 0")
	}
	if n > MaxMsgIDLen {
		return nil, "", violation("msg_id_len %d exceeds %d", n, MaxMsgIDLen)
	}
	if len(b) < 1+n {
		return nil, "", violation("declared msg_id length exceeds frame size")
	}
	return b[1+n:], string(b[1 : 1+n]), nil
}

func readU16(b []byte) ([]byte, uint16, error) {
	if len(b) < 2 {
		return nil, 0, violation("frame too short for u16 field")
	}
	return b[2:], binary.LittleEndian.Uint16(b[:2]), nil
}

func readU32(b []byte) ([]byte, uint32, error) {
	if len(b) < 4 {
		return nil, 0, violation("frame too short for u32 field")
	}
	return b[4:], binary.LittleEndian.Uint32(b[:4]), nil
}

func readI64(b []byte) ([]byte, int64, error) {
	if len(b) < 8 {
		return nil, 0, violation("frame too short for i64 field")
	}
	return b[8:], int64(binary.LittleEndian.Uint64(b[:8])), nil
}

// ReadRequestFrame reads one length-prefixed TCP request frame from r into a
// pooled buffer and decodes it. The caller must Release the returned Buffer
// once done with the Packet's Payload.
func ReadRequestFrame(r io.Reader, maxBodySize uint32) (model.Packet, *Buffer, error) {
	body, buf, err := readFrameBody(r, maxBodySize)
	if err != nil {
		return model.Packet{}, nil, err
	}
	if len(body) < minRequestBody {
		buf.Release()
		return model.Packet{}, nil, violation("request body shorter than minimum fields")
	}
	pkt, err := DecodeRequestBody(body)
	if err != nil {
		buf.Release()
		return model.Packet{}, nil, err
	}
	return pkt, buf, nil
}

// ReadResponseFrame reads one length-prefixed TCP response frame.
func ReadResponseFrame(r io.Reader, maxBodySize uint32) (model.Packet, *Buffer, error) {
	body, buf, err := readFrameBody(r, maxBodySize)
	if err != nil {
		return model.Packet{}, nil, err
	}
	if len(body) < minResponseBody {
		buf.Release()
		return model.Packet{}, nil, violation("response body shorter than minimum fields")
	}
	pkt, err := DecodeResponseBody(body)
	if err != nil {
		buf.Release()
		return model.Packet{}, nil, err
	}
	return pkt, buf, nil
}

func readFrameBody(r io.Reader, maxBodySize uint32) ([]byte, *Buffer, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, err
	}
	contentSize := binary.LittleEndian.Uint32(lenBuf[:])
	if contentSize > maxBodySize {
		return nil, nil, violation("content_size %d exceeds max %d", contentSize, maxBodySize)
	}
	bb := getBuffer()
	bb.Reset()
	if contentSize > 0 {
		bb.B = bb.B[:cap(bb.B)]
		if uint32(cap(bb.B)) < contentSize {
			bb.B = make([]byte, contentSize)
		} else {
			bb.B = bb.B[:contentSize]
		}
		if _, err := io.ReadFull(r, bb.B); err != nil {
			bufPool.Put(bb)
			return nil, nil, err
		}
	} else {
		bb.B = bb.B[:0]
	}
	return bb.B, &Buffer{bb: bb}, nil
}
