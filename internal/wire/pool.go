package wire

import "github.com/valyala/bytebufferpool"

// bufPool backs every frame decode on the hot path (spec.md §4.1/§5: "the
// payload is exposed as a view into a pooled buffer"). A single shared pool
// is fine here — bytebufferpool already buckets by observed size so mixed
// small control frames and large payloads don't thrash each other.
var bufPool bytebufferpool.Pool

// Buffer wraps a pooled byte buffer holding one decoded frame. Payload
// fields of the Packet returned alongside a Buffer point directly into its
// backing array; callers must call Release exactly once, after the handler
// that consumes the packet has finished with it.
type Buffer struct {
	bb *bytebufferpool.ByteBuffer
}

func getBuffer() *bytebufferpool.ByteBuffer { return bufPool.Get() }

// Release returns the underlying buffer to the pool. After Release, any
// Packet.Payload slice that pointed into it must not be read again.
func (b *Buffer) Release() {
	if b == nil || b.bb == nil {
		return
	}
	bufPool.Put(b.bb)
	b.bb = nil
}
