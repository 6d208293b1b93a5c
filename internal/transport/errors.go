package transport

import "errors"

// errSessionClosed is returned by Session.Send once the connection has
// been torn down; callers (dispatch's Reply/SendToClient paths) treat it
// the same as any other best-effort push failure and just log it.
var errSessionClosed = errors.New("transport: session closed")
