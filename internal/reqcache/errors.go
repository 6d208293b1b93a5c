package reqcache

import "errors"

// ErrTimeout is delivered to a waiter when the sweeper reclaims its entry
// before a reply arrived.
var ErrTimeout = errors.New("reqcache: request timeout")

// ErrLinkClosed is delivered to every waiter bound to a target whose mesh
// link has gone down.
var ErrLinkClosed = errors.New("reqcache: connection closed")
