// Package playhouse implements the dispatch and execution substrate for a
// distributed realtime multiplayer runtime.
//
// Two classes of process use this package: Play nodes host stateful Stages
// (rooms, matches, sessions) behind an authenticated Actor; Api nodes host
// stateless request handlers. Both talk to clients over a framed TCP or
// WebSocket transport and to each other over a server mesh.
//
// Content built on top of playhouse supplies three things: a Stage/Actor
// implementation (see Stage and Actor), a discovery feed (see
// Config.Discovery), and a payload codec (content decides how it encodes
// the opaque bytes carried in every Packet).
package playhouse
