package transport

import (
	"sync"
	"sync/atomic"

	"github.com/ulala-x/playhouse-go/internal/model"
)

// SessionTable is the sid -> Session registry shared by every listener on
// a node. It implements dispatch.ClientSender so Stage code can push to a
// sid other than the one currently dispatching (spec.md §4.8
// SendToClient/PushToClient), and is wired in once via
// Dispatcher.SetClientSender. Grounded on the teacher's ChannelState
// (internal/legacy/core), generalized from a username-keyed presence map
// to a sid-keyed connection table.
type SessionTable struct {
	nextSid atomic.Int64

	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewSessionTable returns an empty table. Shared across every listener
// (TCP and WebSocket) a node runs, so sids are unique node-wide.
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[int64]*Session)}
}

// nextSessionID mints a fresh sid, starting at 1 so 0 can be reserved for
// "no session" the same way stage_id 0 means "no stage" (spec.md §3).
func (t *SessionTable) nextSessionID() int64 {
	return t.nextSid.Add(1)
}

func (t *SessionTable) add(s *Session) {
	t.mu.Lock()
	t.sessions[s.sid] = s
	t.mu.Unlock()
}

func (t *SessionTable) remove(sid int64) {
	t.mu.Lock()
	delete(t.sessions, sid)
	t.mu.Unlock()
}

// Get returns the session for sid, if still connected.
func (t *SessionTable) Get(sid int64) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[sid]
	return s, ok
}

// Count reports how many sessions are currently connected.
func (t *SessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// SendToClient implements dispatch.ClientSender.
func (t *SessionTable) SendToClient(sid int64, pkt model.Packet) error {
	s, ok := t.Get(sid)
	if !ok {
		return errSessionClosed
	}
	return s.Send(pkt)
}
