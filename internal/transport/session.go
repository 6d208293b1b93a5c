// Package transport implements the client-facing listeners (TCP and
// WebSocket) that turn raw connections into dispatch.ClientSession/
// ClientSender implementations (spec.md §4.2). It owns the connection
// lifecycle — accept, frame, heartbeat, backpressure, graceful close — and
// hands decoded packets to a *dispatch.Dispatcher; it never interprets
// msg_id itself.
package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ulala-x/playhouse-go/internal/model"
)

// outboxSize bounds how many already-encoded frames a Session will queue
// before it gives up on a slow reader and closes the connection. Mirrors
// the teacher's fixed per-session send buffer (internal/legacy/core's
// ChannelState.Add default sendBuf), sized up for binary frames instead of
// JSON control messages.
const outboxSize = 256

type sessionState int32

const (
	stateActive sessionState = iota
	stateClosing
	stateClosed
)

// rawConn is the minimum a Session needs from the underlying transport: a
// way to push one already-framed message out and to tear the connection
// down. tcpConn and wsConn implement this for their respective listeners.
type rawConn interface {
	writeFrame(b []byte) error
	close() error
}

// Session is the per-connection state threaded through dispatch as a
// dispatch.ClientSession. One writer goroutine (started by the owning
// listener) drains outbox and calls conn.writeFrame; every other goroutine
// only ever touches outbox and the fields guarded below.
type Session struct {
	sid    int64
	conn   rawConn
	encode func(model.Packet) ([]byte, error)
	log    *slog.Logger

	accountMu sync.RWMutex
	accountID string

	state atomic.Int32

	outbox    chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	pendingBytes          atomic.Int64
	pauseWriterThreshold  int64
	resumeWriterThreshold int64

	backpressureMu   sync.Mutex
	backpressureCond *sync.Cond
	paused           bool

	// limiter throttles inbound frames per session so one slow or abusive
	// client can't monopolize its listener's accept/read loop (spec.md
	// §4.2 backpressure contract — the pause/resume thresholds bound
	// outbound memory, the limiter bounds inbound CPU).
	limiter *rate.Limiter

	lastActive atomic.Int64 // unix nano of the last inbound frame, for heartbeat tracking
}

func newSession(sid int64, conn rawConn, encode func(model.Packet) ([]byte, error), pauseThreshold, resumeThreshold int, inboundRate rate.Limit, inboundBurst int, log *slog.Logger) *Session {
	s := &Session{
		sid:                   sid,
		conn:                  conn,
		encode:                encode,
		log:                   log,
		outbox:                make(chan []byte, outboxSize),
		closed:                make(chan struct{}),
		pauseWriterThreshold:  int64(pauseThreshold),
		resumeWriterThreshold: int64(resumeThreshold),
		limiter:               rate.NewLimiter(inboundRate, inboundBurst),
	}
	s.backpressureCond = sync.NewCond(&s.backpressureMu)
	s.lastActive.Store(time.Now().UnixNano())
	return s
}

// Sid implements dispatch.ClientSession.
func (s *Session) Sid() int64 { return s.sid }

// AccountID implements dispatch.ClientSession.
func (s *Session) AccountID() string {
	s.accountMu.RLock()
	defer s.accountMu.RUnlock()
	return s.accountID
}

// SetAccountID implements dispatch.ClientSession. Called once JoinStage or
// Reconnect resolves the account binding for this session.
func (s *Session) SetAccountID(accountID string) {
	s.accountMu.Lock()
	s.accountID = accountID
	s.accountMu.Unlock()
}

// Send implements dispatch.ClientSession by queuing an already-built
// response/push packet for the writer goroutine. It never blocks the
// caller — a full outbox means the reader on the other end isn't keeping
// up, and the session is torn down rather than let the queue grow
// unbounded.
func (s *Session) Send(pkt model.Packet) error {
	frame, err := s.encode(pkt)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

func (s *Session) enqueue(frame []byte) error {
	if sessionState(s.state.Load()) != stateActive {
		return errSessionClosed
	}
	select {
	case s.outbox <- frame:
		s.addPending(int64(len(frame)))
		return nil
	default:
		s.log.Warn("session outbox full, dropping connection", "sid", s.sid)
		s.Close()
		return errSessionClosed
	}
}

// addPending tracks bytes queued but not yet written and flips the
// backpressure gate when it crosses pauseWriterThreshold, releasing it
// again once drained below resumeWriterThreshold (spec.md §4.2).
func (s *Session) addPending(delta int64) {
	n := s.pendingBytes.Add(delta)
	if delta > 0 && n >= s.pauseWriterThreshold {
		s.backpressureMu.Lock()
		s.paused = true
		s.backpressureMu.Unlock()
		return
	}
	if delta < 0 && n <= s.resumeWriterThreshold {
		s.backpressureMu.Lock()
		if s.paused {
			s.paused = false
			s.backpressureCond.Broadcast()
		}
		s.backpressureMu.Unlock()
	}
}

// waitForCapacity blocks the reader goroutine while the session is paused
// under backpressure. Returns immediately once the session is closing.
func (s *Session) waitForCapacity() {
	s.backpressureMu.Lock()
	for s.paused && sessionState(s.state.Load()) == stateActive {
		s.backpressureCond.Wait()
	}
	s.backpressureMu.Unlock()
}

// allowInbound reports whether one more inbound frame may be read right
// now, per the per-session rate limiter.
func (s *Session) allowInbound() bool {
	s.lastActive.Store(time.Now().UnixNano())
	return s.limiter.Allow()
}

// IdleFor reports how long it has been since the last inbound frame, for
// the listener's heartbeat sweep.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

// runWriter drains outbox until the session closes. Started once per
// Session by the owning listener, mirroring the teacher's per-connection
// "go func() { for out := range session.Send ... }" shape
// (internal/legacy/ws/handler.go). It selects on s.closed rather than
// ranging over outbox so Close doesn't have to close a channel other
// goroutines might still be sending on.
func (s *Session) runWriter() {
	for {
		select {
		case frame := <-s.outbox:
			if err := s.conn.writeFrame(frame); err != nil {
				s.log.Debug("session write failed", "sid", s.sid, "err", err)
				s.Close()
			}
			s.addPending(-int64(len(frame)))
		case <-s.closed:
			return
		}
	}
}

// Close tears the session down exactly once: flips state to closed, closes
// the underlying connection (unblocking its reader), and wakes any
// goroutine parked in waitForCapacity.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosed))
		err = s.conn.close()
		close(s.closed)
		s.backpressureMu.Lock()
		s.paused = false
		s.backpressureCond.Broadcast()
		s.backpressureMu.Unlock()
	})
	return err
}

// gracefulCloseTimeout bounds how long CloseGracefully waits for runWriter
// to drain whatever is already queued in outbox before forcing the
// connection down (spec.md §4.2: graceful close drains the outbound queue
// best-effort within 5s, then forces close).
const gracefulCloseTimeout = 5 * time.Second

// CloseGracefully is the normal per-connection teardown path: it blocks new
// sends immediately, then gives runWriter up to gracefulCloseTimeout to
// drain whatever is still queued in outbox before calling Close. Error
// paths (outbox full, write failure, heartbeat timeout) call Close
// directly instead — there's nothing worth draining once the client is
// already unresponsive or misbehaving.
func (s *Session) CloseGracefully() error {
	if !s.state.CompareAndSwap(int32(stateActive), int32(stateClosing)) {
		return s.Close()
	}
	deadline := time.NewTimer(gracefulCloseTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.pendingBytes.Load() > 0 {
		select {
		case <-ticker.C:
		case <-deadline.C:
			s.log.Warn("graceful close timed out draining outbox", "sid", s.sid, "pending_bytes", s.pendingBytes.Load())
			return s.Close()
		case <-s.closed:
			return nil
		}
	}
	return s.Close()
}

// Done returns a channel closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }
