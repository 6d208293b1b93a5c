package transport

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/ulala-x/playhouse-go/internal/dispatch"
	"github.com/ulala-x/playhouse-go/internal/wire"
)

// tcpConn adapts net.Conn to rawConn. Frames are already length-prefixed by
// wire.EncodeResponseFrame, so writeFrame is a single write.
type tcpConn struct{ c net.Conn }

func (t tcpConn) writeFrame(b []byte) error {
	_, err := t.c.Write(b)
	return err
}

func (t tcpConn) close() error { return t.c.Close() }

// TCPOptions configures a TCPListener. Zero-value fields fall back to
// DefaultConfig-equivalent values the same way playhouse.Config does.
type TCPOptions struct {
	MaxPacketSize         int
	PauseWriterThreshold  int
	ResumeWriterThreshold int
	HeartbeatTimeout      time.Duration
	InboundRate           rate.Limit
	InboundBurst          int
	TLSConfig             *tls.Config

	// KeepAliveTime/KeepAliveInterval configure TCP-level keepalive probing
	// on the accepted socket (playhouse.Config's TCPKeepAliveTime/
	// TCPKeepAliveInterval). KeepAliveTime <= 0 leaves the OS default in
	// place.
	KeepAliveTime     time.Duration
	KeepAliveInterval time.Duration

	Log *slog.Logger
}

func (o *TCPOptions) setDefaults() {
	if o.MaxPacketSize <= 0 {
		o.MaxPacketSize = 2 * 1024 * 1024
	}
	if o.PauseWriterThreshold <= 0 {
		o.PauseWriterThreshold = 256 * 1024
	}
	if o.ResumeWriterThreshold <= 0 {
		o.ResumeWriterThreshold = 64 * 1024
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 90 * time.Second
	}
	if o.InboundRate <= 0 {
		o.InboundRate = 200 // frames/sec
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = 400
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

// TCPListener serves the raw length-prefixed TCP framing (spec.md §4.1,
// §4.2). Grounded on the teacher's websocket handler connection lifecycle
// (internal/legacy/ws/handler.go) with the JSON-line framing swapped for
// wire's binary length-prefixed frames and text/JSON deadlines replaced by
// the pause/resume backpressure gate.
type TCPListener struct {
	ln     net.Listener
	table  *SessionTable
	disp   *dispatch.Dispatcher
	opts   TCPOptions
	done   chan struct{}
}

// ListenTCP binds addr and returns a listener ready to Serve. If
// opts.TLSConfig is non-nil, connections are upgraded to TLS
// (playhouse.TransportTCPTLS).
func ListenTCP(addr string, table *SessionTable, disp *dispatch.Dispatcher, opts TCPOptions) (*TCPListener, error) {
	opts.setDefaults()
	var ln net.Listener
	var err error
	if opts.TLSConfig != nil {
		ln, err = tls.Listen("tcp", addr, opts.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln, table: table, disp: disp, opts: opts, done: make(chan struct{})}, nil
}

// Addr reports the bound address, useful when addr was ":0" in tests.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until Close is called. Run it in its own
// goroutine.
func (l *TCPListener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
				return err
			}
		}
		go l.serveConn(conn)
	}
}

// Close stops accepting new connections. In-flight sessions are left to
// drain on their own; callers that need every session down immediately
// should also iterate the SessionTable and Close each one.
func (l *TCPListener) Close() error {
	close(l.done)
	return l.ln.Close()
}

func (l *TCPListener) serveConn(conn net.Conn) {
	l.applyKeepAlive(conn)

	sid := l.table.nextSessionID()
	sess := newSession(sid, tcpConn{conn}, wire.EncodeResponseFrame,
		l.opts.PauseWriterThreshold, l.opts.ResumeWriterThreshold,
		l.opts.InboundRate, l.opts.InboundBurst, l.opts.Log)
	l.table.add(sess)
	go sess.runWriter()

	l.opts.Log.Info("tcp session accepted", "sid", sid, "remote", conn.RemoteAddr())

	stopHeartbeat := l.watchHeartbeat(sess)
	defer func() {
		stopHeartbeat()
		l.table.remove(sid)
		sess.CloseGracefully()
		l.opts.Log.Info("tcp session closed", "sid", sid)
	}()

	for {
		sess.waitForCapacity()
		if !sess.allowInbound() {
			time.Sleep(time.Millisecond)
			continue
		}
		pkt, buf, err := wire.ReadRequestFrame(conn, uint32(l.opts.MaxPacketSize))
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.opts.Log.Debug("tcp read failed", "sid", sid, "err", err)
			}
			return
		}
		payload := append([]byte(nil), pkt.Payload...)
		buf.Release()
		pkt.Payload = payload

		l.disp.HandleClientFrame(sess, pkt)
	}
}

// applyKeepAlive configures TCP keepalive probing on the accepted socket,
// unwrapping a TLS connection to reach the underlying *net.TCPConn. A
// non-TCP conn (e.g. in tests dialing over a different transport) is left
// alone.
func (l *TCPListener) applyKeepAlive(conn net.Conn) {
	if l.opts.KeepAliveTime <= 0 {
		return
	}
	raw := conn
	if tc, ok := raw.(*tls.Conn); ok {
		raw = tc.NetConn()
	}
	tcpConn, ok := raw.(*net.TCPConn)
	if !ok {
		return
	}
	err := tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     l.opts.KeepAliveTime,
		Interval: l.opts.KeepAliveInterval,
	})
	if err != nil {
		l.opts.Log.Debug("tcp keepalive config failed", "err", err)
	}
}

// watchHeartbeat starts a goroutine that closes sess once it has been idle
// past HeartbeatTimeout, and returns a stop function.
func (l *TCPListener) watchHeartbeat(sess *Session) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.opts.HeartbeatTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-sess.Done():
				return
			case <-ticker.C:
				if sess.IdleFor() > l.opts.HeartbeatTimeout {
					l.opts.Log.Warn("tcp session heartbeat timeout", "sid", sess.sid)
					sess.Close()
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}
