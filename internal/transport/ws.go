package transport

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ulala-x/playhouse-go/internal/dispatch"
	"github.com/ulala-x/playhouse-go/internal/wire"
)

const wsWriteTimeout = 5 * time.Second

// wsConn adapts *websocket.Conn to rawConn. WebSocket already delimits
// messages, so writeFrame carries wire.EncodeResponseBody's output with no
// outer length prefix (internal/wire/codec.go's own framing note).
type wsConn struct{ c *websocket.Conn }

func (w wsConn) writeFrame(b []byte) error {
	_ = w.c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.c.WriteMessage(websocket.BinaryMessage, b)
}

func (w wsConn) close() error { return w.c.Close() }

// WebSocketOptions configures a WebSocketListener.
type WebSocketOptions struct {
	Path                  string
	MaxPacketSize         int
	PauseWriterThreshold  int
	ResumeWriterThreshold int
	HeartbeatTimeout      time.Duration
	InboundRate           rate.Limit
	InboundBurst          int
	TLSConfig             *tls.Config
	Log                   *slog.Logger
}

func (o *WebSocketOptions) setDefaults() {
	if o.Path == "" {
		o.Path = "/ws"
	}
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
		o.InboundRate = 200
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = 400
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

// WebSocketListener serves the same packet model over a websocket
// upgrade instead of raw TCP framing. Grounded directly on the teacher's
// internal/legacy/ws.Handler: echo.Echo route registration, a permissive
// CheckOrigin upgrader, and a per-connection outbound goroutine draining a
// channel under a write deadline — with JSON control messages replaced by
// wire's binary frame bodies and a dispatch.Dispatcher in place of
// core.ChannelState.
type WebSocketListener struct {
	e        *echo.Echo
	srv      *http.Server
	ln       net.Listener
	upgrader websocket.Upgrader
	table    *SessionTable
	disp     *dispatch.Dispatcher
	opts     WebSocketOptions
}

// ListenWebSocket binds addr and returns a listener ready to Serve, with
// its route registered on a fresh *echo.Echo.
func ListenWebSocket(addr string, table *SessionTable, disp *dispatch.Dispatcher, opts WebSocketOptions) (*WebSocketListener, error) {
	opts.setDefaults()
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	l := &WebSocketListener{
		e:     e,
		table: table,
		disp:  disp,
		opts:  opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	e.GET(opts.Path, l.handleUpgrade)
	l.srv = &http.Server{Handler: e, TLSConfig: opts.TLSConfig}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if opts.TLSConfig != nil {
		ln = tls.NewListener(ln, opts.TLSConfig)
	}
	l.ln = ln
	return l, nil
}

// Addr reports the bound address, useful when addr was ":0" in tests.
func (l *WebSocketListener) Addr() net.Addr { return l.ln.Addr() }

// Serve blocks accepting upgrades until Close is called.
func (l *WebSocketListener) Serve() error {
	err := l.srv.Serve(l.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close shuts the HTTP server down, refusing new upgrades. As with
// TCPListener, existing sessions are left to drain on their own.
func (l *WebSocketListener) Close() error {
	return l.srv.Close()
}

func (l *WebSocketListener) handleUpgrade(c echo.Context) error {
	remote := c.RealIP()
	conn, err := l.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		l.opts.Log.Error("ws upgrade failed", "remote", remote, "err", err)
		return err
	}
	l.serveConn(conn, remote)
	return nil
}

func (l *WebSocketListener) serveConn(conn *websocket.Conn, remote string) {
	conn.SetReadLimit(int64(l.opts.MaxPacketSize))

	sid := l.table.nextSessionID()
	sess := newSession(sid, wsConn{conn}, wire.EncodeResponseBody,
		l.opts.PauseWriterThreshold, l.opts.ResumeWriterThreshold,
		l.opts.InboundRate, l.opts.InboundBurst, l.opts.Log)
	l.table.add(sess)
	go sess.runWriter()

	l.opts.Log.Info("ws session accepted", "sid", sid, "remote", remote)

	stopHeartbeat := l.watchHeartbeat(sess)
	defer func() {
		stopHeartbeat()
		l.table.remove(sid)
		sess.CloseGracefully()
		l.opts.Log.Info("ws session closed", "sid", sid)
	}()

	for {
		sess.waitForCapacity()
		if !sess.allowInbound() {
			time.Sleep(time.Millisecond)
			continue
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.opts.Log.Debug("ws unexpected close", "sid", sid, "err", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		pkt, err := wire.DecodeRequestBody(data)
		if err != nil {
			l.opts.Log.Debug("ws frame decode failed", "sid", sid, "err", err)
			return
		}
		l.disp.HandleClientFrame(sess, pkt)
	}
}

func (l *WebSocketListener) watchHeartbeat(sess *Session) func() {
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
					l.opts.Log.Warn("ws session heartbeat timeout", "sid", sess.sid)
					sess.Close()
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}
