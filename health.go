package playhouse

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// healthShutdownTimeout bounds how long HealthServer.Run waits for
// in-flight requests to drain on context cancellation.
const healthShutdownTimeout = 5 * time.Second

// HealthServer exposes a node's liveness and a small debug surface over
// plain HTTP — kept deliberately separate from the client-facing transport
// listeners, since probes and operators should never share a port (and a
// protocol) with game traffic.
type HealthServer struct {
	e    *echo.Echo
	srv  *http.Server
	node *Node
	log  *slog.Logger
}

// NewHealthServer builds the /healthz and /debug/stages routes for node.
func NewHealthServer(node *Node, log *slog.Logger) *HealthServer {
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	h := &HealthServer{e: e, node: node, log: log}
	e.GET("/healthz", h.handleHealthz)
	e.GET("/debug/stages", h.handleDebugStages)
	h.srv = &http.Server{Handler: e, ReadHeaderTimeout: 10 * time.Second}
	return h
}

type healthzResponse struct {
	Status   string `json:"status"`
	ServerID string `json:"server_id"`
	Nid      string `json:"nid"`
	Type     string `json:"type"`
}

func (h *HealthServer) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{
		Status:   "ok",
		ServerID: h.node.cfg.ServerID,
		Nid:      h.node.cfg.Nid,
		Type:     h.node.cfg.Type.String(),
	})
}

type debugStagesResponse struct {
	StageCount int `json:"stage_count"`
}

func (h *HealthServer) handleDebugStages(c echo.Context) error {
	return c.JSON(http.StatusOK, debugStagesResponse{StageCount: h.node.StageCount()})
}

// Echo exposes the underlying router for tests, the way httpapi.Server does.
func (h *HealthServer) Echo() *echo.Echo { return h.e }

// Run starts the health server on addr and blocks until ctx is canceled or
// the server fails to start.
func (h *HealthServer) Run(ctx context.Context, addr string) error {
	h.srv.Addr = addr
	errCh := make(chan error, 1)
	go func() {
		err := h.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		h.log.Info("health server shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), healthShutdownTimeout)
		defer cancel()
		_ = h.srv.Shutdown(shutCtx)
		return nil
	}
}
