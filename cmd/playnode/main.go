// Command playnode runs a Play node: a process that hosts Stages and their
// joined Actors behind playhouse's client transport and server mesh. The
// "echo" stage_type registered here is a minimal demonstration content
// pack — every dispatched message is echoed back to its caller — standing
// in for whatever game logic an integrator supplies.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"

	playhouse "github.com/ulala-x/playhouse-go"
	"github.com/ulala-x/playhouse-go/internal/model"
)

func main() {
	serverID := flag.String("server-id", "play-1", "unique id for this node within the fleet")
	nid := flag.String("nid", "play-1", "wire-level node id carried on route packets")
	serviceID := flag.Uint("service-id", 1, "service id this node belongs to, for fleet selection")
	meshAddr := flag.String("mesh-addr", ":9100", "address other nodes dial to reach this node's mesh link")
	tcpAddr := flag.String("tcp-addr", ":9000", "client-facing TCP listen address")
	wsAddr := flag.String("ws-addr", ":9001", "client-facing WebSocket listen address")
	healthAddr := flag.String("health-addr", ":9090", "healthz/debug HTTP listen address (empty to disable)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := playhouse.NewConfig(*serverID, *nid, uint16(*serviceID), playhouse.Play, *meshAddr,
		playhouse.WithTransportKinds(playhouse.TransportTCP|playhouse.TransportWebSocket),
		playhouse.WithClientTCPAddress(*tcpAddr),
		playhouse.WithClientWebSocketAddress(*wsAddr),
	)
	if err != nil {
		logger.Error("config", "err", err)
		os.Exit(1)
	}

	node, err := playhouse.NewNode(cfg, playhouse.WithLogger(logger))
	if err != nil {
		logger.Error("new node", "err", err)
		os.Exit(1)
	}
	node.RegisterFactory("echo", playhouse.ContentFactory{
		NewStage: func(sender playhouse.StageSender) playhouse.Stage { return &echoStage{sender: sender} },
		NewActor: func(sender playhouse.ActorSender) playhouse.Actor { return &echoActor{sender: sender} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("playnode shutting down")
		cancel()
	}()

	if err := node.Start(ctx); err != nil {
		logger.Error("start node", "err", err)
		os.Exit(1)
	}
	defer node.Close()

	if *healthAddr != "" {
		hs := playhouse.NewHealthServer(node, logger)
		go func() {
			if err := hs.Run(ctx, *healthAddr); err != nil {
				logger.Error("health server", "err", err)
			}
		}()
	}

	logger.Info("playnode running", "server_id", *serverID, "tcp_addr", *tcpAddr, "ws_addr", *wsAddr, "mesh_addr", *meshAddr)
	<-ctx.Done()
}

// echoStage is a demonstration Stage: it accepts any Actor and echoes every
// dispatched message's payload back to the caller.
type echoStage struct {
	sender playhouse.StageSender
}

func (s *echoStage) OnCreate(payload []byte) error                  { return nil }
func (s *echoStage) OnPostCreate()                                  {}
func (s *echoStage) OnDestroy()                                     {}
func (s *echoStage) OnJoinStage(actor playhouse.Actor) bool          { return true }
func (s *echoStage) OnPostJoinStage(actor playhouse.Actor)           {}
func (s *echoStage) OnConnectionChanged(actor playhouse.Actor, connected bool) {
	log.Printf("echo: connection changed connected=%v", connected)
}
func (s *echoStage) OnDispatch(actor playhouse.Actor, pkt model.Packet) {
	s.sender.Reply(playhouse.Success, pkt.Payload)
}

// echoActor is the corresponding demonstration Actor: it accepts any
// authentication attempt with a non-empty payload, using that payload as
// the account id, and rejects an empty one.
type echoActor struct {
	sender playhouse.ActorSender
}

func (a *echoActor) OnCreate() {}
func (a *echoActor) OnDestroy() {}
func (a *echoActor) OnAuthenticate(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	a.sender.SetAccountID(string(payload))
	return true
}
func (a *echoActor) OnPostAuthenticate() {}
