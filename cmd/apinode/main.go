// Command apinode runs an Api node: a stateless process that answers
// msg_id-keyed requests routed over the server mesh, with no Stages of its
// own. The "Ping" handler registered here is a minimal demonstration
// handler standing in for whatever stateless logic an integrator supplies.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	playhouse "github.com/ulala-x/playhouse-go"
)

func main() {
	serverID := flag.String("server-id", "api-1", "unique id for this node within the fleet")
	nid := flag.String("nid", "api-1", "wire-level node id carried on route packets")
	serviceID := flag.Uint("service-id", 5, "service id this node belongs to, for fleet selection")
	meshAddr := flag.String("mesh-addr", ":9200", "address other nodes dial to reach this node's mesh link")
	healthAddr := flag.String("health-addr", ":9091", "healthz/debug HTTP listen address (empty to disable)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Api nodes answer fleet requests over the mesh only — they expose no
	// client-facing TCP/WebSocket transport (spec.md §1: clients connect to
	// Play nodes, not Api nodes).
	cfg, err := playhouse.NewConfig(*serverID, *nid, uint16(*serviceID), playhouse.Api, *meshAddr)
	if err != nil {
		logger.Error("config", "err", err)
		os.Exit(1)
	}

	node, err := playhouse.NewNode(cfg, playhouse.WithLogger(logger))
	if err != nil {
		logger.Error("new node", "err", err)
		os.Exit(1)
	}
	node.RegisterApiHandler("Ping", func(payload []byte, sender playhouse.ApiSender) (playhouse.ErrorCode, []byte) {
		return playhouse.Success, payload
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("apinode shutting down")
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

	logger.Info("apinode running", "server_id", *serverID, "mesh_addr", *meshAddr)
	<-ctx.Done()
}
