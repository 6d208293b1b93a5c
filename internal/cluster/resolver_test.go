package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ulala-x/playhouse-go/internal/model"
)

type fakeLinker struct {
	mu          sync.Mutex
	connected   map[string]string
	disconnects []string
}

func newFakeLinker() *fakeLinker {
	return &fakeLinker{connected: make(map[string]string)}
}

func (f *fakeLinker) Connect(_ context.Context, serverID, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[serverID] = address
	return nil
}

func (f *fakeLinker) Disconnect(serverID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, serverID)
	f.disconnects = append(f.disconnects, serverID)
}

func TestResolverConnectsAddedRunningServer(t *testing.T) {
	center := NewCenter()
	link := newFakeLinker()
	calls := 0
	discovery := func(string) ([]model.ServerInfo, error) {
		calls++
		return []model.ServerInfo{info("play-2", "n2", 1, model.Play, "10.0.0.2:9000", model.Running, 1)}, nil
	}
	r := NewResolver("play-1", center, nil, discovery, time.Hour, nil, nil)
	r.comm = link

	r.tick(context.Background())

	if link.connected["play-2"] != "10.0.0.2:9000" {
		t.Fatalf("expected Connect to play-2, got %v", link.connected)
	}
}

func TestResolverSkipsSelf(t *testing.T) {
	center := NewCenter()
	link := newFakeLinker()
	discovery := func(string) ([]model.ServerInfo, error) {
		return []model.ServerInfo{info("play-1", "n1", 1, model.Play, "self:9000", model.Running, 1)}, nil
	}
	r := NewResolver("play-1", center, nil, discovery, time.Hour, nil, nil)
	r.comm = link

	r.tick(context.Background())

	if len(link.connected) != 0 {
		t.Fatalf("resolver must never connect to itself, got %v", link.connected)
	}
}

func TestResolverDisconnectsOnDisable(t *testing.T) {
	center := NewCenter()
	link := newFakeLinker()
	state := model.Running
	discovery := func(string) ([]model.ServerInfo, error) {
		return []model.ServerInfo{info("play-2", "n2", 1, model.Play, "a", state, 1)}, nil
	}
	r := NewResolver("play-1", center, nil, discovery, time.Hour, nil, nil)
	r.comm = link

	r.tick(context.Background())
	if _, ok := link.connected["play-2"]; !ok {
		t.Fatal("expected initial connect")
	}

	state = model.Disabled
	r.tick(context.Background())
	if _, ok := link.connected["play-2"]; ok {
		t.Fatal("expected disconnect after server transitions to Disabled")
	}
}

func TestResolverReconnectsOnAddressChange(t *testing.T) {
	center := NewCenter()
	link := newFakeLinker()
	addr := "10.0.0.2:9000"
	discovery := func(string) ([]model.ServerInfo, error) {
		return []model.ServerInfo{info("play-2", "n2", 1, model.Play, addr, model.Running, 1)}, nil
	}
	r := NewResolver("play-1", center, nil, discovery, time.Hour, nil, nil)
	r.comm = link

	r.tick(context.Background())
	addr = "10.0.0.3:9000"
	r.tick(context.Background())

	if link.connected["play-2"] != "10.0.0.3:9000" {
		t.Fatalf("expected reconnect to new address, got %v", link.connected)
	}
	found := false
	for _, id := range link.disconnects {
		if id == "play-2" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a Disconnect before reconnecting to the new address")
	}
}

func TestResolverDisconnectsOnRemoval(t *testing.T) {
	center := NewCenter()
	link := newFakeLinker()
	present := true
	discovery := func(string) ([]model.ServerInfo, error) {
		if !present {
			return nil, nil
		}
		return []model.ServerInfo{info("play-2", "n2", 1, model.Play, "a", model.Running, 1)}, nil
	}
	r := NewResolver("play-1", center, nil, discovery, time.Hour, nil, nil)
	r.comm = link

	r.tick(context.Background())
	present = false
	r.tick(context.Background())

	if _, ok := link.connected["play-2"]; ok {
		t.Fatal("expected disconnect once server is removed from discovery")
	}
}

func TestResolverFiresOnChangedOnlyWhenDiffNonEmpty(t *testing.T) {
	center := NewCenter()
	link := newFakeLinker()
	fired := 0
	discovery := func(string) ([]model.ServerInfo, error) {
		return []model.ServerInfo{info("play-2", "n2", 1, model.Play, "a", model.Running, 1)}, nil
	}
	r := NewResolver("play-1", center, nil, discovery, time.Hour, func(Diff) { fired++ }, nil)
	r.comm = link

	r.tick(context.Background()) // Added -> fires
	r.tick(context.Background()) // identical snapshot -> no diff, no fire

	if fired != 1 {
		t.Fatalf("expected exactly one OnServerListChanged call, got %d", fired)
	}
}
