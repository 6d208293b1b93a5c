package transport

import (
	"net"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/ulala-x/playhouse-go/internal/contract"
	"github.com/ulala-x/playhouse-go/internal/dispatch"
	"github.com/ulala-x/playhouse-go/internal/model"
	"github.com/ulala-x/playhouse-go/internal/reqcache"
	"github.com/ulala-x/playhouse-go/internal/wire"
)

// echoStage is a minimal contract.Stage for exercising the transport
// listeners end to end without pulling in real game content.
type echoStage struct{ sender contract.StageSender }

func (s *echoStage) OnCreate(payload []byte) error               { return nil }
func (s *echoStage) OnPostCreate()                                {}
func (s *echoStage) OnDestroy()                                   {}
func (s *echoStage) OnJoinStage(actor contract.Actor) bool        { return true }
func (s *echoStage) OnPostJoinStage(actor contract.Actor)         {}
func (s *echoStage) OnConnectionChanged(a contract.Actor, c bool) {}
func (s *echoStage) OnDispatch(actor contract.Actor, pkt model.Packet) {
	s.sender.Reply(model.Success, pkt.Payload)
}

func newTestDispatcherForTransport(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	cache := reqcache.New(50*time.Millisecond, testLogger())
	t.Cleanup(cache.Close)
	d := dispatch.New(dispatch.Deps{
		SelfServerID:   "node-1",
		SelfNid:        "nid-1",
		RequestCache:   cache,
		RequestTimeout: time.Second,
		Log:            testLogger(),
	})
	d.RegisterFactory("room", contract.ContentFactory{
		NewStage: func(sender contract.StageSender) contract.Stage { return &echoStage{sender: sender} },
	})
	return d
}

func startTCPListener(t *testing.T) (*TCPListener, *SessionTable) {
	t.Helper()
	table := NewSessionTable()
	disp := newTestDispatcherForTransport(t)
	disp.SetClientSender(table)

	ln, err := ListenTCP("127.0.0.1:0", table, disp, TCPOptions{
		InboundRate:  rate.Inf,
		InboundBurst: 1000,
		Log:          testLogger(),
	})
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	go ln.Serve()
	t.Cleanup(func() { ln.Close() })
	return ln, table
}

func TestTCPListenerCreateStageRoundTrip(t *testing.T) {
	ln, _ := startTCPListener(t)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload, err := wire.EncodeCreatePayload("room", nil)
	if err != nil {
		t.Fatalf("EncodeCreatePayload: %v", err)
	}
	reqFrame, err := wire.EncodeRequestFrame(model.Packet{
		MsgID: dispatch.CmdCreateStage, MsgSeq: 1, StageID: 42, Payload: payload,
	})
	if err != nil {
		t.Fatalf("EncodeRequestFrame: %v", err)
	}
	if _, err := conn.Write(reqFrame); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, buf, err := wire.ReadResponseFrame(conn, 1<<20)
	if err != nil {
		t.Fatalf("ReadResponseFrame: %v", err)
	}
	defer buf.Release()
	if pkt.ErrorCode != model.Success {
		t.Fatalf("expected Success, got %v", pkt.ErrorCode)
	}
}

func TestTCPListenerUnknownStageReturnsError(t *testing.T) {
	ln, _ := startTCPListener(t)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reqFrame, err := wire.EncodeRequestFrame(model.Packet{
		MsgID: "SomeGameMessage", MsgSeq: 1, StageID: 999, Payload: nil,
	})
	if err != nil {
		t.Fatalf("EncodeRequestFrame: %v", err)
	}
	if _, err := conn.Write(reqFrame); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, buf, err := wire.ReadResponseFrame(conn, 1<<20)
	if err != nil {
		t.Fatalf("ReadResponseFrame: %v", err)
	}
	defer buf.Release()
	if pkt.ErrorCode != model.StageNotFound {
		t.Fatalf("expected StageNotFound, got %v", pkt.ErrorCode)
	}
}
