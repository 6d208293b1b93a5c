package transport

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/ulala-x/playhouse-go/internal/model"
)

// fakeConn is a rawConn test double that records every frame written and
// can simulate a write failure.
type fakeConn struct {
	written chan []byte
	failNext bool
	closed  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{written: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) writeFrame(b []byte) error {
	if f.failNext {
		return io.ErrClosedPipe
	}
	cp := append([]byte(nil), b...)
	f.written <- cp
	return nil
}

func (f *fakeConn) close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func echoEncode(pkt model.Packet) ([]byte, error) { return []byte(pkt.MsgID), nil }

func TestSessionSendWritesFrame(t *testing.T) {
	conn := newFakeConn()
	s := newSession(1, conn, echoEncode, 1024, 256, rate.Inf, 100, testLogger())
	go s.runWriter()
	defer s.Close()

	if err := s.Send(model.Packet{MsgID: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-conn.written:
		if string(got) != "hello" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write")
	}
}

func TestSessionAccountIDRoundTrip(t *testing.T) {
	conn := newFakeConn()
	s := newSession(2, conn, echoEncode, 1024, 256, rate.Inf, 100, testLogger())
	if s.AccountID() != "" {
		t.Fatal("expected empty account id before binding")
	}
	s.SetAccountID("acct-1")
	if got := s.AccountID(); got != "acct-1" {
		t.Fatalf("got %q", got)
	}
}

func TestSessionSendAfterCloseFails(t *testing.T) {
	conn := newFakeConn()
	s := newSession(3, conn, echoEncode, 1024, 256, rate.Inf, 100, testLogger())
	go s.runWriter()
	s.Close()

	// Give the writer goroutine a beat to observe closure; Send must not
	// panic even if a race lets one frame slip into the channel.
	time.Sleep(10 * time.Millisecond)
	if err := s.Send(model.Packet{MsgID: "late"}); !errors.Is(err, errSessionClosed) {
		t.Fatalf("expected errSessionClosed, got %v", err)
	}
}

func TestSessionBackpressurePausesAndResumes(t *testing.T) {
	conn := newFakeConn()
	s := newSession(4, conn, echoEncode, 10, 2, rate.Inf, 100, testLogger())

	s.addPending(10) // crosses pauseWriterThreshold
	s.backpressureMu.Lock()
	paused := s.paused
	s.backpressureMu.Unlock()
	if !paused {
		t.Fatal("expected session to be paused once pending bytes hit the threshold")
	}

	done := make(chan struct{})
	go func() {
		s.waitForCapacity()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("waitForCapacity returned before resume threshold was reached")
	case <-time.After(20 * time.Millisecond):
	}

	s.addPending(-9) // drops to 1, below resumeWriterThreshold
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForCapacity never unblocked after resume")
	}
}

func TestSessionCloseGracefullyDrainsOutbox(t *testing.T) {
	conn := newFakeConn()
	s := newSession(6, conn, echoEncode, 1024, 256, rate.Inf, 100, testLogger())
	go s.runWriter()

	if err := s.Send(model.Packet{MsgID: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.CloseGracefully() }()

	select {
	case <-conn.written:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued frame to be written")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("CloseGracefully: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CloseGracefully never returned after outbox drained")
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("expected session closed after graceful drain completes")
	}
}

func TestSessionCloseGracefullyRejectsNewSends(t *testing.T) {
	conn := newFakeConn()
	s := newSession(7, conn, echoEncode, 1024, 256, rate.Inf, 100, testLogger())
	go s.runWriter()
	defer s.Close()

	s.state.Store(int32(stateClosing))
	if err := s.Send(model.Packet{MsgID: "late"}); !errors.Is(err, errSessionClosed) {
		t.Fatalf("expected errSessionClosed while closing, got %v", err)
	}
}

func TestSessionOutboxFullClosesSession(t *testing.T) {
	conn := newFakeConn() // writer never started, so outbox fills up
	s := newSession(5, conn, echoEncode, 1<<30, 0, rate.Inf, 100, testLogger())
	for i := 0; i < outboxSize+1; i++ {
		_ = s.Send(model.Packet{MsgID: "x"})
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("expected session to close once its outbox filled")
	}
}
