// Package reqcache implements the pending-request correlation table
// described in spec.md §4.9: every outbound Request* is assigned a fresh
// msg_seq, registered here with a deadline, and completed exactly once —
// either by a matching reply, by the sweeper on timeout, or by a link drop.
package reqcache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ulala-x/playhouse-go/internal/model"
)

// Result is delivered to a pending request's callback exactly once.
type Result struct {
	Packet model.Packet
	Err    error
}

type entry struct {
	deliver        func(Result)
	deadline       time.Time
	targetServerID string
	ownerStageID   int64
	done           bool
}

// Cache correlates (implicitly, this node's nid + msg_seq) to a delivery
// callback. One Cache exists per node.
type Cache struct {
	mu      sync.Mutex
	seq     uint16
	pending map[uint16]*entry

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
	log           *slog.Logger
}

// New creates a Cache and starts its sweeper goroutine, which runs every
// sweepInterval (spec.md §4.9: "a sweeper fires every 100 ms").
func New(sweepInterval time.Duration, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		pending:       make(map[uint16]*entry),
		sweepInterval: sweepInterval,
		stop:          make(chan struct{}),
		log:           log,
	}
	go c.sweepLoop()
	return c
}

// Close stops the sweeper goroutine. Pending entries are left untouched;
// callers should CancelTarget/CancelStage first if they want those waiters
// woken.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// nextSeq returns the next non-zero msg_seq, skipping 0 (reserved for
// push) and any value still in flight.
func (c *Cache) nextSeq() uint16 {
	for {
		c.seq++
		if c.seq == 0 {
			c.seq = 1 // rollover skips 0
		}
		if _, inUse := c.pending[c.seq]; !inUse {
			return c.seq
		}
	}
}

// Register assigns a fresh msg_seq, stores deliver under it until either a
// matching Complete, a CancelTarget/CancelStage, or the sweeper's timeout,
// and returns the assigned seq to stamp on the outgoing packet.
func (c *Cache) Register(targetServerID string, ownerStageID int64, timeout time.Duration, deliver func(Result)) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.nextSeq()
	c.pending[seq] = &entry{
		deliver:        deliver,
		deadline:       time.Now().Add(timeout),
		targetServerID: targetServerID,
		ownerStageID:   ownerStageID,
	}
	return seq
}

// Complete delivers pkt to the waiter registered under seq, if any.
// Returns false if no matching pending entry exists (already completed, or
// never registered) — the caller should log and drop an unmatched reply.
func (c *Cache) Complete(seq uint16, pkt model.Packet) bool {
	e := c.claim(seq)
	if e == nil {
		return false
	}
	e.deliver(Result{Packet: pkt})
	return true
}

// claim atomically removes and returns the entry for seq, guaranteeing
// at-most-once delivery (spec.md invariant 6).
func (c *Cache) claim(seq uint16) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[seq]
	if !ok {
		return nil
	}
	delete(c.pending, seq)
	return e
}

// CancelTarget completes every pending entry bound to targetServerID with
// err (spec.md §4.5 link-drop handling / scenario E).
func (c *Cache) CancelTarget(targetServerID string, err error) {
	c.mu.Lock()
	var victims []*entry
	for seq, e := range c.pending {
		if e.targetServerID == targetServerID {
			victims = append(victims, e)
			delete(c.pending, seq)
		}
	}
	c.mu.Unlock()
	for _, e := range victims {
		e.deliver(Result{Err: err})
	}
}

// CancelStage completes every pending entry owned by stageID with err
// (spec.md §5: "On Stage destroy, all pending outbound requests owned by
// that Stage are cancelled with ConnectionClosed").
func (c *Cache) CancelStage(stageID int64, err error) {
	c.mu.Lock()
	var victims []*entry
	for seq, e := range c.pending {
		if e.ownerStageID == stageID {
			victims = append(victims, e)
			delete(c.pending, seq)
		}
	}
	c.mu.Unlock()
	for _, e := range victims {
		e.deliver(Result{Err: err})
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.sweepExpired(now)
		}
	}
}

func (c *Cache) sweepExpired(now time.Time) {
	c.mu.Lock()
	var expired []*entry
	for seq, e := range c.pending {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(c.pending, seq)
		}
	}
	c.mu.Unlock()
	for _, e := range expired {
		c.log.Debug("request timed out", "target", e.targetServerID, "stage_id", e.ownerStageID)
		e.deliver(Result{Err: ErrTimeout})
	}
}

// Len reports the number of entries currently pending; exposed for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
