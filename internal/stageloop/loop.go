// Package stageloop implements the per-Stage single-owner cooperative event
// loop (spec.md §4.6): a dedicated goroutine drains a mailbox channel in
// enqueue order, so Stage state never needs its own mutex. Producers only
// ever see the channel; the goroutine is the single consumer, which is the
// Go-idiomatic form of the "is-processing flag" spec.md §9 describes for
// cooperative-task runtimes.
package stageloop

import (
	"log/slog"
	"sync/atomic"
)

// WorkItem is one unit of Stage work. It runs to completion on the Stage's
// loop goroutine before the next queued item starts; it may block (e.g. a
// content handler awaiting an outbound Request) without affecting any other
// Stage — only this Loop's goroutine is held up.
type WorkItem func()

// Loop is the single-owner executor for one Stage. Mutual exclusion over
// Stage state is achieved purely by routing every access through items
// posted here; nothing in this package needs a mutex.
type Loop struct {
	StageID int64

	mailbox chan WorkItem
	closed  atomic.Bool
	closeCh chan struct{}
	drained chan struct{}

	log *slog.Logger
}

// defaultMailboxSize bounds how many items a Loop will buffer before Post
// blocks its caller. It does not bound total throughput — the loop still
// drains in a tight batch — it only caps memory under a runaway producer.
const defaultMailboxSize = 1024

// New creates a Loop for stageID and starts its goroutine.
func New(stageID int64, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	l := &Loop{
		StageID: stageID,
		mailbox: make(chan WorkItem, defaultMailboxSize),
		closeCh: make(chan struct{}),
		drained: make(chan struct{}),
		log:     log,
	}
	go l.run()
	return l
}

// Post enqueues item for execution on this Stage's loop. It is safe to call
// from any number of goroutines concurrently (spec.md §4.6 property 2).
// Post returns false if the loop has already been closed; the item never runs.
func (l *Loop) Post(item WorkItem) bool {
	if l.closed.Load() {
		return false
	}
	select {
	case l.mailbox <- item:
		return true
	case <-l.closeCh:
		return false
	}
}

// Close stops accepting new work (later Posts return false) and waits until
// the current batch and every item already queued have run before
// returning — so a cleanup item (e.g. from the Destroy system command)
// posted before Close is guaranteed to run.
func (l *Loop) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	close(l.closeCh)
	<-l.drained
}

func (l *Loop) run() {
	defer close(l.drained)
	for {
		select {
		case item := <-l.mailbox:
			l.drainBatch(item)
		case <-l.closeCh:
			// Drain whatever is already queued so a Post that raced the
			// Close and won still gets a chance to run once.
			for {
				select {
				case item := <-l.mailbox:
					l.runOne(item)
				default:
					return
				}
			}
		}
	}
}

// drainBatch pulls every item currently queued (spec.md §4.6 property 3:
// "the runner drains the current backlog into a local batch") and executes
// them one at a time, in enqueue order.
func (l *Loop) drainBatch(first WorkItem) {
	batch := make([]WorkItem, 0, 8)
	batch = append(batch, first)
drain:
	for {
		select {
		case item := <-l.mailbox:
			batch = append(batch, item)
		default:
			break drain
		}
	}
	for _, item := range batch {
		l.runOne(item)
	}
}

// runOne executes a single item, converting a panic into a logged-and-
// discarded failure (spec.md §7: "Unhandled exceptions are logged, the
// current item is discarded, the loop continues").
func (l *Loop) runOne(item WorkItem) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("stage handler panic", "stage_id", l.StageID, "panic", r)
		}
	}()
	item()
}
