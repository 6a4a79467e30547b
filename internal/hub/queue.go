package hub

import (
	"sync/atomic"

	"github.com/cliorch/cliorchd/pkg/models"
)

// subscriberQueue is one subscriber's outbound buffer: a two-lane
// backpressure queue adapted from the teacher's agent.BackpressureSink
// (internal/agent/event_sink.go). The teacher's high-priority lane blocks
// the producer when full, since it sits inside an agent run loop that can
// afford to wait; a Hub connection cannot block the owning Orchestrator's
// broadcast, so the high-priority lane here reports overflow instead of
// blocking, and the caller disconnects the subscriber with slow_consumer
// per spec.md §4.5/§6.
type subscriberQueue struct {
	highPri chan models.CanonicalEvent // Status/SessionInfo/ToolCall/ToolResult/Error — never dropped
	lowPri  chan models.CanonicalEvent // non-final AssistantText fragments — dropped under pressure
	merged  chan models.CanonicalEvent

	dropped uint64
	closed  uint32
}

// newSubscriberQueue builds a queue with capacity as the high-priority
// lane's bound (spec.md's subscriber_queue_capacity) and half that,
// minimum 32, for the droppable lane.
func newSubscriberQueue(capacity int) *subscriberQueue {
	if capacity <= 0 {
		capacity = 512
	}
	lowCap := capacity / 2
	if lowCap < 32 {
		lowCap = 32
	}
	q := &subscriberQueue{
		highPri: make(chan models.CanonicalEvent, capacity),
		lowPri:  make(chan models.CanonicalEvent, lowCap),
		merged:  make(chan models.CanonicalEvent, capacity),
	}
	go q.mergeLoop()
	return q
}

// push enqueues evt. It returns false when a non-droppable event found its
// lane full — the caller must disconnect the subscriber with slow_consumer,
// since silently dropping a Status or ToolResult would violate spec.md §8's
// "exactly one terminal Status per submit" and "every ToolResult has a
// prior ToolCall" invariants.
func (q *subscriberQueue) push(evt models.CanonicalEvent) bool {
	if atomic.LoadUint32(&q.closed) == 1 {
		return true
	}
	if isDroppable(evt) {
		select {
		case q.lowPri <- evt:
		default:
			atomic.AddUint64(&q.dropped, 1)
		}
		return true
	}
	select {
	case q.highPri <- evt:
		return true
	default:
		return false
	}
}

func (q *subscriberQueue) mergeLoop() {
	defer close(q.merged)
	for {
		select {
		case e, ok := <-q.highPri:
			if !ok {
				q.drainLow()
				return
			}
			q.merged <- e
			continue
		default:
		}

		select {
		case e, ok := <-q.highPri:
			if !ok {
				q.drainLow()
				return
			}
			q.merged <- e
		case e, ok := <-q.lowPri:
			if ok {
				q.merged <- e
			}
		}
	}
}

func (q *subscriberQueue) drainLow() {
	for e := range q.lowPri {
		q.merged <- e
	}
}

// dropped returns the number of low-priority events dropped so far.
func (q *subscriberQueue) droppedCount() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// close stops accepting new events and lets mergeLoop drain what remains.
func (q *subscriberQueue) close() {
	if !atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		return
	}
	close(q.highPri)
	close(q.lowPri)
}

// isDroppable reports whether evt belongs in the droppable lane: only
// non-final AssistantText fragments, per SPEC_FULL.md's two-lane
// backpressure policy — every other event kind carries information a
// subscriber cannot reconstruct from a later event.
func isDroppable(evt models.CanonicalEvent) bool {
	if evt.Type != models.EventAssistantText {
		return false
	}
	return evt.AssistantText == nil || !evt.AssistantText.Final
}
