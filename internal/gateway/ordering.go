package gateway

import (
	"fmt"
	"sync"

	"cryptoPositionEngine/internal/domain"
)

// OrderingEnforcer assigns locally monotonic per-order sequence numbers and
// rejects duplicate fill ids and stale sequences. Exchange delivery is
// at-least-once and partially ordered; everything downstream of the enforcer
// may assume exactly-once, in-order application per order.
type OrderingEnforcer struct {
	mu        sync.Mutex
	nextSeq   map[string]int64
	lastSeq   map[string]int64
	seenFills map[string]struct{}
}

// NewOrderingEnforcer creates an empty enforcer.
func NewOrderingEnforcer() *OrderingEnforcer {
	return &OrderingEnforcer{
		nextSeq:   make(map[string]int64),
		lastSeq:   make(map[string]int64),
		seenFills: make(map[string]struct{}),
	}
}

// NextSeq hands out the next sequence number for an order, starting at 1.
func (e *OrderingEnforcer) NextSeq(orderID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSeq[orderID]++
	return e.nextSeq[orderID]
}

// Admit accepts an event if its sequence advances the order's stream and its
// fill id has not been seen. Rejection returns the reason.
func (e *OrderingEnforcer) Admit(ev *domain.OrderEvent) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.lastSeq[ev.OrderID]; ok && ev.Seq <= last {
		return false, fmt.Sprintf("stale sequence %d <= %d for order %s", ev.Seq, last, ev.OrderID)
	}
	if ev.FillID != "" {
		if _, seen := e.seenFills[ev.FillID]; seen {
			return false, fmt.Sprintf("duplicate fill id %s", ev.FillID)
		}
	}

	e.lastSeq[ev.OrderID] = ev.Seq
	if ev.FillID != "" {
		e.seenFills[ev.FillID] = struct{}{}
	}
	return true, ""
}
