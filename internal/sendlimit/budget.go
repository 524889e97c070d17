// Package sendlimit bounds sends against the daily cap. The cap is advisory
// rather than transactional: the authoritative count is derived from the
// delivery log at the start of each pass, and an atomically decremented
// in-process budget bounds overrun across the concurrent sends of one pass.
package sendlimit

import "sync/atomic"

// Budget is the remaining send allowance for one pass. Take reserves one
// send before the transport call; Put returns a reservation whose attempt
// did not produce a 'sent' outcome, since only 'sent' rows count against
// the cap.
type Budget struct {
	remaining atomic.Int64
}

// NewBudget creates a budget with n sends remaining. Negative seeds clamp
// to zero.
func NewBudget(n int) *Budget {
	b := &Budget{}
	if n > 0 {
		b.remaining.Store(int64(n))
	}
	return b
}

// Take reserves one send. Returns false when the budget is exhausted.
func (b *Budget) Take() bool {
	for {
		cur := b.remaining.Load()
		if cur <= 0 {
			return false
		}
		if b.remaining.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Put returns one unused reservation.
func (b *Budget) Put() {
	b.remaining.Add(1)
}

// Remaining reports the current allowance. The value is advisory under
// concurrent Take calls.
func (b *Budget) Remaining() int {
	n := b.remaining.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}
