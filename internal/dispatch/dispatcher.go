// Package dispatch partitions an eligible-recipient list into fixed-size
// batches, fans each batch out concurrently, and serializes sends against
// the daily-cap budget. One recipient's failure never aborts a sibling's
// send; every attempt resolves to exactly one recorded outcome.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/treeline/mailflow/internal/pkg/logger"
	"github.com/treeline/mailflow/internal/sendlimit"
	"github.com/treeline/mailflow/internal/store"
)

// Recipient is one addressable contact in dispatch order. ID is a
// caller-scoped identifier: the lead id for campaign sends, the subscriber
// id for sequence sends.
type Recipient struct {
	ID        int
	Email     string
	FirstName string
	LastName  string
}

// Outcome is the resolved result of one send attempt. Status is one of the
// store log statuses: sent, skipped, error.
type Outcome struct {
	Status string
	Detail string
}

// SendFunc performs one complete attempt for a recipient: eligibility
// re-check, render, transport call, and delivery-log write. It must never
// panic a sibling; the dispatcher converts panics into error outcomes.
type SendFunc func(ctx context.Context, r Recipient) Outcome

// Results summarizes one dispatch. Untouched counts recipients never
// attempted because the budget ran out or the pass was cancelled; they are
// not logged and stay eligible for the next pass.
type Results struct {
	Sent      int
	Skipped   int
	Errors    int
	Untouched int
	Details   []string
}

// Dispatcher issues sends in order-preserving batches.
type Dispatcher struct {
	// BatchSize is the number of concurrent sends per batch.
	BatchSize int
	// Cooldown is the pause between batches.
	Cooldown time.Duration
	// Stagger is the pause between send launches within a batch, a
	// courtesy to the transport's per-second limits.
	Stagger time.Duration
	// MaxDetails caps the per-pass outcome detail list.
	MaxDetails int

	Send SendFunc
}

// NewDispatcher creates a dispatcher with the given batch size and
// inter-batch cooldown.
func NewDispatcher(batchSize int, cooldown, stagger time.Duration, send SendFunc) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Dispatcher{
		BatchSize:  batchSize,
		Cooldown:   cooldown,
		Stagger:    stagger,
		MaxDetails: 50,
		Send:       send,
	}
}

// Dispatch processes recipients in supplied order. The budget is re-checked
// before each batch and again before each recipient; when it is exhausted,
// the remainder of the list is left untouched for the next pass. Within a
// batch all launched sends run concurrently and the batch completes only
// when every attempt resolves.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []Recipient, budget *sendlimit.Budget) Results {
	var (
		results Results
		mu      sync.Mutex
	)

	record := func(r Recipient, out Outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch out.Status {
		case store.StatusSent:
			results.Sent++
		case store.StatusSkipped:
			results.Skipped++
		default:
			results.Errors++
		}
		if len(results.Details) < d.MaxDetails {
			// Details end up in log output, so the address is masked and any
			// address embedded in an error string is scrubbed with it.
			results.Details = append(results.Details,
				fmt.Sprintf("%s - %s", logger.RedactEmail(r.Email), logger.Redact(out.Detail)))
		}
	}

	for start := 0; start < len(recipients); start += d.BatchSize {
		if ctx.Err() != nil {
			results.Untouched += len(recipients) - start
			return results
		}
		if budget.Remaining() <= 0 {
			results.Untouched += len(recipients) - start
			log.Printf("[Dispatcher] Daily budget exhausted, leaving %d recipients for next pass", results.Untouched)
			return results
		}

		end := start + d.BatchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		batch := recipients[start:end]

		var wg sync.WaitGroup
		launched := 0
		for _, r := range batch {
			if ctx.Err() != nil {
				break
			}
			if !budget.Take() {
				break
			}
			launched++

			wg.Add(1)
			go func(r Recipient) {
				defer wg.Done()
				out := d.attempt(ctx, r)
				if out.Status != store.StatusSent {
					// Only 'sent' outcomes count against the cap.
					budget.Put()
				}
				record(r, out)
			}(r)

			if d.Stagger > 0 && launched < len(batch) {
				sleep(ctx, d.Stagger)
			}
		}
		wg.Wait()

		untouchedInBatch := len(batch) - launched
		if untouchedInBatch > 0 {
			results.Untouched += untouchedInBatch + (len(recipients) - end)
			log.Printf("[Dispatcher] Stopped mid-batch, leaving %d recipients for next pass", results.Untouched)
			return results
		}

		if end < len(recipients) && d.Cooldown > 0 {
			sleep(ctx, d.Cooldown)
		}
	}
	return results
}

// attempt isolates a single send so a panic in one recipient's path becomes
// an error outcome instead of killing its siblings.
func (d *Dispatcher) attempt(ctx context.Context, r Recipient) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Dispatcher] Send to %s panicked: %v", logger.RedactEmail(r.Email), rec)
			out = Outcome{Status: store.StatusError, Detail: fmt.Sprintf("panic: %v", rec)}
		}
	}()
	return d.Send(ctx, r)
}

func sleep(ctx context.Context, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
