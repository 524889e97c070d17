package worker

import (
	"context"
	"log"

	"github.com/treeline/mailflow/internal/dispatch"
	"github.com/treeline/mailflow/internal/pkg/distlock"
)

// Pass runs one full send pass: the campaign pass followed by the sequence
// pass, guarded by a cross-process lock so two sender instances never
// dispatch at the same time.
type Pass struct {
	lock      distlock.Lock
	campaigns *CampaignRunner
	sequences *SequenceRunner
}

// NewPass composes the two runners behind one lock.
func NewPass(lock distlock.Lock, campaigns *CampaignRunner, sequences *SequenceRunner) *Pass {
	return &Pass{lock: lock, campaigns: campaigns, sequences: sequences}
}

// Run executes one pass. Losing the lock race is not an error: another
// instance is already dispatching and this one waits for its next tick.
// A failed campaign pass does not stop the sequence pass.
func (p *Pass) Run(ctx context.Context) error {
	acquired, err := p.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		log.Println("[Pass] Another instance holds the pass lock, skipping this tick")
		return nil
	}
	defer func() {
		if err := p.lock.Release(ctx); err != nil {
			log.Printf("[Pass] Failed to release pass lock: %v", err)
		}
	}()

	var campaignResults, sequenceResults dispatch.Results
	if campaignResults, err = p.campaigns.RunPass(ctx); err != nil {
		log.Printf("[Pass] Campaign pass failed: %v", err)
	}
	if sequenceResults, err = p.sequences.RunPass(ctx); err != nil {
		log.Printf("[Pass] Sequence pass failed: %v", err)
	}

	log.Printf("[Pass] Totals: sent=%d skipped=%d errors=%d",
		campaignResults.Sent+sequenceResults.Sent,
		campaignResults.Skipped+sequenceResults.Skipped,
		campaignResults.Errors+sequenceResults.Errors)
	return nil
}
