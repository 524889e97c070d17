// Package sequence resolves a subscriber's position in a drip sequence:
// which step fires now, and when the one after it becomes due.
package sequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/treeline/mailflow/internal/store"
)

// Action is what a pass should do with a due subscriber.
type Action int

const (
	// ActionNone means the subscriber is not processable (paused,
	// completed, or otherwise out of the resolver's hands).
	ActionNone Action = iota
	// ActionSend means the resolved step should be sent now.
	ActionSend
	// ActionComplete means no active step remains; the subscriber
	// transitions to completed with no email.
	ActionComplete
)

// Resolution is the outcome of resolving a due subscriber.
type Resolution struct {
	Action Action
	// Step is the email to send when Action is ActionSend.
	Step *store.DueStep
}

// Advancement describes the state update after a successful send. NextDue
// is NULL when the sequence has no step after the one just sent; the next
// pass then detects completion.
type Advancement struct {
	SentStep int
	NextDue  sql.NullTime
}

// StepSource supplies per-step delays for scheduling the step that fires
// after the one just sent.
type StepSource interface {
	StepDelay(ctx context.Context, sequenceID, stepNumber int) (int, error)
}

// Resolver applies the step-progression rules. current_step is the last
// step successfully sent; the step that fires now is always current_step+1,
// never skipped, never reused.
type Resolver struct {
	steps StepSource
}

// NewResolver creates a resolver over a step source.
func NewResolver(steps StepSource) *Resolver {
	return &Resolver{steps: steps}
}

// Resolve decides what to do with a due subscriber. Only active
// subscribers are processable; paused and terminal statuses are no-ops.
// A missing or inactive step current_step+1 is terminal completion.
func (r *Resolver) Resolve(sub store.DueSubscriber) Resolution {
	if sub.Status != store.SubscriberActive {
		return Resolution{Action: ActionNone}
	}
	if sub.NextStep == nil {
		return Resolution{Action: ActionComplete}
	}
	return Resolution{Action: ActionSend, Step: sub.NextStep}
}

// AfterSend computes the advancement that records a successful send of the
// resolved step: current_step becomes the step just sent, and next_email_due
// is now plus the delay of the step that fires next, when one exists.
// Completion is not pre-computed here; a subscriber past the final step
// stays active with a NULL due time and completes on the following pass.
func (r *Resolver) AfterSend(ctx context.Context, sub store.DueSubscriber, now time.Time) (Advancement, error) {
	if sub.NextStep == nil {
		return Advancement{}, fmt.Errorf("subscriber %d has no resolved step to record", sub.ID)
	}
	sentStep := sub.NextStep.StepNumber

	delayDays, err := r.steps.StepDelay(ctx, sub.SequenceID, sentStep+1)
	if errors.Is(err, store.ErrNotFound) {
		return Advancement{SentStep: sentStep}, nil
	}
	if err != nil {
		return Advancement{}, fmt.Errorf("resolve following step: %w", err)
	}

	return Advancement{
		SentStep: sentStep,
		NextDue: sql.NullTime{
			Time:  now.AddDate(0, 0, delayDays),
			Valid: true,
		},
	}, nil
}
