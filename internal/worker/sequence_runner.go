package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/treeline/mailflow/internal/dispatch"
	"github.com/treeline/mailflow/internal/eligibility"
	"github.com/treeline/mailflow/internal/mail"
	"github.com/treeline/mailflow/internal/pkg/logger"
	"github.com/treeline/mailflow/internal/sendlimit"
	"github.com/treeline/mailflow/internal/sequence"
	"github.com/treeline/mailflow/internal/store"
	"github.com/treeline/mailflow/internal/template"
)

// DueBatchLimit caps how many due subscribers one pass claims.
const DueBatchLimit = 200

// SequenceStore is the slice of the store the sequence pass needs.
type SequenceStore interface {
	DueSubscribers(ctx context.Context, now time.Time, limit int) ([]store.DueSubscriber, error)
	AdvanceSubscriber(ctx context.Context, subscriberID, sentStep int, nextDue sql.NullTime) error
	SetSubscriberStatus(ctx context.Context, subscriberID int, status string) error
	InsertLog(ctx context.Context, entry store.LogEntry) error
	Stats(ctx context.Context) (store.SequenceStats, error)
}

// SequenceRunner executes one sequence pass: claim due subscribers, resolve
// each one's next step, dispatch the sends, and advance state only after a
// durably logged successful send.
type SequenceRunner struct {
	store      SequenceStore
	filter     *eligibility.Filter
	resolver   *sequence.Resolver
	renderer   *template.Renderer
	sender     mail.Sender
	dispatcher *dispatch.Dispatcher

	fromAddress string
	now         func() time.Time
}

// NewSequenceRunner wires a sequence pass.
func NewSequenceRunner(
	st SequenceStore,
	filter *eligibility.Filter,
	resolver *sequence.Resolver,
	renderer *template.Renderer,
	sender mail.Sender,
	batchSize int,
	cooldown, stagger time.Duration,
	fromAddress string,
) *SequenceRunner {
	r := &SequenceRunner{
		store:       st,
		filter:      filter,
		resolver:    resolver,
		renderer:    renderer,
		sender:      sender,
		fromAddress: fromAddress,
		now:         time.Now,
	}
	r.dispatcher = dispatch.NewDispatcher(batchSize, cooldown, stagger, nil)
	return r
}

// RunPass executes one full sequence pass. Subscribers whose sequence has
// no further step are completed without an email; the rest are dispatched
// in batches under the daily budget.
func (r *SequenceRunner) RunPass(ctx context.Context) (dispatch.Results, error) {
	now := r.now()

	remaining, err := r.filter.RemainingToday(ctx, now)
	if err != nil {
		return dispatch.Results{}, fmt.Errorf("sequence pass: %w", err)
	}
	if remaining <= 0 {
		log.Println("[SequenceRunner] Daily limit reached, nothing to send")
		return dispatch.Results{}, nil
	}

	due, err := r.store.DueSubscribers(ctx, now, DueBatchLimit)
	if err != nil {
		return dispatch.Results{}, fmt.Errorf("sequence pass: %w", err)
	}
	if len(due) == 0 {
		return dispatch.Results{}, nil
	}
	log.Printf("[SequenceRunner] %d due subscribers, %d sends remaining today", len(due), remaining)

	// Resolve every due subscriber first. Completions happen here, before
	// dispatch, so the batch only carries subscribers with a real email to
	// send.
	bySubscriber := make(map[int]store.DueSubscriber, len(due))
	var recipients []dispatch.Recipient
	for _, d := range due {
		res := r.resolver.Resolve(d)
		switch res.Action {
		case sequence.ActionComplete:
			if err := r.store.SetSubscriberStatus(ctx, d.ID, store.SubscriberCompleted); err != nil {
				log.Printf("[SequenceRunner] Failed to complete subscriber %d: %v", d.ID, err)
				continue
			}
			log.Printf("[SequenceRunner] Sequence %q completed for %s", d.SequenceName, logger.RedactEmail(d.LeadEmail))
		case sequence.ActionSend:
			bySubscriber[d.ID] = d
			recipients = append(recipients, dispatch.Recipient{
				ID:        d.ID,
				Email:     d.LeadEmail,
				FirstName: d.LeadFirstName,
				LastName:  d.LeadLastName,
			})
		}
	}
	if len(recipients) == 0 {
		return dispatch.Results{}, nil
	}

	// bySubscriber is read-only once dispatch starts, so concurrent sends
	// can look it up without locking.
	r.dispatcher.Send = func(ctx context.Context, rec dispatch.Recipient) dispatch.Outcome {
		sub, ok := bySubscriber[rec.ID]
		if !ok {
			return dispatch.Outcome{Status: store.StatusSkipped, Detail: "subscriber no longer due"}
		}
		return r.sendOne(ctx, sub)
	}

	budget := sendlimit.NewBudget(remaining)
	results := r.dispatcher.Dispatch(ctx, recipients, budget)

	logSummary("SequenceRunner", results)
	return results, nil
}

// sendOne is the per-subscriber attempt. Subscriber state advances only
// after the send succeeded and was durably logged; on any failure the same
// step is retried on the next eligible pass.
func (r *SequenceRunner) sendOne(ctx context.Context, sub store.DueSubscriber) dispatch.Outcome {
	now := r.now()
	step := sub.NextStep

	decision, err := r.filter.Check(ctx, sub.LeadEmail, eligibility.SequenceScope(), now)
	if err != nil {
		log.Printf("[SequenceRunner] Eligibility check failed for %s: %v", logger.RedactEmail(sub.LeadEmail), err)
		return dispatch.Outcome{Status: store.StatusSkipped, Detail: fmt.Sprintf("eligibility check failed: %v", err)}
	}
	if !decision.Eligible {
		switch decision.Reason {
		case eligibility.ReasonUnsubscribed:
			// Suppression detected mid-sequence is terminal.
			if err := r.store.SetSubscriberStatus(ctx, sub.ID, store.SubscriberUnsubscribed); err != nil {
				log.Printf("[SequenceRunner] Failed to mark subscriber %d unsubscribed: %v", sub.ID, err)
			}
			r.writeLog(ctx, sub, "", "", "", store.StatusSkipped)
			return dispatch.Outcome{Status: store.StatusSkipped, Detail: decision.Reason}
		default:
			return dispatch.Outcome{Status: store.StatusSkipped, Detail: decision.Reason}
		}
	}

	bindings := template.Bindings{FirstName: sub.LeadFirstName, LastName: sub.LeadLastName, Email: sub.LeadEmail}
	cacheKey := fmt.Sprintf("sequence:%d:step:%d", sub.SequenceID, step.StepNumber)
	subject, err := r.renderer.Render(cacheKey+":subject", step.Subject, bindings)
	if err != nil {
		r.writeLog(ctx, sub, step.Subject, "", "", store.StatusError)
		return dispatch.Outcome{Status: store.StatusError, Detail: fmt.Sprintf("render: %v", err)}
	}
	html, err := r.renderer.Render(cacheKey+":html", step.Content, bindings)
	if err != nil {
		r.writeLog(ctx, sub, subject, "", "", store.StatusError)
		return dispatch.Outcome{Status: store.StatusError, Detail: fmt.Sprintf("render: %v", err)}
	}
	html = template.EnsureUnsubscribeFooter(html, r.renderer.UnsubscribeLink(sub.LeadEmail))

	result, err := r.sender.Send(ctx, mail.Message{
		From:    r.fromAddress,
		To:      sub.LeadEmail,
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		r.writeLog(ctx, sub, subject, html, "", store.StatusError)
		return dispatch.Outcome{Status: store.StatusError, Detail: fmt.Sprintf("send failed: %v", err)}
	}

	if err := r.writeLogErr(ctx, sub, subject, html, result.ProviderID, store.StatusSent); err != nil {
		log.Printf("[SequenceRunner] Sent step %d to %s but failed to log: %v", step.StepNumber, logger.RedactEmail(sub.LeadEmail), err)
		return dispatch.Outcome{Status: store.StatusError, Detail: "sent but logging failed"}
	}

	adv, err := r.resolver.AfterSend(ctx, sub, now)
	if err != nil {
		log.Printf("[SequenceRunner] Failed to resolve advancement for subscriber %d: %v", sub.ID, err)
		return dispatch.Outcome{Status: store.StatusSent, Detail: "sent; advancement deferred"}
	}
	if err := r.store.AdvanceSubscriber(ctx, sub.ID, adv.SentStep, adv.NextDue); err != nil {
		log.Printf("[SequenceRunner] Failed to advance subscriber %d past step %d: %v", sub.ID, adv.SentStep, err)
		return dispatch.Outcome{Status: store.StatusSent, Detail: "sent; advancement deferred"}
	}

	log.Printf("[SequenceRunner] Sent step %d of %q to %s", step.StepNumber, sub.SequenceName, logger.RedactEmail(sub.LeadEmail))
	return dispatch.Outcome{Status: store.StatusSent, Detail: fmt.Sprintf("sent step %d", step.StepNumber)}
}

func (r *SequenceRunner) writeLog(ctx context.Context, sub store.DueSubscriber, subject, html, providerID, status string) {
	if err := r.writeLogErr(ctx, sub, subject, html, providerID, status); err != nil {
		log.Printf("[SequenceRunner] Failed to log %s outcome for %s: %v", status, logger.RedactEmail(sub.LeadEmail), err)
	}
}

func (r *SequenceRunner) writeLogErr(ctx context.Context, sub store.DueSubscriber, subject, html, providerID, status string) error {
	// Sequence sends carry no campaign id; the log links them to nothing
	// but the recipient.
	return r.store.InsertLog(ctx, store.LogEntry{
		RecipientEmail: sub.LeadEmail,
		RecipientName:  strings.TrimSpace(fmt.Sprintf("%s %s", sub.LeadFirstName, sub.LeadLastName)),
		Subject:        subject,
		HTMLContent:    html,
		ResendID:       providerID,
		Status:         status,
		SentAt:         r.now(),
	})
}
