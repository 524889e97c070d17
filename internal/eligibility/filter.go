// Package eligibility decides, for a recipient and a point in time, whether
// a send is allowed. Checks run cheapest-and-most-decisive first and
// short-circuit on the first failure, so a suppressed or recently mailed
// recipient never costs a cap or hours evaluation.
package eligibility

import (
	"context"
	"fmt"
	"time"

	"github.com/treeline/mailflow/internal/scheduler"
)

// Rejection reasons, in check order.
const (
	ReasonUnsubscribed = "unsubscribed"
	ReasonSentRecently = "sent-recently"
	ReasonDailyLimit   = "daily-limit"
	ReasonOutsideHours = "outside-hours"
)

// SuppressionChecker answers whether an address has opted out.
type SuppressionChecker interface {
	IsUnsubscribed(ctx context.Context, email string) (bool, error)
}

// DeliveryLog exposes the delivery-log reads the filter depends on.
type DeliveryLog interface {
	SentRecently(ctx context.Context, email string, campaignID int, since time.Time) (bool, error)
	SentCountSince(ctx context.Context, since time.Time) (int, error)
}

// Scope identifies what the send belongs to. Recency is evaluated only for
// campaign sends; sequence progression is governed by each subscriber's
// next_email_due, so a multi-step sequence is not blocked by its own
// earlier steps. A zero CampaignID means the content carries no campaign
// identity (template or default fallback) and recency matches any prior
// send in the window, regardless of campaign.
type Scope struct {
	CampaignID int
	Sequence   bool
}

// CampaignScope scopes a check to one campaign. Zero widens recency to all
// prior sends.
func CampaignScope(campaignID int) Scope {
	return Scope{CampaignID: campaignID}
}

// SequenceScope scopes a check to sequence sends.
func SequenceScope() Scope {
	return Scope{Sequence: true}
}

// Decision is the outcome of an eligibility check. Reason is empty when
// Eligible is true.
type Decision struct {
	Eligible bool
	Reason   string
}

// Filter evaluates the send-eligibility rules. All state is re-queried per
// check; nothing is cached across passes.
type Filter struct {
	suppression SuppressionChecker
	deliveryLog DeliveryLog
	hours       scheduler.Hours
	dailyLimit  int
	lookback    time.Duration
}

// New creates a filter. dailyLimit is the cap on 'sent' outcomes per
// calendar day in the operator's time zone; lookback is the recency
// window.
func New(suppression SuppressionChecker, deliveryLog DeliveryLog, hours scheduler.Hours, dailyLimit int, lookback time.Duration) *Filter {
	return &Filter{
		suppression: suppression,
		deliveryLog: deliveryLog,
		hours:       hours,
		dailyLimit:  dailyLimit,
		lookback:    lookback,
	}
}

// Check runs the eligibility checks in order: suppression, recency, daily
// cap, business hours. A store failure makes the recipient ineligible for
// this pass and surfaces the error; callers log and skip, never abort.
func (f *Filter) Check(ctx context.Context, email string, scope Scope, now time.Time) (Decision, error) {
	suppressed, err := f.suppression.IsUnsubscribed(ctx, email)
	if err != nil {
		return Decision{}, fmt.Errorf("suppression check: %w", err)
	}
	if suppressed {
		return Decision{Reason: ReasonUnsubscribed}, nil
	}

	if !scope.Sequence {
		recent, err := f.deliveryLog.SentRecently(ctx, email, scope.CampaignID, now.Add(-f.lookback))
		if err != nil {
			return Decision{}, fmt.Errorf("recency check: %w", err)
		}
		if recent {
			return Decision{Reason: ReasonSentRecently}, nil
		}
	}

	count, err := f.deliveryLog.SentCountSince(ctx, f.hours.StartOfDay(now))
	if err != nil {
		return Decision{}, fmt.Errorf("daily count: %w", err)
	}
	if count >= f.dailyLimit {
		return Decision{Reason: ReasonDailyLimit}, nil
	}

	if !f.hours.Contains(now) {
		return Decision{Reason: ReasonOutsideHours}, nil
	}

	return Decision{Eligible: true}, nil
}

// RemainingToday returns how many sends are left under the daily cap,
// derived from the delivery log. Seeds the per-pass dispatch budget.
func (f *Filter) RemainingToday(ctx context.Context, now time.Time) (int, error) {
	count, err := f.deliveryLog.SentCountSince(ctx, f.hours.StartOfDay(now))
	if err != nil {
		return 0, fmt.Errorf("daily count: %w", err)
	}
	remaining := f.dailyLimit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
