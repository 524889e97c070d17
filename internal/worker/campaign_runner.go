// Package worker runs the send passes: the campaign pass mails the active
// campaign to every eligible lead, the sequence pass advances due drip
// subscribers. Both feed the batch dispatcher and write every attempt to
// the delivery log.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/treeline/mailflow/internal/dispatch"
	"github.com/treeline/mailflow/internal/eligibility"
	"github.com/treeline/mailflow/internal/mail"
	"github.com/treeline/mailflow/internal/pkg/logger"
	"github.com/treeline/mailflow/internal/sendlimit"
	"github.com/treeline/mailflow/internal/store"
	"github.com/treeline/mailflow/internal/template"
)

// Content fallbacks when neither an active campaign nor an active template
// exists. Kept minimal; real content is owned by the database.
const (
	defaultSubject = "A message from our team"
	defaultHTML    = "<html><body><p>Dear Friend,</p><p>Thank you for your interest.</p></body></html>"
)

// CampaignStore is the slice of the store the campaign pass needs.
type CampaignStore interface {
	ActiveCampaign(ctx context.Context) (*store.Campaign, error)
	ActiveTemplate(ctx context.Context) (*store.Template, error)
	TouchCampaign(ctx context.Context, campaignID int) error
	InsertLog(ctx context.Context, entry store.LogEntry) error
}

// CampaignRunner executes one campaign pass: load content, load the
// eligible-recipient list, dispatch in batches under the daily budget.
type CampaignRunner struct {
	store      CampaignStore
	source     store.RecipientSource
	filter     *eligibility.Filter
	renderer   *template.Renderer
	sender     mail.Sender
	dispatcher *dispatch.Dispatcher

	fromAddress string // default "Name <email>" when the campaign has none
	lookback    time.Duration
	now         func() time.Time
}

// NewCampaignRunner wires a campaign pass. The dispatcher's SendFunc is
// owned by the runner; pass a dispatcher built with NewCampaignRunner's
// returned runner via SetDispatcher, or use the convenience here.
func NewCampaignRunner(
	st CampaignStore,
	source store.RecipientSource,
	filter *eligibility.Filter,
	renderer *template.Renderer,
	sender mail.Sender,
	batchSize int,
	cooldown, stagger time.Duration,
	fromAddress string,
	lookback time.Duration,
) *CampaignRunner {
	r := &CampaignRunner{
		store:       st,
		source:      source,
		filter:      filter,
		renderer:    renderer,
		sender:      sender,
		fromAddress: fromAddress,
		lookback:    lookback,
		now:         time.Now,
	}
	r.dispatcher = dispatch.NewDispatcher(batchSize, cooldown, stagger, nil)
	return r
}

// RunPass executes one full campaign pass and returns its summary counts.
// Per-recipient failures are converted to recorded outcomes; only a failure
// to assemble the pass itself (no recipient list at all) is returned as an
// error, and even that only fails this pass, never the loop.
func (r *CampaignRunner) RunPass(ctx context.Context) (dispatch.Results, error) {
	now := r.now()

	campaign, subject, html, from := r.loadContent(ctx)

	remaining, err := r.filter.RemainingToday(ctx, now)
	if err != nil {
		return dispatch.Results{}, fmt.Errorf("campaign pass: %w", err)
	}
	if remaining <= 0 {
		log.Println("[CampaignRunner] Daily limit reached, nothing to send")
		return dispatch.Results{}, nil
	}

	campaignID := 0
	if campaign != nil {
		campaignID = campaign.ID
	}
	leads, err := r.source.EligibleRecipients(ctx, campaignID, r.lookback)
	if err != nil {
		return dispatch.Results{}, fmt.Errorf("campaign pass: %w", err)
	}
	if len(leads) == 0 {
		log.Println("[CampaignRunner] No eligible recipients")
		return dispatch.Results{}, nil
	}
	log.Printf("[CampaignRunner] %d eligible recipients, %d sends remaining today", len(leads), remaining)

	recipients := make([]dispatch.Recipient, len(leads))
	for i, l := range leads {
		recipients[i] = dispatch.Recipient{
			ID:        l.ID,
			Email:     l.Email,
			FirstName: l.FirstName,
			LastName:  l.LastName,
		}
	}

	r.dispatcher.Send = func(ctx context.Context, rec dispatch.Recipient) dispatch.Outcome {
		return r.sendOne(ctx, rec, campaignID, subject, html, from)
	}

	budget := sendlimit.NewBudget(remaining)
	results := r.dispatcher.Dispatch(ctx, recipients, budget)

	if results.Sent > 0 && campaign != nil {
		if err := r.store.TouchCampaign(ctx, campaign.ID); err != nil {
			log.Printf("[CampaignRunner] Failed to touch campaign %d: %v", campaign.ID, err)
		}
	}

	logSummary("CampaignRunner", results)
	return results, nil
}

// loadContent resolves subject/body/from with the fallback precedence
// active campaign, then active template, then built-in default. A store
// failure here degrades to the next fallback.
func (r *CampaignRunner) loadContent(ctx context.Context) (*store.Campaign, string, string, string) {
	campaign, err := r.store.ActiveCampaign(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[CampaignRunner] Failed to load campaign: %v", err)
	}
	if campaign != nil {
		from := r.fromAddress
		if campaign.FromEmail != "" {
			from = mail.Recipient(campaign.FromName, campaign.FromEmail)
		}
		log.Printf("[CampaignRunner] Using campaign %q (id %d)", campaign.Name, campaign.ID)
		return campaign, campaign.Subject, campaign.HTMLContent, from
	}

	tpl, err := r.store.ActiveTemplate(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[CampaignRunner] Failed to load template: %v", err)
	}
	if tpl != nil {
		log.Printf("[CampaignRunner] Using template %q", tpl.Name)
		return nil, tpl.Subject, tpl.Content, r.fromAddress
	}

	log.Println("[CampaignRunner] No campaign or template, using built-in default content")
	return nil, defaultSubject, defaultHTML, r.fromAddress
}

// sendOne is the complete per-recipient attempt: eligibility re-check,
// render, transport call, delivery-log write. Every attempted outcome is
// written to the log; capacity rejections (daily-limit, outside-hours) are
// not attempts and leave no row.
func (r *CampaignRunner) sendOne(ctx context.Context, rec dispatch.Recipient, campaignID int, subject, html, from string) dispatch.Outcome {
	now := r.now()

	decision, err := r.filter.Check(ctx, rec.Email, eligibility.CampaignScope(campaignID), now)
	if err != nil {
		log.Printf("[CampaignRunner] Eligibility check failed for %s: %v", logger.RedactEmail(rec.Email), err)
		return dispatch.Outcome{Status: store.StatusSkipped, Detail: fmt.Sprintf("eligibility check failed: %v", err)}
	}
	if !decision.Eligible {
		switch decision.Reason {
		case eligibility.ReasonDailyLimit, eligibility.ReasonOutsideHours:
			return dispatch.Outcome{Status: store.StatusSkipped, Detail: decision.Reason}
		}
		r.writeLog(ctx, rec, campaignID, subject, "", "", store.StatusSkipped)
		return dispatch.Outcome{Status: store.StatusSkipped, Detail: decision.Reason}
	}

	bindings := template.Bindings{FirstName: rec.FirstName, LastName: rec.LastName, Email: rec.Email}
	renderedSubject, err := r.renderer.Render(fmt.Sprintf("campaign:%d:subject", campaignID), subject, bindings)
	if err != nil {
		r.writeLog(ctx, rec, campaignID, subject, "", "", store.StatusError)
		return dispatch.Outcome{Status: store.StatusError, Detail: fmt.Sprintf("render: %v", err)}
	}
	renderedHTML, err := r.renderer.Render(fmt.Sprintf("campaign:%d:html", campaignID), html, bindings)
	if err != nil {
		r.writeLog(ctx, rec, campaignID, renderedSubject, "", "", store.StatusError)
		return dispatch.Outcome{Status: store.StatusError, Detail: fmt.Sprintf("render: %v", err)}
	}
	renderedHTML = template.EnsureUnsubscribeFooter(renderedHTML, r.renderer.UnsubscribeLink(rec.Email))

	result, err := r.sender.Send(ctx, mail.Message{
		From:    from,
		To:      rec.Email,
		Subject: renderedSubject,
		HTML:    renderedHTML,
	})
	if err != nil {
		r.writeLog(ctx, rec, campaignID, renderedSubject, renderedHTML, "", store.StatusError)
		return dispatch.Outcome{Status: store.StatusError, Detail: fmt.Sprintf("send failed: %v", err)}
	}

	if err := r.writeLogErr(ctx, rec, campaignID, renderedSubject, renderedHTML, result.ProviderID, store.StatusSent); err != nil {
		// The provider accepted the message but the outcome is not durably
		// logged, so this attempt cannot be reported as a success.
		log.Printf("[CampaignRunner] Sent to %s but failed to log: %v", logger.RedactEmail(rec.Email), err)
		return dispatch.Outcome{Status: store.StatusError, Detail: "sent but logging failed"}
	}
	return dispatch.Outcome{Status: store.StatusSent, Detail: "sent"}
}

func (r *CampaignRunner) writeLog(ctx context.Context, rec dispatch.Recipient, campaignID int, subject, html, providerID, status string) {
	if err := r.writeLogErr(ctx, rec, campaignID, subject, html, providerID, status); err != nil {
		log.Printf("[CampaignRunner] Failed to log %s outcome for %s: %v", status, logger.RedactEmail(rec.Email), err)
	}
}

func (r *CampaignRunner) writeLogErr(ctx context.Context, rec dispatch.Recipient, campaignID int, subject, html, providerID, status string) error {
	entry := store.LogEntry{
		RecipientEmail: rec.Email,
		RecipientName:  strings.TrimSpace(fmt.Sprintf("%s %s", rec.FirstName, rec.LastName)),
		Subject:        subject,
		HTMLContent:    html,
		ResendID:       providerID,
		Status:         status,
		SentAt:         r.now(),
	}
	if campaignID > 0 {
		entry.CampaignID = sql.NullInt64{Int64: int64(campaignID), Valid: true}
	}
	return r.store.InsertLog(ctx, entry)
}

func logSummary(component string, results dispatch.Results) {
	log.Printf("[%s] Pass complete: sent=%d skipped=%d errors=%d untouched=%d",
		component, results.Sent, results.Skipped, results.Errors, results.Untouched)

	// Show only the tail of the detail list; the full audit trail lives in
	// the delivery log.
	details := results.Details
	if len(details) > 5 {
		details = details[len(details)-5:]
	}
	for _, detail := range details {
		log.Printf("[%s]   %s", component, detail)
	}
}
