// Package store is the single source of truth for eligibility and subscriber
// state. It issues point queries against Postgres; callers must treat any
// failed call as "skip this recipient this pass", never as fatal.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyEnrolled is returned when a lead already has a subscriber record
// for the sequence. At most one subscriber exists per (sequence, lead) pair.
var ErrAlreadyEnrolled = errors.New("store: lead already enrolled in sequence")

// Store wraps the Postgres connection pool.
type Store struct {
	db *sql.DB
}

// New returns a Store over an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for components that need it directly,
// such as the advisory pass lock.
func (s *Store) DB() *sql.DB {
	return s.db
}

// =============================================================================
// CAMPAIGNS AND TEMPLATES
// =============================================================================

// ActiveCampaign returns the most recent active campaign, falling back to
// the most recent campaign of any status. Returns ErrNotFound when the
// campaigns table is empty.
func (s *Store) ActiveCampaign(ctx context.Context) (*Campaign, error) {
	c, err := s.scanCampaign(ctx, `
		SELECT id, name, subject, html_content, from_email, from_name, status, created_at, updated_at
		FROM email_campaigns
		WHERE status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load active campaign: %w", err)
	}

	c, err = s.scanCampaign(ctx, `
		SELECT id, name, subject, html_content, from_email, from_name, status, created_at, updated_at
		FROM email_campaigns
		ORDER BY created_at DESC
		LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest campaign: %w", err)
	}
	return c, nil
}

func (s *Store) scanCampaign(ctx context.Context, query string) (*Campaign, error) {
	var c Campaign
	err := s.db.QueryRowContext(ctx, query).Scan(
		&c.ID, &c.Name, &c.Subject, &c.HTMLContent, &c.FromEmail, &c.FromName,
		&c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ActiveTemplate returns the most recent active template, or ErrNotFound.
func (s *Store) ActiveTemplate(ctx context.Context) (*Template, error) {
	var t Template
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, subject, content, is_active, created_at
		FROM email_templates
		WHERE is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&t.ID, &t.Name, &t.Subject, &t.Content, &t.IsActive, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load active template: %w", err)
	}
	return &t, nil
}

// TouchCampaign bumps a campaign's updated_at after a pass that sent mail.
func (s *Store) TouchCampaign(ctx context.Context, campaignID int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_campaigns SET updated_at = NOW() WHERE id = $1
	`, campaignID)
	if err != nil {
		return fmt.Errorf("touch campaign %d: %w", campaignID, err)
	}
	return nil
}

// =============================================================================
// SUPPRESSION
// =============================================================================

// IsUnsubscribed reports whether the address has an opt-out record.
// Matching is case-insensitive on the normalized address.
func (s *Store) IsUnsubscribed(ctx context.Context, email string) (bool, error) {
	var suppressed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM unsubscribes WHERE LOWER(email) = LOWER($1))
	`, strings.TrimSpace(email)).Scan(&suppressed)
	if err != nil {
		return false, fmt.Errorf("check unsubscribe for %s: %w", email, err)
	}
	return suppressed, nil
}

// AddUnsubscribe appends an opt-out record. Duplicate addresses are ignored;
// the first record wins and the list is append-only.
func (s *Store) AddUnsubscribe(ctx context.Context, email, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unsubscribes (email, reason, unsubscribed_at)
		VALUES (LOWER($1), $2, NOW())
		ON CONFLICT (email) DO NOTHING
	`, strings.TrimSpace(email), reason)
	if err != nil {
		return fmt.Errorf("add unsubscribe for %s: %w", email, err)
	}
	return nil
}

// =============================================================================
// DELIVERY LOG
// =============================================================================

// SentRecently reports whether a 'sent' log row exists for this recipient
// and campaign since the given cutoff. Recency is campaign-scoped: a
// recipient can be eligible for one campaign while excluded from another.
// A campaignID of zero means the send carries no campaign identity
// (template or default content, logged with a NULL campaign_id), and the
// check widens to any 'sent' row in the window so fallback content cannot
// re-mail the same recipient every pass.
func (s *Store) SentRecently(ctx context.Context, email string, campaignID int, since time.Time) (bool, error) {
	var sent bool
	var err error
	if campaignID > 0 {
		err = s.db.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM email_logs
				WHERE LOWER(recipient_email) = LOWER($1)
				  AND campaign_id = $2
				  AND status = 'sent'
				  AND sent_at > $3
			)
		`, email, campaignID, since).Scan(&sent)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM email_logs
				WHERE LOWER(recipient_email) = LOWER($1)
				  AND status = 'sent'
				  AND sent_at > $2
			)
		`, email, since).Scan(&sent)
	}
	if err != nil {
		return false, fmt.Errorf("check recent sends for %s: %w", email, err)
	}
	return sent, nil
}

// SentCountSince counts 'sent' log rows since the cutoff, across campaigns
// and sequences. The daily cap is derived from this single authoritative
// count rather than a separately tracked in-process total.
func (s *Store) SentCountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_logs WHERE status = 'sent' AND sent_at >= $1
	`, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sent since %s: %w", since.Format(time.RFC3339), err)
	}
	return count, nil
}

// InsertLog appends one delivery record. Rows are never updated by the core.
func (s *Store) InsertLog(ctx context.Context, entry LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_logs
			(campaign_id, recipient_email, recipient_name, subject, html_content, resend_id, status, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.CampaignID, entry.RecipientEmail, entry.RecipientName,
		entry.Subject, entry.HTMLContent, entry.ResendID, entry.Status, entry.SentAt)
	if err != nil {
		return fmt.Errorf("insert log for %s: %w", entry.RecipientEmail, err)
	}
	return nil
}

// RecentOutcomes returns the newest log rows, capped at limit, for the
// status report.
func (s *Store) RecentOutcomes(ctx context.Context, limit int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, recipient_email, COALESCE(recipient_name, ''), subject, status, sent_at
		FROM email_logs
		ORDER BY sent_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent outcomes: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.RecipientEmail, &e.RecipientName, &e.Subject, &e.Status, &e.SentAt); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SEQUENCES
// =============================================================================

// Enroll creates a subscriber record for a lead at step 0, immediately due.
// Returns ErrAlreadyEnrolled if any subscriber already exists for the pair.
func (s *Store) Enroll(ctx context.Context, sequenceID, leadID int) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sequence_subscribers (sequence_id, lead_id, current_step, status, started_at)
		SELECT $1, $2, 0, 'active', NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM sequence_subscribers WHERE sequence_id = $1 AND lead_id = $2
		)
	`, sequenceID, leadID)
	if err != nil {
		return fmt.Errorf("enroll lead %d in sequence %d: %w", leadID, sequenceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enroll lead %d in sequence %d: %w", leadID, sequenceID, err)
	}
	if n == 0 {
		return ErrAlreadyEnrolled
	}
	return nil
}

// DueSubscribers returns active subscribers whose next email is due, oldest
// due first, joined with their lead and the step that fires next. A NULL
// next_email_due counts as due so that freshly enrolled subscribers and
// subscribers past their final step are both picked up on the next pass.
func (s *Store) DueSubscribers(ctx context.Context, now time.Time, limit int) ([]DueSubscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ss.id, ss.sequence_id, ss.lead_id, ss.current_step, ss.status,
		       ss.next_email_due, ss.last_email_sent,
		       es.name,
		       l.email, l.first_name, COALESCE(l.last_name, ''),
		       st.step_number, st.delay_days, t.subject, t.content
		FROM sequence_subscribers ss
		JOIN email_sequences es ON es.id = ss.sequence_id AND es.is_active = TRUE
		JOIN leads l ON l.id = ss.lead_id AND l.is_active = TRUE
		LEFT JOIN sequence_steps st
		       ON st.sequence_id = ss.sequence_id
		      AND st.step_number = ss.current_step + 1
		      AND st.is_active = TRUE
		LEFT JOIN email_templates t ON t.id = st.template_id
		WHERE ss.status = 'active'
		  AND (ss.next_email_due IS NULL OR ss.next_email_due <= $1)
		ORDER BY ss.next_email_due ASC NULLS FIRST
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("load due subscribers: %w", err)
	}
	defer rows.Close()

	var due []DueSubscriber
	for rows.Next() {
		var d DueSubscriber
		var stepNumber, delayDays sql.NullInt64
		var subject, content sql.NullString
		err := rows.Scan(
			&d.ID, &d.SequenceID, &d.LeadID, &d.CurrentStep, &d.Status,
			&d.NextEmailDue, &d.LastEmailSent,
			&d.SequenceName,
			&d.LeadEmail, &d.LeadFirstName, &d.LeadLastName,
			&stepNumber, &delayDays, &subject, &content,
		)
		if err != nil {
			return nil, fmt.Errorf("scan due subscriber: %w", err)
		}
		if stepNumber.Valid {
			d.NextStep = &DueStep{
				StepNumber: int(stepNumber.Int64),
				DelayDays:  int(delayDays.Int64),
				Subject:    subject.String,
				Content:    content.String,
			}
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// StepDelay returns the delay in days of the active step with the given
// number, or ErrNotFound when no such step exists. Used after a successful
// send to schedule the step that fires next.
func (s *Store) StepDelay(ctx context.Context, sequenceID, stepNumber int) (int, error) {
	var days int
	err := s.db.QueryRowContext(ctx, `
		SELECT delay_days FROM sequence_steps
		WHERE sequence_id = $1 AND step_number = $2 AND is_active = TRUE
	`, sequenceID, stepNumber).Scan(&days)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load step %d of sequence %d: %w", stepNumber, sequenceID, err)
	}
	return days, nil
}

// AdvanceSubscriber records a successful send: current_step moves to the
// step just sent and next_email_due is set for the step that fires next
// (or NULL when the sequence has no further step). current_step only ever
// increases; the guard keeps a concurrent duplicate pass from rewinding it.
func (s *Store) AdvanceSubscriber(ctx context.Context, subscriberID, sentStep int, nextDue sql.NullTime) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sequence_subscribers
		SET current_step = $2, next_email_due = $3, last_email_sent = NOW()
		WHERE id = $1 AND current_step < $2
	`, subscriberID, sentStep, nextDue)
	if err != nil {
		return fmt.Errorf("advance subscriber %d: %w", subscriberID, err)
	}
	return nil
}

// SetSubscriberStatus moves a subscriber to a terminal or administrative
// status. Terminal transitions stamp completed_at.
func (s *Store) SetSubscriberStatus(ctx context.Context, subscriberID int, status string) error {
	var err error
	if status == SubscriberCompleted || status == SubscriberUnsubscribed {
		_, err = s.db.ExecContext(ctx, `
			UPDATE sequence_subscribers SET status = $2, completed_at = NOW() WHERE id = $1
		`, subscriberID, status)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE sequence_subscribers SET status = $2 WHERE id = $1
		`, subscriberID, status)
	}
	if err != nil {
		return fmt.Errorf("set subscriber %d status %s: %w", subscriberID, status, err)
	}
	return nil
}

// Stats summarizes subscriber state for the status report.
func (s *Store) Stats(ctx context.Context) (SequenceStats, error) {
	var st SequenceStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'active' AND (next_email_due IS NULL OR next_email_due <= NOW()))
		FROM sequence_subscribers
	`).Scan(&st.ActiveSubscribers, &st.CompletedSequences, &st.PendingEmails)
	if err != nil {
		return SequenceStats{}, fmt.Errorf("load sequence stats: %w", err)
	}
	return st, nil
}
