package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// RecipientSource supplies the ordered candidate list for a campaign pass.
// The Postgres source pre-filters suppressed and recently-mailed leads in a
// single query; the per-recipient eligibility filter still runs before each
// send, so a source is free to return over-approximations.
type RecipientSource interface {
	EligibleRecipients(ctx context.Context, campaignID int, lookback time.Duration) ([]Lead, error)
}

// EligibleRecipients returns active leads with no opt-out record and no
// 'sent' log row for this campaign within the lookback window, oldest lead
// first. A campaignID of zero widens the recency subquery to every 'sent'
// row, matching SentRecently's treatment of sends without a campaign
// identity. Results are recomputed every pass; eligibility state is never
// cached across passes.
func (s *Store) EligibleRecipients(ctx context.Context, campaignID int, lookback time.Duration) ([]Lead, error) {
	cutoff := time.Now().Add(-lookback)
	recent := `
			SELECT DISTINCT recipient_email
			FROM email_logs
			WHERE campaign_id = $1 AND status = 'sent' AND sent_at > $2`
	args := []interface{}{campaignID, cutoff}
	if campaignID == 0 {
		recent = `
			SELECT DISTINCT recipient_email
			FROM email_logs
			WHERE status = 'sent' AND sent_at > $1`
		args = []interface{}{cutoff}
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT l.id, l.first_name, COALESCE(l.last_name, ''), l.email, l.created_at
		FROM leads l
		LEFT JOIN unsubscribes u ON LOWER(u.email) = LOWER(l.email)
		LEFT JOIN (%s
		) r ON LOWER(r.recipient_email) = LOWER(l.email)
		WHERE l.is_active = TRUE
		  AND u.email IS NULL
		  AND r.recipient_email IS NULL
		ORDER BY l.created_at ASC
	`, recent), args...)
	if err != nil {
		return nil, fmt.Errorf("load eligible recipients: %w", err)
	}
	defer rows.Close()

	var leads []Lead
	for rows.Next() {
		var l Lead
		if err := rows.Scan(&l.ID, &l.FirstName, &l.LastName, &l.Email, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		l.IsActive = true
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// CSVSource reads contacts from a local CSV file with the layout
// first_name,last_name,email and a header row. It is the fallback recipient
// source when no database is configured; it applies no pre-filtering, so
// every exclusion happens in the per-recipient eligibility check.
type CSVSource struct {
	Path string
}

// EligibleRecipients implements RecipientSource. Rows without a plausible
// email address are dropped; a missing first name falls back to "Friend"
// so greeting placeholders always render.
func (c *CSVSource) EligibleRecipients(ctx context.Context, _ int, _ time.Duration) ([]Lead, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("open contact file %s: %w", c.Path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var leads []Lead
	header := true
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read contact file %s: %w", c.Path, err)
		}
		if header {
			header = false
			continue
		}
		if len(record) < 3 {
			continue
		}

		first := strings.TrimSpace(record[0])
		last := strings.TrimSpace(record[1])
		email := strings.TrimSpace(record[2])
		if email == "" || !strings.Contains(email, "@") {
			continue
		}
		if first == "" {
			first = "Friend"
		}
		leads = append(leads, Lead{
			FirstName: first,
			LastName:  last,
			Email:     email,
			IsActive:  true,
		})
	}
	return leads, nil
}
