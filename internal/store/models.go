package store

import (
	"database/sql"
	"time"
)

// Log outcome values. Every attempted send writes exactly one log row with
// one of these statuses, making email_logs the complete audit trail.
const (
	StatusSent    = "sent"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Subscriber status values.
const (
	SubscriberActive       = "active"
	SubscriberCompleted    = "completed"
	SubscriberPaused       = "paused"
	SubscriberUnsubscribed = "unsubscribed"
)

// Lead is an addressable contact. The core never mutates leads except
// deactivation; email is the natural key for all eligibility checks.
type Lead struct {
	ID        int
	FirstName string
	LastName  string
	Email     string
	IsActive  bool
	CreatedAt time.Time
}

// Campaign is an immutable-per-send subject and HTML body with placeholder
// tokens. Status is one of draft, active, paused, completed.
type Campaign struct {
	ID          int
	Name        string
	Subject     string
	HTMLContent string
	FromEmail   string
	FromName    string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Template is a reusable subject/content pair referenced by sequence steps
// and used as campaign fallback content.
type Template struct {
	ID        int
	Name      string
	Subject   string
	Content   string
	IsActive  bool
	CreatedAt time.Time
}

// LogEntry is one immutable record per attempted send. CampaignID is null
// for sequence sends.
type LogEntry struct {
	ID             int
	CampaignID     sql.NullInt64
	RecipientEmail string
	RecipientName  string
	Subject        string
	HTMLContent    string
	ResendID       string
	Status         string
	SentAt         time.Time
}

// Unsubscribe is a permanent opt-out record. Presence suppresses all future
// sends to the address regardless of campaign or sequence.
type Unsubscribe struct {
	ID             int
	Email          string
	Reason         string
	UnsubscribedAt time.Time
}

// Sequence is an ordered, named set of steps applied to enrolled subscribers.
type Sequence struct {
	ID          int
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
}

// Step is one message plus the delay (in days) to wait before this step
// fires after the previous one. Steps are 1-based and immutable once
// subscribers are attached.
type Step struct {
	ID         int
	SequenceID int
	StepNumber int
	TemplateID int
	DelayDays  int
	IsActive   bool
}

// Subscriber ties one lead to one sequence and tracks progress through it.
// CurrentStep is the last step successfully sent (0 before the first send)
// and only ever increases.
type Subscriber struct {
	ID            int
	SequenceID    int
	LeadID        int
	CurrentStep   int
	Status        string
	StartedAt     time.Time
	CompletedAt   sql.NullTime
	LastEmailSent sql.NullTime
	NextEmailDue  sql.NullTime
}

// DueSubscriber is a subscriber whose next email is due, joined with the
// lead it belongs to and the step that fires next. NextStep is nil when no
// active step current_step+1 exists, which signals sequence completion.
type DueSubscriber struct {
	Subscriber
	SequenceName  string
	LeadEmail     string
	LeadFirstName string
	LeadLastName  string
	NextStep      *DueStep
}

// DueStep carries the resolved step content for a due subscriber.
type DueStep struct {
	StepNumber int
	DelayDays  int
	Subject    string
	Content    string
}

// SequenceStats summarizes subscriber state across all sequences.
type SequenceStats struct {
	ActiveSubscribers  int
	CompletedSequences int
	PendingEmails      int
}
