package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/treeline/mailflow/internal/eligibility"
	"github.com/treeline/mailflow/internal/mail"
	"github.com/treeline/mailflow/internal/scheduler"
	"github.com/treeline/mailflow/internal/store"
)

var testZone = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}()

// Wednesday mid-morning, inside the 9-18 window.
var testNow = time.Date(2026, 3, 4, 11, 0, 0, 0, testZone)

func testHours() scheduler.Hours {
	h, err := scheduler.NewHours(testZone, 9, 18, nil)
	if err != nil {
		panic(err)
	}
	return h
}

// memLog is an in-memory delivery log shared by the fake stores. It feeds
// both the eligibility filter's reads and the runners' writes, so the daily
// cap in tests reflects sends as they happen, the way the real table does.
type memLog struct {
	mu      sync.Mutex
	entries []store.LogEntry

	// failLogFor makes InsertLog fail for the given recipient addresses.
	failLogFor map[string]bool
}

func (m *memLog) InsertLog(ctx context.Context, entry store.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLogFor[entry.RecipientEmail] {
		return errors.New("insert log: connection reset")
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memLog) SentRecently(ctx context.Context, email string, campaignID int, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Status != store.StatusSent {
			continue
		}
		if !strings.EqualFold(e.RecipientEmail, email) {
			continue
		}
		// Zero matches any sent row, including NULL-campaign fallback sends.
		if campaignID > 0 && (!e.CampaignID.Valid || int(e.CampaignID.Int64) != campaignID) {
			continue
		}
		if e.SentAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memLog) SentCountSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.entries {
		if e.Status == store.StatusSent && !e.SentAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *memLog) byStatus(status string) []store.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.LogEntry
	for _, e := range m.entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func (m *memLog) logCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// seedSent backfills a 'sent' row, for recency and daily-cap setups.
func (m *memLog) seedSent(email string, campaignID int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := store.LogEntry{
		RecipientEmail: email,
		Subject:        "seeded",
		Status:         store.StatusSent,
		SentAt:         at,
	}
	if campaignID > 0 {
		entry.CampaignID = sql.NullInt64{Int64: int64(campaignID), Valid: true}
	}
	m.entries = append(m.entries, entry)
}

type fakeSuppression struct {
	mu           sync.Mutex
	unsubscribed map[string]bool
}

func (f *fakeSuppression) IsUnsubscribed(ctx context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed[strings.ToLower(email)], nil
}

func (f *fakeSuppression) suppress(email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubscribed == nil {
		f.unsubscribed = map[string]bool{}
	}
	f.unsubscribed[strings.ToLower(email)] = true
}

// fakeSender records accepted messages and can fail per address.
type fakeSender struct {
	mu     sync.Mutex
	sent   []mail.Message
	failTo map[string]bool
}

func (f *fakeSender) Send(ctx context.Context, msg mail.Message) (mail.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[msg.To] {
		return mail.Result{}, errors.New("transport: 429 too many requests")
	}
	f.sent = append(f.sent, msg)
	return mail.Result{
		ProviderID: fmt.Sprintf("re_%d", len(f.sent)),
		SentAt:     time.Now(),
	}, nil
}

func (f *fakeSender) messages() []mail.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mail.Message(nil), f.sent...)
}

func newTestFilter(sup *fakeSuppression, lg *memLog, dailyLimit int) *eligibility.Filter {
	return eligibility.New(sup, lg, testHours(), dailyLimit, 7*24*time.Hour)
}

// fakeCampaignStore backs the campaign pass with in-memory content.
type fakeCampaignStore struct {
	memLog
	campaign    *store.Campaign
	campaignErr error
	template    *store.Template

	touchMu sync.Mutex
	touched []int
}

func (f *fakeCampaignStore) ActiveCampaign(ctx context.Context) (*store.Campaign, error) {
	if f.campaignErr != nil {
		return nil, f.campaignErr
	}
	if f.campaign == nil {
		return nil, store.ErrNotFound
	}
	return f.campaign, nil
}

func (f *fakeCampaignStore) ActiveTemplate(ctx context.Context) (*store.Template, error) {
	if f.template == nil {
		return nil, store.ErrNotFound
	}
	return f.template, nil
}

func (f *fakeCampaignStore) TouchCampaign(ctx context.Context, campaignID int) error {
	f.touchMu.Lock()
	defer f.touchMu.Unlock()
	f.touched = append(f.touched, campaignID)
	return nil
}

// staticSource returns a fixed lead list.
type staticSource struct {
	leads []store.Lead
	err   error
}

func (s *staticSource) EligibleRecipients(ctx context.Context, campaignID int, lookback time.Duration) ([]store.Lead, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.leads, nil
}

// fakeSequenceStore holds mutable subscriber state so multi-pass tests see
// advancement and completion the way the real table would.
type fakeSequenceStore struct {
	memLog

	mu    sync.Mutex
	subs  map[int]*store.Subscriber
	leads map[int]store.Lead    // keyed by lead id
	steps map[int]store.DueStep // keyed by step number, one sequence

	advanceErr   error
	statusCalls  []string
	sequenceName string
}

func newFakeSequenceStore() *fakeSequenceStore {
	return &fakeSequenceStore{
		subs:         map[int]*store.Subscriber{},
		leads:        map[int]store.Lead{},
		steps:        map[int]store.DueStep{},
		sequenceName: "Onboarding",
	}
}

func (f *fakeSequenceStore) addSubscriber(id, leadID, currentStep int, due sql.NullTime, lead store.Lead) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[id] = &store.Subscriber{
		ID:           id,
		SequenceID:   1,
		LeadID:       leadID,
		CurrentStep:  currentStep,
		Status:       store.SubscriberActive,
		NextEmailDue: due,
	}
	f.leads[leadID] = lead
}

func (f *fakeSequenceStore) DueSubscribers(ctx context.Context, now time.Time, limit int) ([]store.DueSubscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []store.DueSubscriber
	for _, sub := range f.subs {
		if sub.Status != store.SubscriberActive {
			continue
		}
		if sub.NextEmailDue.Valid && sub.NextEmailDue.Time.After(now) {
			continue
		}
		lead := f.leads[sub.LeadID]
		d := store.DueSubscriber{
			Subscriber:    *sub,
			SequenceName:  f.sequenceName,
			LeadEmail:     lead.Email,
			LeadFirstName: lead.FirstName,
			LeadLastName:  lead.LastName,
		}
		if step, ok := f.steps[sub.CurrentStep+1]; ok {
			stepCopy := step
			d.NextStep = &stepCopy
		}
		due = append(due, d)
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (f *fakeSequenceStore) StepDelay(ctx context.Context, sequenceID, stepNumber int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step, ok := f.steps[stepNumber]
	if !ok {
		return 0, store.ErrNotFound
	}
	return step.DelayDays, nil
}

func (f *fakeSequenceStore) AdvanceSubscriber(ctx context.Context, subscriberID, sentStep int, nextDue sql.NullTime) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[subscriberID]
	if !ok || sub.CurrentStep >= sentStep {
		return nil
	}
	sub.CurrentStep = sentStep
	sub.NextEmailDue = nextDue
	sub.LastEmailSent = sql.NullTime{Time: time.Now(), Valid: true}
	return nil
}

func (f *fakeSequenceStore) SetSubscriberStatus(ctx context.Context, subscriberID int, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls = append(f.statusCalls, fmt.Sprintf("%d:%s", subscriberID, status))
	if sub, ok := f.subs[subscriberID]; ok {
		sub.Status = status
	}
	return nil
}

func (f *fakeSequenceStore) Stats(ctx context.Context) (store.SequenceStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stats store.SequenceStats
	for _, sub := range f.subs {
		switch sub.Status {
		case store.SubscriberActive:
			stats.ActiveSubscribers++
		case store.SubscriberCompleted:
			stats.CompletedSequences++
		}
	}
	return stats, nil
}

func (f *fakeSequenceStore) subscriber(id int) store.Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.subs[id]
}
