package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treeline/mailflow/internal/store"
	"github.com/treeline/mailflow/internal/template"
)

func testCampaign() *store.Campaign {
	return &store.Campaign{
		ID:          3,
		Name:        "Spring Launch",
		Subject:     "Hi {{firstName}}",
		HTMLContent: "<html><body><p>Hello {{firstName}} {{lastName}}</p></body></html>",
		FromEmail:   "campaigns@treeline.com",
		FromName:    "Treeline",
		Status:      "active",
	}
}

func testLeads() []store.Lead {
	return []store.Lead{
		{ID: 1, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
		{ID: 2, FirstName: "Bob", Email: "bob@example.com"},
		{ID: 3, FirstName: "Cleo", LastName: "Marsh", Email: "cleo@example.com"},
	}
}

type campaignFixture struct {
	runner *CampaignRunner
	st     *fakeCampaignStore
	sup    *fakeSuppression
	sender *fakeSender
}

func newCampaignFixture(t *testing.T, dailyLimit int, leads []store.Lead) *campaignFixture {
	t.Helper()
	st := &fakeCampaignStore{campaign: testCampaign()}
	sup := &fakeSuppression{}
	sender := &fakeSender{}
	filter := newTestFilter(sup, &st.memLog, dailyLimit)
	renderer := template.NewRenderer("https://example.com")

	runner := NewCampaignRunner(
		st, &staticSource{leads: leads}, filter, renderer, sender,
		15, 0, 0,
		"Treeline <hello@treeline.com>", 7*24*time.Hour,
	)
	runner.now = func() time.Time { return testNow }
	return &campaignFixture{runner: runner, st: st, sup: sup, sender: sender}
}

func TestCampaignPassSendsToEligibleLeads(t *testing.T) {
	f := newCampaignFixture(t, 100, testLeads())

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, results.Sent)
	assert.Zero(t, results.Skipped)
	assert.Zero(t, results.Untouched)

	msgs := f.sender.messages()
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, "Treeline <campaigns@treeline.com>", m.From, "campaign sender identity wins")
		assert.Contains(t, m.HTML, "unsubscribe here", "every body carries the opt-out footer")
		assert.NotContains(t, m.HTML, "{{", "all tokens rendered")
	}

	sent := f.st.byStatus(store.StatusSent)
	require.Len(t, sent, 3)
	for _, e := range sent {
		assert.True(t, e.CampaignID.Valid)
		assert.EqualValues(t, 3, e.CampaignID.Int64)
		assert.NotEmpty(t, e.ResendID)
		if e.RecipientEmail == "bob@example.com" {
			assert.Equal(t, "Bob", e.RecipientName, "no trailing space without a last name")
		}
	}

	assert.Equal(t, []int{3}, f.st.touched, "a pass that sent mail touches the campaign")
}

func TestCampaignPassStopsAtDailyLimit(t *testing.T) {
	// Three eligible recipients, two sends left today: the third is left
	// untouched with no log row and stays eligible for the next pass.
	f := newCampaignFixture(t, 2, testLeads())

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, results.Sent)
	assert.Equal(t, 1, results.Untouched)
	assert.Len(t, f.sender.messages(), 2)
	assert.Equal(t, 2, f.st.logCount(), "the untouched recipient leaves no row")
}

func TestCampaignPassDailyLimitAlreadyExhausted(t *testing.T) {
	f := newCampaignFixture(t, 2, testLeads())
	f.st.seedSent("x@example.com", 9, testNow.Add(-time.Hour))
	f.st.seedSent("y@example.com", 9, testNow.Add(-time.Hour))

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)

	assert.Zero(t, results.Sent)
	assert.Empty(t, f.sender.messages())
}

func TestCampaignPassYesterdaysSendsDoNotCount(t *testing.T) {
	f := newCampaignFixture(t, 3, testLeads())
	// Before local midnight: outside today's cap window.
	f.st.seedSent("x@example.com", 9, testNow.Add(-24*time.Hour))
	f.st.seedSent("y@example.com", 9, testNow.Add(-24*time.Hour))
	f.st.seedSent("z@example.com", 9, testNow.Add(-24*time.Hour))

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, results.Sent)
}

func TestCampaignPassSkipsUnsubscribed(t *testing.T) {
	f := newCampaignFixture(t, 100, testLeads())
	f.sup.suppress("bob@example.com")

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, results.Sent)
	assert.Equal(t, 1, results.Skipped)

	skipped := f.st.byStatus(store.StatusSkipped)
	require.Len(t, skipped, 1, "suppression skips are recorded")
	assert.Equal(t, "bob@example.com", skipped[0].RecipientEmail)

	for _, m := range f.sender.messages() {
		assert.NotEqual(t, "bob@example.com", m.To)
	}
}

func TestCampaignPassSkipsRecentlyMailed(t *testing.T) {
	f := newCampaignFixture(t, 100, testLeads())
	// Ada got this campaign two days ago; the seven-day window excludes her.
	f.st.seedSent("ada@example.com", 3, testNow.Add(-48*time.Hour))

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, results.Sent)
	assert.Equal(t, 1, results.Skipped)
	for _, m := range f.sender.messages() {
		assert.NotEqual(t, "ada@example.com", m.To)
	}
}

func TestCampaignPassRecencyIsCampaignScoped(t *testing.T) {
	f := newCampaignFixture(t, 100, testLeads())
	// Same address, different campaign: not a recency hit.
	f.st.seedSent("ada@example.com", 99, testNow.Add(-48*time.Hour))

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, results.Sent)
}

func TestCampaignPassOutsideHoursSendsNothing(t *testing.T) {
	f := newCampaignFixture(t, 100, testLeads())
	f.runner.now = func() time.Time {
		return time.Date(2026, 3, 4, 20, 0, 0, 0, testZone)
	}

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)

	assert.Zero(t, results.Sent)
	assert.Equal(t, 3, results.Skipped)
	assert.Empty(t, f.sender.messages())
	assert.Zero(t, f.st.logCount(), "hours rejections are not attempts and leave no rows")
}

func TestCampaignPassTransportFailureIsIsolated(t *testing.T) {
	f := newCampaignFixture(t, 100, testLeads())
	f.sender.failTo = map[string]bool{"bob@example.com": true}

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, results.Sent)
	assert.Equal(t, 1, results.Errors)

	errored := f.st.byStatus(store.StatusError)
	require.Len(t, errored, 1)
	assert.Equal(t, "bob@example.com", errored[0].RecipientEmail)
}

func TestCampaignPassSentButLogFailedIsError(t *testing.T) {
	f := newCampaignFixture(t, 100, testLeads())
	f.st.failLogFor = map[string]bool{"cleo@example.com": true}

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)

	// The transport accepted all three but one success is not durably
	// recorded, so it cannot be reported as sent.
	assert.Len(t, f.sender.messages(), 3)
	assert.Equal(t, 2, results.Sent)
	assert.Equal(t, 1, results.Errors)
}

func TestCampaignPassFallsBackToTemplate(t *testing.T) {
	f := newCampaignFixture(t, 100, testLeads()[:1])
	f.st.campaign = nil
	f.st.template = &store.Template{
		ID:      8,
		Name:    "Default Outreach",
		Subject: "Hello {{firstName}}",
		Content: "<html><body><p>From the template</p></body></html>",
	}

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, results.Sent)

	msg := f.sender.messages()[0]
	assert.Equal(t, "Hello Ada", msg.Subject)
	assert.Contains(t, msg.HTML, "From the template")
	assert.Equal(t, "Treeline <hello@treeline.com>", msg.From, "templates use the configured sender")

	sent := f.st.byStatus(store.StatusSent)
	require.Len(t, sent, 1)
	assert.False(t, sent[0].CampaignID.Valid, "template sends have no campaign id")
	assert.Empty(t, f.st.touched)
}

func TestCampaignPassFallsBackToDefaultContent(t *testing.T) {
	f := newCampaignFixture(t, 100, testLeads()[:1])
	f.st.campaign = nil

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, results.Sent)

	msg := f.sender.messages()[0]
	assert.Equal(t, defaultSubject, msg.Subject)
	assert.Contains(t, msg.HTML, "Dear Ada,", "the literal greeting is personalized")
}

func TestCampaignPassFallbackContentNotRemailed(t *testing.T) {
	// Fallback sends are logged without a campaign id, so their recency
	// must match globally; a second pass inside the window sends nothing.
	f := newCampaignFixture(t, 100, testLeads()[:1])
	f.st.campaign = nil
	f.st.template = &store.Template{
		ID:      8,
		Name:    "Default Outreach",
		Subject: "Hello {{firstName}}",
		Content: "<html><body><p>From the template</p></body></html>",
	}

	first, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Sent)

	f.runner.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	second, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Sent)
	assert.Equal(t, 1, second.Skipped)
	assert.Len(t, f.sender.messages(), 1, "the lead is mailed once, not once per pass")
}

func TestCampaignPassNoRecipients(t *testing.T) {
	f := newCampaignFixture(t, 100, nil)

	results, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, results.Sent+results.Skipped+results.Errors+results.Untouched)
}

func TestCampaignPassSecondPassPicksUpUntouched(t *testing.T) {
	f := newCampaignFixture(t, 5, testLeads())
	// Cap the first pass at two by pre-spending three of today's five.
	f.st.seedSent("x@example.com", 9, testNow.Add(-time.Hour))
	f.st.seedSent("y@example.com", 9, testNow.Add(-time.Hour))
	f.st.seedSent("z@example.com", 9, testNow.Add(-time.Hour))

	first, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Sent)
	assert.Equal(t, 1, first.Untouched)

	// Next day: the cap resets and recency now excludes the two already
	// mailed, so exactly the untouched lead goes out.
	nextDay := testNow.Add(24 * time.Hour)
	f.runner.now = func() time.Time { return nextDay }

	second, err := f.runner.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Sent)
	assert.Equal(t, 2, second.Skipped)

	// Every lead got the campaign exactly once across the two passes.
	seen := map[string]int{}
	for _, m := range f.sender.messages() {
		seen[m.To]++
	}
	for _, l := range testLeads() {
		assert.Equal(t, 1, seen[l.Email], "lead %s", l.Email)
	}
}
