package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looprock/subscan/internal/mailfetch"
)

func TestParseNetflixPaymentConfirmation(t *testing.T) {
	p := New(nil)

	res := p.Parse(mailfetch.RawMessage{
		ID:         "msg-1",
		From:       "billing@netflix.com",
		Subject:    "Your Netflix payment confirmation - $15.49/mo",
		ReceivedAt: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		Body:       "Thanks for your payment of $15.49.",
	})

	require.True(t, res.Parsed)
	assert.Equal(t, "Netflix", res.MerchantName)
	require.NotNil(t, res.Amount)
	assert.Equal(t, "15.49", res.Amount.StringFixed(2))
	assert.Equal(t, "USD", res.Currency)
	assert.Equal(t, "monthly", res.BillingCycle)
	assert.GreaterOrEqual(t, res.Confidence, 0.8)
	require.NotNil(t, res.NextChargeDate)
	assert.Equal(t, time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC), *res.NextChargeDate)
}

func TestParseNewsletterNotBilling(t *testing.T) {
	p := New(nil)

	res := p.Parse(mailfetch.RawMessage{
		ID:      "msg-2",
		From:    "hello@somecompany.example",
		Subject: "Welcome to our newsletter",
		Body:    "Here is what's new this week.",
	})

	assert.False(t, res.Parsed)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, res.MerchantName)
	assert.Nil(t, res.Amount)
}

func TestParseDeterministic(t *testing.T) {
	p := New(nil)
	msg := mailfetch.RawMessage{
		ID:         "msg-3",
		From:       "Spotify <no-reply@spotify.com>",
		Subject:    "Receipt for your Premium subscription",
		ReceivedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Body:       "Spotify Premium Monthly\nTotal: $11.99",
	}

	first := p.Parse(msg)
	second := p.Parse(msg)
	assert.Equal(t, first, second)
}

func TestParseUnknownSenderWithKeyword(t *testing.T) {
	p := New(nil)

	res := p.Parse(mailfetch.RawMessage{
		ID:         "msg-4",
		From:       "Acme Tools Inc <billing@acmetools.example>",
		Subject:    "Invoice #4411",
		ReceivedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Body:       "Amount due: $49.00 per year",
	})

	require.True(t, res.Parsed)
	// Display name wins when the domain is unknown.
	assert.Equal(t, "acme tools", res.MerchantName)
	assert.Equal(t, "yearly", res.BillingCycle)
	require.NotNil(t, res.Amount)
	assert.Equal(t, "49.00", res.Amount.StringFixed(2))
	// No sender table match: keyword + amount + cadence only.
	assert.InDelta(t, 0.6, res.Confidence, 0.001)
}

func TestExtractAmountPicksLargest(t *testing.T) {
	amount, currency, ok := extractAmount("Subtotal $9.99, tax $1.10, total $11.09")
	require.True(t, ok)
	assert.Equal(t, "11.09", amount.StringFixed(2))
	assert.Equal(t, "USD", currency)
}

func TestExtractAmountISOCode(t *testing.T) {
	amount, currency, ok := extractAmount("You were charged EUR 7.99 for this cycle")
	require.True(t, ok)
	assert.Equal(t, "7.99", amount.StringFixed(2))
	assert.Equal(t, "EUR", currency)
}

func TestExtractAmountThousandsSeparator(t *testing.T) {
	amount, _, ok := extractAmount("Annual invoice total: $1,299.00")
	require.True(t, ok)
	assert.Equal(t, "1299.00", amount.StringFixed(2))
}

func TestExplicitNextBillingDate(t *testing.T) {
	p := New(nil)

	res := p.Parse(mailfetch.RawMessage{
		ID:         "msg-5",
		From:       "billing@netflix.com",
		Subject:    "Payment received",
		ReceivedAt: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Body:       "Next billing date: April 9, 2025. Amount: $15.49 monthly.",
	})

	require.True(t, res.Parsed)
	require.NotNil(t, res.NextChargeDate)
	assert.Equal(t, time.Date(2025, 4, 9, 0, 0, 0, 0, time.UTC), *res.NextChargeDate)
}

func TestSplitSender(t *testing.T) {
	name, domain := splitSender(`"Netflix Billing" <info@mailer.netflix.com>`)
	assert.Equal(t, "Netflix Billing", name)
	assert.Equal(t, "mailer.netflix.com", domain)

	name, domain = splitSender("billing@netflix.com")
	assert.Empty(t, name)
	assert.Equal(t, "netflix.com", domain)
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"NETFLIX.COM":   "netflix",
		"Netflix Inc":   "netflix",
		"Netflix, Inc.": "netflix",
		"Spotify AB":    "spotify ab",
		"  Hulu  ":      "hulu",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestMerchantTableSubdomain(t *testing.T) {
	table := DefaultMerchants()

	name, ok := table.ByDomain("mailer.netflix.com")
	require.True(t, ok)
	assert.Equal(t, "Netflix", name)

	_, ok = table.ByDomain("unknown.example")
	assert.False(t, ok)
}

func TestMerchantCanonicalAliases(t *testing.T) {
	table := DefaultMerchants()

	assert.Equal(t, "Netflix", table.Canonical("NETFLIX.COM"))
	assert.Equal(t, "Netflix", table.Canonical("Netflix Inc"))
	assert.Equal(t, "Apple", table.Canonical("iTunes"))
	// Unknown names normalize but stay as-is.
	assert.Equal(t, "corner bakery", table.Canonical("Corner Bakery LLC"))
}
