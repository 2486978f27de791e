// Package parser classifies raw email messages as billing receipts and
// extracts merchant, amount, cadence and next-charge fields with a
// confidence score. Parsing is stateless and deterministic: the same
// input always yields the same result, which keeps re-parse passes after
// heuristic upgrades safe.
package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/looprock/subscan/internal/mailfetch"
)

// Signal weights. Their sum caps confidence at 1.0.
const (
	weightSenderMatch  = 0.4
	weightKeywordMatch = 0.2
	weightAmountFound  = 0.2
	weightCadenceFound = 0.2
)

// Result is the outcome of parsing one message. When Parsed is false no
// extracted fields are populated; the message is still stored so
// parsed/unparsed ratios stay auditable.
type Result struct {
	Parsed     bool
	Confidence float64

	MerchantName   string
	Amount         *decimal.Decimal
	Currency       string
	BillingCycle   string
	NextChargeDate *time.Time

	// Reasons records which heuristics fired, for detection_reason.
	Reasons []string
}

// Parser extracts billing receipts from raw messages.
type Parser struct {
	merchants Merchants
}

// New creates a parser backed by the given merchant table.
func New(merchants Merchants) *Parser {
	if merchants == nil {
		merchants = DefaultMerchants()
	}
	return &Parser{merchants: merchants}
}

var billingKeywords = []string{
	"receipt",
	"invoice",
	"your subscription",
	"payment confirmation",
	"payment received",
	"billing statement",
	"order confirmation",
	"renewal",
}

// Parse classifies and extracts a single message.
func (p *Parser) Parse(msg mailfetch.RawMessage) Result {
	var res Result

	senderName, senderDomain := splitSender(msg.From)
	merchant, senderKnown := p.merchants.ByDomain(senderDomain)

	keyword := matchKeyword(msg.Subject, msg.Body)

	// Classification: a known billing sender or a billing keyword.
	if !senderKnown && keyword == "" {
		return res
	}
	res.Parsed = true

	if senderKnown {
		res.Confidence += weightSenderMatch
		res.MerchantName = merchant
		res.Reasons = append(res.Reasons, "sender domain "+senderDomain+" matched "+merchant)
	} else if senderName != "" {
		res.MerchantName = p.merchants.Canonical(senderName)
		res.Reasons = append(res.Reasons, "merchant from sender display name "+senderName)
	} else {
		res.MerchantName = p.merchants.Canonical(senderDomain)
		res.Reasons = append(res.Reasons, "merchant from sender domain "+senderDomain)
	}

	if keyword != "" {
		res.Confidence += weightKeywordMatch
		res.Reasons = append(res.Reasons, "billing keyword "+quote(keyword))
	}

	text := msg.Subject + "\n" + msg.Body

	if amount, currency, ok := extractAmount(text); ok {
		res.Confidence += weightAmountFound
		res.Amount = &amount
		res.Currency = currency
		res.Reasons = append(res.Reasons, "amount "+amount.StringFixed(2)+" "+currency)
	}

	if cycle := extractCadence(text); cycle != "" {
		res.Confidence += weightCadenceFound
		res.BillingCycle = cycle
		res.Reasons = append(res.Reasons, "cadence "+cycle)
	}

	res.NextChargeDate = nextChargeDate(text, msg.ReceivedAt, res.BillingCycle)

	if res.Confidence > 1.0 {
		res.Confidence = 1.0
	}
	return res
}

func quote(s string) string { return `"` + s + `"` }

// splitSender parses "Display Name <user@domain>" into its parts.
func splitSender(from string) (name, domain string) {
	from = strings.TrimSpace(from)
	addr := from
	if open := strings.LastIndex(from, "<"); open >= 0 {
		name = strings.Trim(strings.TrimSpace(from[:open]), `"`)
		addr = strings.TrimRight(from[open+1:], ">")
	}
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		domain = strings.ToLower(strings.TrimSpace(addr[at+1:]))
	}
	return name, domain
}

func matchKeyword(subject, body string) string {
	subject = strings.ToLower(subject)
	body = strings.ToLower(body)
	for _, kw := range billingKeywords {
		if strings.Contains(subject, kw) || strings.Contains(body, kw) {
			return kw
		}
	}
	return ""
}

var (
	symbolAmountRe = regexp.MustCompile(`([$€£])\s?(\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?)`)
	isoAmountRe    = regexp.MustCompile(`(?i)\b(USD|EUR|GBP)\s?(\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?)`)
)

var symbolCurrency = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
}

// extractAmount finds monetary amounts near a currency symbol or ISO code
// and returns the largest one. Largest is a deterministic stand-in for
// "most prominent": receipt totals dominate line items and tax lines.
func extractAmount(text string) (decimal.Decimal, string, bool) {
	best := decimal.Zero
	currency := ""
	found := false

	consider := func(raw, cur string) {
		raw = strings.ReplaceAll(raw, ",", "")
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return
		}
		if !found || amount.GreaterThan(best) {
			best = amount
			currency = cur
			found = true
		}
	}

	for _, m := range symbolAmountRe.FindAllStringSubmatch(text, -1) {
		consider(m[2], symbolCurrency[m[1]])
	}
	for _, m := range isoAmountRe.FindAllStringSubmatch(text, -1) {
		consider(m[2], strings.ToUpper(m[1]))
	}

	return best, currency, found
}

var cadenceCues = []struct {
	cues  []string
	cycle string
}{
	{[]string{"/mo", "per month", "monthly", "a month", "month subscription"}, "monthly"},
	{[]string{"/yr", "per year", "yearly", "annual", "a year"}, "yearly"},
	{[]string{"/wk", "per week", "weekly", "a week"}, "weekly"},
}

func extractCadence(text string) string {
	text = strings.ToLower(text)
	for _, c := range cadenceCues {
		for _, cue := range c.cues {
			if strings.Contains(text, cue) {
				return c.cycle
			}
		}
	}
	return ""
}

var nextDateRe = regexp.MustCompile(`(?i)(?:next\s+(?:billing|charge|payment)\s+date|renews\s+on|next\s+payment\s+on)[:\s]+([A-Za-z]+\s+\d{1,2},?\s+\d{4}|\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4})`)

var dateLayouts = []string{
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2006-01-02",
	"1/2/2006",
}

// nextChargeDate prefers an explicit date mention, falling back to the
// received time plus one cadence period.
func nextChargeDate(text string, receivedAt time.Time, cycle string) *time.Time {
	if m := nextDateRe.FindStringSubmatch(text); m != nil {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, m[1]); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}

	if receivedAt.IsZero() {
		return nil
	}
	var next time.Time
	switch cycle {
	case "weekly":
		next = receivedAt.AddDate(0, 0, 7)
	case "yearly":
		next = receivedAt.AddDate(1, 0, 0)
	default:
		// Monthly is the common case for subscriptions; use it when
		// cadence is unknown too.
		next = receivedAt.AddDate(0, 1, 0)
	}
	next = next.UTC()
	return &next
}
