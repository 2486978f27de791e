package parser

import "strings"

// Merchants resolves sender domains and merchant name aliases to one
// canonical merchant name. Pluggable so deployments can extend the table
// without code changes.
type Merchants interface {
	// ByDomain returns the canonical merchant for a sender domain.
	ByDomain(domain string) (string, bool)
	// Canonical maps a raw merchant name through the alias table,
	// returning a normalized name either way.
	Canonical(name string) string
}

// Table is a static Merchants implementation.
type Table struct {
	domains map[string]string
	aliases map[string]string
}

// NewTable builds a Table from domain and alias maps, merging them over
// the built-in defaults. Keys are matched case-insensitively.
func NewTable(domains, aliases map[string]string) *Table {
	t := &Table{
		domains: make(map[string]string, len(defaultDomains)+len(domains)),
		aliases: make(map[string]string, len(defaultAliases)+len(aliases)),
	}
	for k, v := range defaultDomains {
		t.domains[k] = v
	}
	for k, v := range domains {
		t.domains[strings.ToLower(k)] = v
	}
	for k, v := range defaultAliases {
		t.aliases[k] = v
	}
	for k, v := range aliases {
		t.aliases[Normalize(k)] = v
	}
	return t
}

// DefaultMerchants returns the built-in table.
func DefaultMerchants() *Table {
	return NewTable(nil, nil)
}

func (t *Table) ByDomain(domain string) (string, bool) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	// Walk up subdomains: billing.mail.netflix.com matches netflix.com.
	for domain != "" {
		if name, ok := t.domains[domain]; ok {
			return name, true
		}
		idx := strings.Index(domain, ".")
		if idx < 0 || !strings.Contains(domain[idx+1:], ".") {
			break
		}
		domain = domain[idx+1:]
	}
	return "", false
}

func (t *Table) Canonical(name string) string {
	norm := Normalize(name)
	if canonical, ok := t.aliases[norm]; ok {
		return canonical
	}
	return norm
}

// Normalize lowercases, trims, and strips punctuation and corporate
// suffixes from a merchant name so "Netflix Inc" and "NETFLIX.COM"
// collapse to the same key.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		case r == '.' || r == ',' || r == '-' || r == '_':
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())

	// Drop trailing corporate suffixes and TLD fragments.
	for len(fields) > 1 {
		switch fields[len(fields)-1] {
		case "inc", "llc", "ltd", "corp", "co", "com", "net", "io":
			fields = fields[:len(fields)-1]
		default:
			return strings.Join(fields, " ")
		}
	}
	return strings.Join(fields, " ")
}

var defaultDomains = map[string]string{
	"netflix.com":       "Netflix",
	"spotify.com":       "Spotify",
	"apple.com":         "Apple",
	"itunes.com":        "Apple",
	"amazon.com":        "Amazon",
	"primevideo.com":    "Amazon Prime Video",
	"hulu.com":          "Hulu",
	"disneyplus.com":    "Disney+",
	"hbomax.com":        "Max",
	"max.com":           "Max",
	"youtube.com":       "YouTube Premium",
	"google.com":        "Google",
	"dropbox.com":       "Dropbox",
	"adobe.com":         "Adobe",
	"github.com":        "GitHub",
	"openai.com":        "OpenAI",
	"audible.com":       "Audible",
	"nytimes.com":       "The New York Times",
	"patreon.com":       "Patreon",
	"paramountplus.com": "Paramount+",
	"crunchyroll.com":   "Crunchyroll",
	"nordvpn.com":       "NordVPN",
	"expressvpn.com":    "ExpressVPN",
	"icloud.com":        "Apple",
	"microsoft.com":     "Microsoft",
	"zoom.us":           "Zoom",
	"slack.com":         "Slack",
	"notion.so":         "Notion",
	"figma.com":         "Figma",
	"squarespace.com":   "Squarespace",
}

// defaultAliases maps normalized raw names to canonical display names.
var defaultAliases = map[string]string{
	"netflix":         "Netflix",
	"netflix billing": "Netflix",
	"spotify ab":      "Spotify",
	"spotify usa":     "Spotify",
	"apple services":  "Apple",
	"itunes":          "Apple",
	"amazon prime":    "Amazon Prime Video",
	"prime video":     "Amazon Prime Video",
	"disney plus":     "Disney+",
	"hbo max":         "Max",
	"youtube premium": "YouTube Premium",
	"google storage":  "Google",
	"google one":      "Google",
	"adobe systems":   "Adobe",
	"microsoft 365":   "Microsoft",
	"new york times":  "The New York Times",
	"nyt":             "The New York Times",
}
