package analysis

import (
	"net/url"
	"strings"

	"github.com/brandlens/orchestrator/internal/config"
	"github.com/brandlens/orchestrator/internal/engines"
)

// ExtractDomain returns the lowercase host from a URL, removing any port and a
// leading "www." but preserving other subdomains when present.
// Example: "https://blog.example.com/path" -> "blog.example.com"
func ExtractDomain(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www."), nil
}

// SourceClassifier buckets citation domains by configured rules
type SourceClassifier struct {
	rules *config.SourceTypesConfig
}

// NewSourceClassifier creates a classifier; nil rules selects the built-in set
func NewSourceClassifier(rules *config.SourceTypesConfig) *SourceClassifier {
	if rules == nil {
		rules = config.DefaultSourceTypes()
	}
	return &SourceClassifier{rules: rules}
}

// Classify returns the domain of rawURL and its source type. The brand's own domain and its
// subdomains are always official. Site and suffix rules win over keyword rules.
func (c *SourceClassifier) Classify(rawURL, brandDomain string) (string, string) {
	domain, err := ExtractDomain(rawURL)
	if err != nil || domain == "" {
		return "", config.SourceUnknown
	}

	if bd, _ := ExtractDomain(brandDomain); bd != "" && matchesSite(domain, bd) {
		return domain, config.SourceOfficial
	}

	for _, name := range c.rules.Order {
		rule, ok := c.rules.SourceTypes[name]
		if !ok {
			continue
		}
		for _, site := range rule.Sites {
			if matchesSite(domain, site) {
				return domain, name
			}
		}
		for _, suffix := range rule.Suffixes {
			if strings.HasSuffix(domain, suffix) {
				return domain, name
			}
		}
	}
	for _, name := range c.rules.Order {
		for _, kw := range c.rules.SourceTypes[name].Keywords {
			if strings.Contains(domain, kw) {
				return domain, name
			}
		}
	}
	return domain, config.SourceUnknown
}

// ClassifyAll classifies citations, dropping duplicate URLs
func (c *SourceClassifier) ClassifyAll(citations []engines.Citation, brandDomain string) []ClassifiedCitation {
	out := make([]ClassifiedCitation, 0, len(citations))
	seen := make(map[string]bool, len(citations))
	for _, cit := range citations {
		u := strings.TrimSpace(cit.URL)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		domain, kind := c.Classify(u, brandDomain)
		out = append(out, ClassifiedCitation{URL: u, Title: cit.Title, Domain: domain, SourceType: kind})
	}
	return out
}

func matchesSite(domain, site string) bool {
	site = strings.TrimPrefix(strings.ToLower(site), "www.")
	return domain == site || strings.HasSuffix(domain, "."+site)
}
