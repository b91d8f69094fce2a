package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Citation source buckets
const (
	SourceEcommerce = "ecommerce"
	SourceForum     = "forum"
	SourceVideo     = "video"
	SourceMedia     = "media"
	SourceOfficial  = "official"
	SourceUnknown   = "unknown"
)

// SourceTypeRule describes how a citation domain is matched to a bucket
type SourceTypeRule struct {
	Description string   `yaml:"description"`
	Sites       []string `yaml:"sites"`    // domain or any subdomain of it
	Keywords    []string `yaml:"keywords"` // substring of the host
	Suffixes    []string `yaml:"suffixes"` // host suffix such as .gov
}

// SourceTypesConfig is the citation classification rule set
type SourceTypesConfig struct {
	// Order in which buckets are tried; the first match wins
	Order       []string                  `yaml:"order"`
	SourceTypes map[string]SourceTypeRule `yaml:"source_types"`
}

// LoadSourceTypes reads the rule file at path. When path is empty, PROBE_SOURCE_TYPES_PATH and
// the usual locations are tried; without any file the built-in rules are returned.
func LoadSourceTypes(path string) (*SourceTypesConfig, error) {
	if path == "" {
		path = os.Getenv("PROBE_SOURCE_TYPES_PATH")
	}
	if path == "" {
		for _, c := range []string{"/app/config/source_types.yaml", "config/source_types.yaml"} {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}
	if path == "" {
		return DefaultSourceTypes(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source types: %w", err)
	}
	return ParseSourceTypes(data)
}

// ParseSourceTypes decodes a YAML rule set and fills gaps from the built-in rules
func ParseSourceTypes(data []byte) (*SourceTypesConfig, error) {
	var cfg SourceTypesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse source types: %w", err)
	}
	applySourceTypeDefaults(&cfg)
	return &cfg, nil
}

// DefaultSourceTypes returns the built-in rule set
func DefaultSourceTypes() *SourceTypesConfig {
	return &SourceTypesConfig{
		Order: []string{SourceOfficial, SourceVideo, SourceForum, SourceEcommerce, SourceMedia},
		SourceTypes: map[string]SourceTypeRule{
			SourceOfficial: {
				Description: "Brand-owned sites, government and education domains",
				Suffixes:    []string{".gov", ".edu", ".gov.uk", ".ac.uk", ".europa.eu"},
			},
			SourceVideo: {
				Description: "Video platforms",
				Sites:       []string{"youtube.com", "youtu.be", "vimeo.com", "tiktok.com", "twitch.tv", "dailymotion.com", "bilibili.com"},
			},
			SourceForum: {
				Description: "Discussion boards and Q&A",
				Sites:       []string{"reddit.com", "quora.com", "stackexchange.com", "stackoverflow.com", "news.ycombinator.com", "zhihu.com", "tripadvisor.com"},
				Keywords:    []string{"forum", "community", "discuss", "board"},
			},
			SourceEcommerce: {
				Description: "Marketplaces and retailers",
				Sites:       []string{"amazon.com", "ebay.com", "walmart.com", "etsy.com", "aliexpress.com", "bestbuy.com", "target.com", "taobao.com", "jd.com", "rakuten.co.jp", "shopify.com", "zalando.com"},
				Keywords:    []string{"shop", "store", "buy"},
			},
			SourceMedia: {
				Description: "News outlets, magazines, blogs and reference",
				Sites:       []string{"nytimes.com", "bbc.co.uk", "bbc.com", "reuters.com", "bloomberg.com", "theverge.com", "techcrunch.com", "forbes.com", "wired.com", "cnet.com", "wikipedia.org", "medium.com", "substack.com"},
				Keywords:    []string{"news", "magazine", "times", "post", "blog", "review"},
			},
		},
	}
}

func applySourceTypeDefaults(cfg *SourceTypesConfig) {
	defaults := DefaultSourceTypes()
	if cfg.SourceTypes == nil {
		cfg.SourceTypes = make(map[string]SourceTypeRule)
	}
	for name, rule := range defaults.SourceTypes {
		if _, ok := cfg.SourceTypes[name]; !ok {
			cfg.SourceTypes[name] = rule
		}
	}
	if len(cfg.Order) == 0 {
		cfg.Order = defaults.Order
	}

	for name, rule := range cfg.SourceTypes {
		rule.Sites = lowerAll(rule.Sites)
		rule.Keywords = lowerAll(rule.Keywords)
		rule.Suffixes = lowerAll(rule.Suffixes)
		cfg.SourceTypes[name] = rule
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
