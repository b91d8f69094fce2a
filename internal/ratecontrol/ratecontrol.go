package ratecontrol

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Policy is the pacing contract for a single provider.
type Policy struct {
	InterCallDelay time.Duration
	MaxRetries     int
}

// Override mirrors the providers.<name> config section. Zero fields keep the built-in value.
type Override struct {
	InterCallDelayMs int `mapstructure:"inter_call_delay_ms" yaml:"inter_call_delay_ms"`
	RPM              int `mapstructure:"rpm" yaml:"rpm"`
	MaxRetries       int `mapstructure:"max_retries" yaml:"max_retries"`
}

// Built-in pacing. Observed steady-state limits differ per account tier, so every value here
// is overridable from configuration.
var builtInPolicies = map[string]Policy{
	"openai":     {InterCallDelay: 1000 * time.Millisecond, MaxRetries: 3},
	"anthropic":  {InterCallDelay: 2500 * time.Millisecond, MaxRetries: 5},
	"gemini":     {InterCallDelay: 4000 * time.Millisecond, MaxRetries: 5},
	"perplexity": {InterCallDelay: 2000 * time.Millisecond, MaxRetries: 3},
	"mistral":    {InterCallDelay: 1200 * time.Millisecond, MaxRetries: 3},
	"deepseek":   {InterCallDelay: 1500 * time.Millisecond, MaxRetries: 3},
}

var fallbackPolicy = Policy{InterCallDelay: 2000 * time.Millisecond, MaxRetries: 3}

// Table resolves provider policies. It is safe for concurrent use and can be swapped at
// runtime when the config file changes.
type Table struct {
	mu        sync.RWMutex
	overrides map[string]Policy
}

// NewTable builds a table from config overrides.
func NewTable(overrides map[string]Override) *Table {
	t := &Table{}
	t.Update(overrides)
	return t
}

// Update replaces every override atomically.
func (t *Table) Update(overrides map[string]Override) {
	resolved := make(map[string]Policy, len(overrides))
	for name, o := range overrides {
		key := normalize(name)
		base := builtIn(key)
		if d := delayFromOverride(o); d > 0 {
			base.InterCallDelay = d
		}
		if o.MaxRetries > 0 {
			base.MaxRetries = o.MaxRetries
		}
		resolved[key] = base
	}
	t.mu.Lock()
	t.overrides = resolved
	t.mu.Unlock()
}

// PolicyFor returns the policy for provider, falling back to built-ins and then a default.
func (t *Table) PolicyFor(provider string) Policy {
	key := normalize(provider)
	t.mu.RLock()
	p, ok := t.overrides[key]
	t.mu.RUnlock()
	if ok {
		return p
	}
	return builtIn(key)
}

func builtIn(key string) Policy {
	if p, ok := builtInPolicies[key]; ok {
		return p
	}
	return fallbackPolicy
}

// delayFromOverride prefers an explicit delay; otherwise derives one from requests per minute.
func delayFromOverride(o Override) time.Duration {
	if o.InterCallDelayMs > 0 {
		return time.Duration(o.InterCallDelayMs) * time.Millisecond
	}
	return delayForRPM(o.RPM)
}

func delayForRPM(rpm int) time.Duration {
	if rpm <= 0 {
		return 0
	}
	delayMs := 60000.0 / float64(rpm)
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
