package config

import (
	"strings"

	"github.com/keyrotor/keyrotor/internal/policy"
)

// AccessPolicy defines restrictions and quotas applied to an inbound access token.
// The AccessToken value must match the token accepted by the auth middleware.
type AccessPolicy struct {
	AccessToken string `yaml:"access-token" json:"access-token"`

	// ExcludedModels lists model IDs or wildcard patterns this token may NOT request.
	// Matching is case-insensitive. Supports '*' wildcard.
	ExcludedModels []string `yaml:"excluded-models,omitempty" json:"excluded-models,omitempty"`

	// ModelRewrites transparently replaces the requested model before dispatch.
	// The first matching rule wins.
	ModelRewrites []ModelRewriteRule `yaml:"model-rewrites,omitempty" json:"model-rewrites,omitempty"`

	// DailyLimits defines per-model daily request limits for this token.
	// Key is a model ID (case-insensitive). Values <= 0 are treated as disabled and dropped.
	DailyLimits map[string]int `yaml:"daily-limits,omitempty" json:"daily-limits,omitempty"`

	// DailyBudgetUSD caps the upstream-reported spend for this token per UTC day.
	// Values <= 0 are treated as disabled.
	DailyBudgetUSD float64 `yaml:"daily-budget-usd,omitempty" json:"daily-budget-usd,omitempty"`
}

// ModelRewriteRule maps a requested model (wildcards allowed) to the model sent upstream.
type ModelRewriteRule struct {
	FromModel string `yaml:"from-model,omitempty" json:"from-model,omitempty"`
	ToModel   string `yaml:"to-model,omitempty" json:"to-model,omitempty"`
}

// RewriteModel resolves the model that should be sent upstream for requestedModel.
// It returns the input unchanged and false when no rule matches.
func (p *AccessPolicy) RewriteModel(requestedModel string) (string, bool) {
	if p == nil || len(p.ModelRewrites) == 0 {
		return requestedModel, false
	}
	key := policy.NormaliseModelKey(requestedModel)
	if key == "" {
		return requestedModel, false
	}
	full := strings.ToLower(strings.TrimSpace(requestedModel))
	for _, rule := range p.ModelRewrites {
		if !policy.MatchWildcard(rule.FromModel, full) && !policy.MatchWildcard(rule.FromModel, key) {
			continue
		}
		if strings.EqualFold(rule.ToModel, requestedModel) {
			return requestedModel, false
		}
		return rule.ToModel, true
	}
	return requestedModel, false
}

// DeniesModel reports whether model matches one of the excluded patterns.
func (p *AccessPolicy) DeniesModel(model string) bool {
	if p == nil || len(p.ExcludedModels) == 0 {
		return false
	}
	full := strings.ToLower(strings.TrimSpace(model))
	key := policy.NormaliseModelKey(model)
	for _, pattern := range p.ExcludedModels {
		if policy.MatchWildcard(pattern, full) || policy.MatchWildcard(pattern, key) {
			return true
		}
	}
	return false
}

// DailyLimitFor returns the configured limit and the counter key for model.
// An exact (variant-qualified) entry wins over the variant-less base entry.
func (p *AccessPolicy) DailyLimitFor(model string) (limit int, limitKey string) {
	if p == nil || len(p.DailyLimits) == 0 {
		return 0, ""
	}
	full := strings.ToLower(strings.TrimSpace(model))
	if full == "" {
		return 0, ""
	}
	if v, ok := p.DailyLimits[full]; ok && v > 0 {
		return v, full
	}
	base := policy.NormaliseModelKey(full)
	if v, ok := p.DailyLimits[base]; ok && v > 0 {
		return v, base
	}
	return 0, ""
}

// FindAccessPolicy returns the AccessPolicy matching the provided token.
// It returns nil when no policy is configured or the token is blank.
func (cfg *Config) FindAccessPolicy(token string) *AccessPolicy {
	if cfg == nil {
		return nil
	}
	key := strings.TrimSpace(token)
	if key == "" || len(cfg.AccessPolicies) == 0 {
		return nil
	}
	for i := range cfg.AccessPolicies {
		if strings.TrimSpace(cfg.AccessPolicies[i].AccessToken) == key {
			return &cfg.AccessPolicies[i]
		}
	}
	return nil
}

// NormalizeExcludedModels lowercases and de-duplicates model patterns, dropping blanks.
func NormalizeExcludedModels(models []string) []string {
	if len(models) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// SanitizeAccessPolicies trims tokens, normalizes patterns, and drops invalid limits.
// A later entry for the same token replaces an earlier one.
func (cfg *Config) SanitizeAccessPolicies() {
	if cfg == nil || len(cfg.AccessPolicies) == 0 {
		return
	}

	seen := make(map[string]int, len(cfg.AccessPolicies))
	out := make([]AccessPolicy, 0, len(cfg.AccessPolicies))

	for i := range cfg.AccessPolicies {
		entry := cfg.AccessPolicies[i]
		entry.AccessToken = strings.TrimSpace(entry.AccessToken)
		if entry.AccessToken == "" {
			continue
		}

		entry.ExcludedModels = NormalizeExcludedModels(entry.ExcludedModels)

		if len(entry.ModelRewrites) > 0 {
			rules := make([]ModelRewriteRule, 0, len(entry.ModelRewrites))
			for _, rule := range entry.ModelRewrites {
				rule.FromModel = strings.ToLower(strings.TrimSpace(rule.FromModel))
				rule.ToModel = strings.TrimSpace(rule.ToModel)
				if rule.FromModel == "" || rule.ToModel == "" {
					continue
				}
				rules = append(rules, rule)
			}
			if len(rules) == 0 {
				rules = nil
			}
			entry.ModelRewrites = rules
		}

		if len(entry.DailyLimits) > 0 {
			normalized := make(map[string]int, len(entry.DailyLimits))
			for modelID, limit := range entry.DailyLimits {
				m := strings.ToLower(strings.TrimSpace(modelID))
				if m == "" || limit <= 0 {
					continue
				}
				normalized[m] = limit
			}
			if len(normalized) > 0 {
				entry.DailyLimits = normalized
			} else {
				entry.DailyLimits = nil
			}
		}

		if entry.DailyBudgetUSD <= 0 {
			entry.DailyBudgetUSD = 0
		}

		if prior, ok := seen[entry.AccessToken]; ok {
			out[prior] = entry
			continue
		}
		seen[entry.AccessToken] = len(out)
		out = append(out, entry)
	}

	cfg.AccessPolicies = out
}
