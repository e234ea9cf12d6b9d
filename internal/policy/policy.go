package policy

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Violation describes one way a policy fails validation. Validation returns
// diagnostics rather than errors because policies may be constructed
// speculatively (e.g. previewed in a UI) before being committed.
type Violation string

const (
	ViolationNoTargets         Violation = "allowed_targets_empty"
	ViolationNoSelectors       Violation = "allowed_selectors_empty"
	ViolationPerTxOverDaily    Violation = "max_amount_per_tx_exceeds_daily_limit"
	ViolationDailyOverWeekly   Violation = "daily_limit_exceeds_weekly_limit"
	ViolationNegativeTimestamp Violation = "negative_timestamp"
	ViolationExpiryBeforeStart Violation = "expires_at_before_created_at"
	ViolationPerRequestOverDay Violation = "max_per_request_exceeds_daily_budget"
	ViolationDailyOverTotal    Violation = "daily_budget_exceeds_total_budget"
)

// NewAgentPolicy builds an AgentPolicy from config. Construction never
// fails and performs no validation; callers must run ValidateAgentPolicy
// before trusting the result.
func NewAgentPolicy(cfg AgentPolicyConfig) AgentPolicy {
	return AgentPolicy{
		AllowedTargets:   append([]common.Address(nil), cfg.AllowedTargets...),
		AllowedSelectors: append([]Selector(nil), cfg.AllowedSelectors...),
		MaxAmountPerTx:   orZero(cfg.MaxAmountPerTx),
		DailyLimit:       orZero(cfg.DailyLimit),
		WeeklyLimit:      orZero(cfg.WeeklyLimit),
		CreatedAt:        cfg.CreatedAt,
		ExpiresAt:        cfg.ExpiresAt,
		Unrestricted:     cfg.Unrestricted,
	}
}

// NewX402Budget builds the payment-budget policy variant. Like
// NewAgentPolicy it is pure construction; ValidateX402Budget checks it.
func NewX402Budget(cfg X402BudgetConfig) X402Budget {
	return X402Budget{
		MaxPerRequest:  orZero(cfg.MaxPerRequest),
		DailyBudget:    orZero(cfg.DailyBudget),
		TotalBudget:    orZero(cfg.TotalBudget),
		AllowedDomains: append([]string(nil), cfg.AllowedDomains...),
	}
}

// NewSpendingPolicy builds a per-token spending limit for one agent.
func NewSpendingPolicy(cfg SpendingLimitConfig) SpendingLimit {
	return SpendingLimit{
		Agent:       cfg.Agent,
		Token:       cfg.Token,
		DailyLimit:  orZero(cfg.DailyLimit),
		WeeklyLimit: orZero(cfg.WeeklyLimit),
	}
}

// ValidateAgentPolicy returns the ordered list of violations; an empty
// list means the policy is valid. Nil limits are treated as zero, so a
// literal-constructed policy yields diagnostics rather than a panic.
func ValidateAgentPolicy(p AgentPolicy) []Violation {
	maxPerTx := orZero(p.MaxAmountPerTx)
	daily := orZero(p.DailyLimit)
	weekly := orZero(p.WeeklyLimit)

	var v []Violation
	if !p.Unrestricted {
		if len(p.AllowedTargets) == 0 {
			v = append(v, ViolationNoTargets)
		}
		if len(p.AllowedSelectors) == 0 {
			v = append(v, ViolationNoSelectors)
		}
	}
	if maxPerTx.Cmp(daily) > 0 {
		v = append(v, ViolationPerTxOverDaily)
	}
	if daily.Cmp(weekly) > 0 {
		v = append(v, ViolationDailyOverWeekly)
	}
	if p.CreatedAt < 0 || p.ExpiresAt < 0 {
		v = append(v, ViolationNegativeTimestamp)
	}
	if p.ExpiresAt != 0 && p.ExpiresAt < p.CreatedAt {
		v = append(v, ViolationExpiryBeforeStart)
	}
	return v
}

// ValidateX402Budget checks the limit ordering of the payment budget.
// Nil limits are treated as zero.
func ValidateX402Budget(b X402Budget) []Violation {
	maxPerReq := orZero(b.MaxPerRequest)
	daily := orZero(b.DailyBudget)
	total := orZero(b.TotalBudget)

	var v []Violation
	if maxPerReq.Cmp(daily) > 0 {
		v = append(v, ViolationPerRequestOverDay)
	}
	if daily.Cmp(total) > 0 {
		v = append(v, ViolationDailyOverTotal)
	}
	return v
}

// IsPolicyActive reports whether the policy is in force at now.
// ExpiresAt == 0 means no expiry.
func IsPolicyActive(p AgentPolicy, now int64) bool {
	return p.ExpiresAt == 0 || now < p.ExpiresAt
}

// IsTargetAllowed reports whether the agent may call the given contract.
// An empty target set permits nothing unless the policy is Unrestricted.
func IsTargetAllowed(p AgentPolicy, target common.Address) bool {
	if p.Unrestricted {
		return true
	}
	for _, t := range p.AllowedTargets {
		if t == target {
			return true
		}
	}
	return false
}

// IsSelectorAllowed reports whether the agent may call the given function.
func IsSelectorAllowed(p AgentPolicy, sel Selector) bool {
	if p.Unrestricted {
		return true
	}
	for _, s := range p.AllowedSelectors {
		if s == sel {
			return true
		}
	}
	return false
}

// IsDomainAllowed reports whether a payment domain is inside the budget's
// allowlist. An empty allowlist permits nothing (fail safe).
func IsDomainAllowed(b X402Budget, domain string) bool {
	for _, d := range b.AllowedDomains {
		if d == domain {
			return true
		}
	}
	return false
}
