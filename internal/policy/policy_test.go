package policy

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testTarget   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testSelector = Selector{0xa9, 0x05, 0x9c, 0xbb} // transfer(address,uint256)
)

func validPolicyConfig() AgentPolicyConfig {
	return AgentPolicyConfig{
		AllowedTargets:   []common.Address{testTarget},
		AllowedSelectors: []Selector{testSelector},
		MaxAmountPerTx:   big.NewInt(1_000_000),
		DailyLimit:       big.NewInt(10_000_000),
		WeeklyLimit:      big.NewInt(50_000_000),
		CreatedAt:        1_700_000_000,
		ExpiresAt:        1_700_086_400,
	}
}

// ── NewAgentPolicy ───────────────────────────────────────────────────────────

func TestNewAgentPolicy_NilLimitsDefaultToZero(t *testing.T) {
	p := NewAgentPolicy(AgentPolicyConfig{})
	if p.MaxAmountPerTx == nil || p.MaxAmountPerTx.Sign() != 0 {
		t.Errorf("MaxAmountPerTx: got %v, want 0", p.MaxAmountPerTx)
	}
	if p.DailyLimit == nil || p.DailyLimit.Sign() != 0 {
		t.Errorf("DailyLimit: got %v, want 0", p.DailyLimit)
	}
	if p.WeeklyLimit == nil || p.WeeklyLimit.Sign() != 0 {
		t.Errorf("WeeklyLimit: got %v, want 0", p.WeeklyLimit)
	}
}

func TestNewAgentPolicy_CopiesLimits(t *testing.T) {
	limit := big.NewInt(100)
	p := NewAgentPolicy(AgentPolicyConfig{MaxAmountPerTx: limit, DailyLimit: limit, WeeklyLimit: limit})
	limit.SetInt64(999)
	if p.MaxAmountPerTx.Int64() != 100 {
		t.Errorf("policy limit aliased caller's big.Int: %v", p.MaxAmountPerTx)
	}
}

func TestNewAgentPolicy_NeverValidates(t *testing.T) {
	// Construction must succeed even for a policy validation would reject.
	p := NewAgentPolicy(AgentPolicyConfig{
		MaxAmountPerTx: big.NewInt(100),
		DailyLimit:     big.NewInt(1),
	})
	if p.MaxAmountPerTx.Cmp(p.DailyLimit) <= 0 {
		t.Fatal("test setup broken")
	}
}

// ── ValidateAgentPolicy ──────────────────────────────────────────────────────

func TestValidateAgentPolicy_Valid(t *testing.T) {
	p := NewAgentPolicy(validPolicyConfig())
	if v := ValidateAgentPolicy(p); len(v) != 0 {
		t.Fatalf("expected no violations, got %v", v)
	}
}

func TestValidateAgentPolicy_EmptySetsFailSafe(t *testing.T) {
	cfg := validPolicyConfig()
	cfg.AllowedTargets = nil
	cfg.AllowedSelectors = nil
	v := ValidateAgentPolicy(NewAgentPolicy(cfg))
	if len(v) != 2 || v[0] != ViolationNoTargets || v[1] != ViolationNoSelectors {
		t.Fatalf("expected [no targets, no selectors], got %v", v)
	}
}

func TestValidateAgentPolicy_UnrestrictedAllowsEmptySets(t *testing.T) {
	cfg := validPolicyConfig()
	cfg.AllowedTargets = nil
	cfg.AllowedSelectors = nil
	cfg.Unrestricted = true
	if v := ValidateAgentPolicy(NewAgentPolicy(cfg)); len(v) != 0 {
		t.Fatalf("unrestricted policy should validate, got %v", v)
	}
}

func TestValidateAgentPolicy_LimitOrdering(t *testing.T) {
	cfg := validPolicyConfig()
	cfg.MaxAmountPerTx = big.NewInt(11_000_000) // > daily
	v := ValidateAgentPolicy(NewAgentPolicy(cfg))
	if len(v) != 1 || v[0] != ViolationPerTxOverDaily {
		t.Fatalf("expected per-tx-over-daily, got %v", v)
	}

	cfg = validPolicyConfig()
	cfg.DailyLimit = big.NewInt(60_000_000) // > weekly
	v = ValidateAgentPolicy(NewAgentPolicy(cfg))
	if len(v) != 1 || v[0] != ViolationDailyOverWeekly {
		t.Fatalf("expected daily-over-weekly, got %v", v)
	}
}

func TestValidateAgentPolicy_ExpiryBeforeCreation(t *testing.T) {
	cfg := validPolicyConfig()
	cfg.ExpiresAt = cfg.CreatedAt - 1
	v := ValidateAgentPolicy(NewAgentPolicy(cfg))
	if len(v) != 1 || v[0] != ViolationExpiryBeforeStart {
		t.Fatalf("expected expiry-before-start, got %v", v)
	}
}

// A literal-constructed policy with nil limits must produce diagnostics,
// not a nil-pointer panic.
func TestValidateAgentPolicy_NilLimits(t *testing.T) {
	v := ValidateAgentPolicy(AgentPolicy{
		AllowedTargets:   []common.Address{testTarget},
		AllowedSelectors: []Selector{testSelector},
	})
	if len(v) != 0 {
		t.Fatalf("all-zero limits should be ordered: %v", v)
	}

	v = ValidateAgentPolicy(AgentPolicy{
		AllowedTargets:   []common.Address{testTarget},
		AllowedSelectors: []Selector{testSelector},
		MaxAmountPerTx:   big.NewInt(100),
	})
	if len(v) != 1 || v[0] != ViolationPerTxOverDaily {
		t.Fatalf("expected per-tx-over-daily against nil daily, got %v", v)
	}
}

// ── IsPolicyActive ───────────────────────────────────────────────────────────

func TestIsPolicyActive(t *testing.T) {
	p := NewAgentPolicy(validPolicyConfig())
	if !IsPolicyActive(p, p.ExpiresAt-1) {
		t.Error("policy should be active before expiry")
	}
	if IsPolicyActive(p, p.ExpiresAt) {
		t.Error("policy should be inactive at expiry")
	}
}

func TestIsPolicyActive_NoExpiry(t *testing.T) {
	cfg := validPolicyConfig()
	cfg.ExpiresAt = 0
	p := NewAgentPolicy(cfg)
	if !IsPolicyActive(p, 1<<60) {
		t.Error("policy without expiry should always be active")
	}
}

// ── Target / selector / domain checks ────────────────────────────────────────

func TestIsTargetAllowed_EmptyMeansNothing(t *testing.T) {
	p := NewAgentPolicy(AgentPolicyConfig{})
	if IsTargetAllowed(p, testTarget) {
		t.Error("empty target set must permit nothing")
	}
}

func TestIsTargetAllowed_Unrestricted(t *testing.T) {
	p := NewAgentPolicy(AgentPolicyConfig{Unrestricted: true})
	if !IsTargetAllowed(p, testTarget) {
		t.Error("unrestricted policy must permit any target")
	}
}

func TestIsTargetAllowed_Listed(t *testing.T) {
	p := NewAgentPolicy(validPolicyConfig())
	if !IsTargetAllowed(p, testTarget) {
		t.Error("listed target rejected")
	}
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if IsTargetAllowed(p, other) {
		t.Error("unlisted target accepted")
	}
}

func TestIsSelectorAllowed(t *testing.T) {
	p := NewAgentPolicy(validPolicyConfig())
	if !IsSelectorAllowed(p, testSelector) {
		t.Error("listed selector rejected")
	}
	if IsSelectorAllowed(p, Selector{0xde, 0xad, 0xbe, 0xef}) {
		t.Error("unlisted selector accepted")
	}
	if IsSelectorAllowed(NewAgentPolicy(AgentPolicyConfig{}), testSelector) {
		t.Error("empty selector set must permit nothing")
	}
}

func TestIsDomainAllowed(t *testing.T) {
	b := NewX402Budget(X402BudgetConfig{AllowedDomains: []string{"api.example.com"}})
	if !IsDomainAllowed(b, "api.example.com") {
		t.Error("listed domain rejected")
	}
	if IsDomainAllowed(b, "evil.com") {
		t.Error("unlisted domain accepted")
	}
	if IsDomainAllowed(NewX402Budget(X402BudgetConfig{}), "api.example.com") {
		t.Error("empty domain set must permit nothing")
	}
}

// ── ValidateX402Budget ───────────────────────────────────────────────────────

func TestValidateX402Budget(t *testing.T) {
	b := NewX402Budget(X402BudgetConfig{
		MaxPerRequest: big.NewInt(1_000_000),
		DailyBudget:   big.NewInt(10_000_000),
		TotalBudget:   big.NewInt(100_000_000),
	})
	if v := ValidateX402Budget(b); len(v) != 0 {
		t.Fatalf("expected no violations, got %v", v)
	}

	b = NewX402Budget(X402BudgetConfig{
		MaxPerRequest: big.NewInt(20_000_000),
		DailyBudget:   big.NewInt(10_000_000),
		TotalBudget:   big.NewInt(5_000_000),
	})
	v := ValidateX402Budget(b)
	if len(v) != 2 || v[0] != ViolationPerRequestOverDay || v[1] != ViolationDailyOverTotal {
		t.Fatalf("expected both ordering violations, got %v", v)
	}
}

func TestValidateX402Budget_NilLimits(t *testing.T) {
	if v := ValidateX402Budget(X402Budget{}); len(v) != 0 {
		t.Fatalf("zero-value budget should be ordered: %v", v)
	}
	v := ValidateX402Budget(X402Budget{DailyBudget: big.NewInt(10)})
	if len(v) != 1 || v[0] != ViolationDailyOverTotal {
		t.Fatalf("expected daily-over-total against nil total, got %v", v)
	}
}

// ── NewSpendingPolicy ────────────────────────────────────────────────────────

func TestNewSpendingPolicy(t *testing.T) {
	agent := common.HexToAddress("0x3333333333333333333333333333333333333333")
	token := common.HexToAddress("0x4444444444444444444444444444444444444444")
	sp := NewSpendingPolicy(SpendingLimitConfig{
		Agent:       agent,
		Token:       token,
		DailyLimit:  big.NewInt(500),
		WeeklyLimit: big.NewInt(2000),
	})
	if sp.Agent != agent || sp.Token != token {
		t.Error("addresses not carried through")
	}
	if sp.DailyLimit.Int64() != 500 || sp.WeeklyLimit.Int64() != 2000 {
		t.Error("limits not carried through")
	}
}
