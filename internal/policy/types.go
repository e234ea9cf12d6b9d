// Package policy defines the two authorization planes an agent operates
// under: AgentPolicy constrains on-chain actions, X402Budget constrains
// off-chain x402 payments. Both are immutable values; a new policy
// supersedes rather than mutates.
package policy

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Selector is a 4-byte function selector.
type Selector [4]byte

// AgentPolicy governs what an agent may spend on-chain.
//
// An empty AllowedTargets or AllowedSelectors set means "nothing permitted"
// unless Unrestricted is set. ExpiresAt == 0 means the policy never expires.
type AgentPolicy struct {
	AllowedTargets   []common.Address
	AllowedSelectors []Selector
	MaxAmountPerTx   *big.Int
	DailyLimit       *big.Int
	WeeklyLimit      *big.Int
	CreatedAt        int64
	ExpiresAt        int64
	Unrestricted     bool
}

// X402Budget governs off-chain per-service payment spend. The mutable
// ledger lives in the budget package; this is the pure definition.
type X402Budget struct {
	MaxPerRequest  *big.Int
	DailyBudget    *big.Int
	TotalBudget    *big.Int
	AllowedDomains []string
}

// SpendingLimit is a per-token spending constraint installed for one agent.
type SpendingLimit struct {
	Agent       common.Address
	Token       common.Address
	DailyLimit  *big.Int
	WeeklyLimit *big.Int
}

// AgentPolicyConfig is the input to NewAgentPolicy. Nil limits default to 0.
type AgentPolicyConfig struct {
	AllowedTargets   []common.Address
	AllowedSelectors []Selector
	MaxAmountPerTx   *big.Int
	DailyLimit       *big.Int
	WeeklyLimit      *big.Int
	CreatedAt        int64
	ExpiresAt        int64
	Unrestricted     bool
}

// X402BudgetConfig is the input to NewX402Budget.
type X402BudgetConfig struct {
	MaxPerRequest  *big.Int
	DailyBudget    *big.Int
	TotalBudget    *big.Int
	AllowedDomains []string
}

// SpendingLimitConfig is the input to NewSpendingPolicy.
type SpendingLimitConfig struct {
	Agent       common.Address
	Token       common.Address
	DailyLimit  *big.Int
	WeeklyLimit *big.Int
}
