// Package x402 implements the agent side of the x402 payment-header
// protocol: EIP-3009 transfer authorizations, the X-PAYMENT wire header,
// and the orchestration that gates both behind policy and budget.
package x402

import (
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Header and status constants of the x402 protocol.
const (
	PaymentHeaderName         = "X-PAYMENT"
	PaymentRequiredHeaderName = "X-PAYMENT-REQUIRED"
	StatusPaymentRequired     = 402
)

// HeaderVersion is the protocol version this implementation speaks.
const HeaderVersion = "1"

// SchemeExact is the only payment scheme supported: an exact-amount
// EIP-3009 transfer authorization.
const SchemeExact = "exact"

// PaymentRequirement is the 402 challenge a paying service presents.
type PaymentRequirement struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType,omitempty"`
	PayTo             common.Address `json:"payTo"`
	MaxTimeoutSeconds int64          `json:"maxTimeoutSeconds"`
	Asset             common.Address `json:"asset"`
}

// ParsePaymentRequirements decodes a 402 challenge body, accepting either
// a single requirement object or an array of them.
func ParsePaymentRequirements(data []byte) ([]PaymentRequirement, error) {
	var list []PaymentRequirement
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var single PaymentRequirement
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, errors.New("x402: invalid payment requirements")
	}
	return []PaymentRequirement{single}, nil
}

// usdcAddresses maps chain id to the canonical USDC deployment, the
// default settlement asset when a requirement does not name one.
var usdcAddresses = map[int64]common.Address{
	1:        common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
	10:       common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85"),
	137:      common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"),
	42161:    common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"),
	8453:     common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
	11155111: common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"),
	84532:    common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
}

// USDCAddress returns the canonical USDC contract for a chain, or false
// if the chain has no known deployment.
func USDCAddress(chainID int64) (common.Address, bool) {
	addr, ok := usdcAddresses[chainID]
	return addr, ok
}
