package api

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/sigloop/agentpay/internal/policy"
)

// agentPolicyJSON is the transport shape of an AgentPolicy on the REST
// surface. Amounts are decimal strings, selectors 0x-prefixed 4-byte hex.
type agentPolicyJSON struct {
	AllowedTargets   []string `json:"allowedTargets"`
	AllowedSelectors []string `json:"allowedSelectors"`
	MaxAmountPerTx   string   `json:"maxAmountPerTx"`
	DailyLimit       string   `json:"dailyLimit"`
	WeeklyLimit      string   `json:"weeklyLimit"`
	CreatedAt        int64    `json:"createdAt"`
	ExpiresAt        int64    `json:"expiresAt"`
	Unrestricted     bool     `json:"unrestricted,omitempty"`
}

func (j agentPolicyJSON) toPolicy() (policy.AgentPolicy, error) {
	cfg := policy.AgentPolicyConfig{
		CreatedAt:    j.CreatedAt,
		ExpiresAt:    j.ExpiresAt,
		Unrestricted: j.Unrestricted,
	}
	for _, t := range j.AllowedTargets {
		if !common.IsHexAddress(t) {
			return policy.AgentPolicy{}, errors.New("invalid target address: " + t)
		}
		cfg.AllowedTargets = append(cfg.AllowedTargets, common.HexToAddress(t))
	}
	for _, s := range j.AllowedSelectors {
		b := common.FromHex(s)
		if len(b) != 4 {
			return policy.AgentPolicy{}, errors.New("invalid selector: " + s)
		}
		var sel policy.Selector
		copy(sel[:], b)
		cfg.AllowedSelectors = append(cfg.AllowedSelectors, sel)
	}
	var err error
	if cfg.MaxAmountPerTx, err = parseAmount(j.MaxAmountPerTx); err != nil {
		return policy.AgentPolicy{}, err
	}
	if cfg.DailyLimit, err = parseAmount(j.DailyLimit); err != nil {
		return policy.AgentPolicy{}, err
	}
	if cfg.WeeklyLimit, err = parseAmount(j.WeeklyLimit); err != nil {
		return policy.AgentPolicy{}, err
	}
	return policy.NewAgentPolicy(cfg), nil
}

func policyToJSON(p policy.AgentPolicy) agentPolicyJSON {
	out := agentPolicyJSON{
		AllowedTargets:   []string{},
		AllowedSelectors: []string{},
		MaxAmountPerTx:   p.MaxAmountPerTx.String(),
		DailyLimit:       p.DailyLimit.String(),
		WeeklyLimit:      p.WeeklyLimit.String(),
		CreatedAt:        p.CreatedAt,
		ExpiresAt:        p.ExpiresAt,
		Unrestricted:     p.Unrestricted,
	}
	for _, t := range p.AllowedTargets {
		out.AllowedTargets = append(out.AllowedTargets, t.Hex())
	}
	for _, s := range p.AllowedSelectors {
		out.AllowedSelectors = append(out.AllowedSelectors, "0x"+common.Bytes2Hex(s[:]))
	}
	return out
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, errors.New("invalid amount: " + s)
	}
	return v, nil
}

func (h *Handler) encodePolicy(c *gin.Context) {
	var req agentPolicyJSON
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy body"})
		return
	}
	p, err := req.toPolicy()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"encoded": policy.EncodeAgentPolicyHex(p)})
}

func (h *Handler) decodePolicy(c *gin.Context) {
	var req struct {
		Encoded string `json:"encoded"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Encoded == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing encoded policy"})
		return
	}
	p, err := policy.DecodeAgentPolicyHex(req.Encoded)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, policyToJSON(p))
}

func (h *Handler) validatePolicy(c *gin.Context) {
	var req agentPolicyJSON
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy body"})
		return
	}
	p, err := req.toPolicy()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	violations := policy.ValidateAgentPolicy(p)
	if violations == nil {
		violations = []policy.Violation{}
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":      len(violations) == 0,
		"violations": violations,
	})
}
