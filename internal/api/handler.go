// Package api exposes the payment core over HTTP. Handlers are thin:
// every decision is delegated to the policy, budget, agentkey, and x402
// packages, and no caller ever touches budget state directly.
package api

import (
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sigloop/agentpay/internal/agentkey"
	"github.com/sigloop/agentpay/internal/auth"
	"github.com/sigloop/agentpay/internal/budget"
	"github.com/sigloop/agentpay/internal/policy"
	"github.com/sigloop/agentpay/internal/x402"
)

// Agent pairs a session key with the budget tracker that gates its spend.
type Agent struct {
	ID      string
	Owner   string
	Key     *agentkey.SessionKey
	Tracker *budget.Tracker
}

// Handler wires up all API routes onto a Gin engine.
type Handler struct {
	rdb           *redis.Client
	builder       *x402.Builder
	defaultBudget policy.X402Budget
	keyTTL        time.Duration
	log           *zap.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

func NewHandler(rdb *redis.Client, builder *x402.Builder, defaultBudget policy.X402Budget, keyTTL time.Duration, log *zap.Logger) *Handler {
	return &Handler{
		rdb:           rdb,
		builder:       builder,
		defaultBudget: defaultBudget,
		keyTTL:        keyTTL,
		log:           log,
		agents:        make(map[string]*Agent),
	}
}

// Register mounts all routes. authMiddleware should already be applied
// to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/agents", h.createAgent)
	rg.GET("/agents", h.listAgents)
	rg.GET("/agents/:id", h.getAgent)
	rg.DELETE("/agents/:id", h.deleteAgent)
	rg.POST("/agents/:id/authorize", h.authorize)
	rg.POST("/agents/:id/rollback", h.rollback)
	rg.GET("/agents/:id/budget", h.remainingBudget)

	rg.POST("/x402/parse", h.parseHeader)

	rg.POST("/policy/encode", h.encodePolicy)
	rg.POST("/policy/decode", h.decodePolicy)
	rg.POST("/policy/validate", h.validatePolicy)
}

type createAgentRequest struct {
	// SessionKey re-attaches an existing agent from its serialized key,
	// resuming the ledger persisted under its address.
	SessionKey     string   `json:"sessionKey"`
	MaxPerRequest  string   `json:"maxPerRequest"`
	DailyBudget    string   `json:"dailyBudget"`
	TotalBudget    string   `json:"totalBudget"`
	AllowedDomains []string `json:"allowedDomains"`
}

type agentResponse struct {
	ID         string `json:"id"`
	Address    string `json:"address"`
	SessionKey string `json:"sessionKey"`
	CreatedAt  int64  `json:"createdAt"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// createAgent opens a budget ledger around a session key. Without a key
// in the request a fresh one is generated; with one, the agent is
// re-attached and its persisted ledger resumed. The agent ID is the
// key's address.
func (h *Handler) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	b, err := h.budgetFromRequest(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if violations := policy.ValidateX402Budget(b); len(violations) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid budget", "violations": violations})
		return
	}

	now := time.Now().Unix()
	var key *agentkey.SessionKey
	var tracker *budget.Tracker
	if req.SessionKey != "" {
		key, err = agentkey.Deserialize(req.SessionKey)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session key"})
			return
		}
		if key.IsExpired(now) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session key expired"})
			return
		}
		// A load failure must not fall through to SaveState below, or a
		// transient Redis error would reset the stored counters.
		state, err := budget.LoadState(c.Request.Context(), h.rdb, key.Address.Hex())
		if err != nil {
			h.log.Error("load budget state", zap.String("agent", key.Address.Hex()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if state != nil {
			tracker = budget.NewTrackerWithState(b, *state)
		} else {
			tracker = budget.NewTracker(b, now)
		}
	} else {
		key, err = agentkey.Generate(now, h.keyTTL)
		if err != nil {
			h.log.Error("generate session key", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		tracker = budget.NewTracker(b, now)
	}

	id := key.Address.Hex()
	agent := &Agent{
		ID:      id,
		Owner:   c.GetString(auth.ContextWalletKey),
		Key:     key,
		Tracker: tracker,
	}

	h.mu.Lock()
	h.agents[id] = agent
	h.mu.Unlock()

	if err := budget.SaveState(c.Request.Context(), h.rdb, id, tracker.Snapshot(now)); err != nil {
		h.log.Error("persist budget state", zap.String("agent", id), zap.Error(err))
	}

	h.log.Info("agent created",
		zap.String("agent", id),
		zap.Int64("expires_at", key.ExpiresAt),
	)
	c.JSON(http.StatusCreated, agentResponse{
		ID:         id,
		Address:    key.Address.Hex(),
		SessionKey: key.Serialize(),
		CreatedAt:  key.CreatedAt,
		ExpiresAt:  key.ExpiresAt,
	})
}

// authorizedAgent resolves the route agent and enforces that the calling
// wallet owns it and that the signed envelope names that same agent. The
// signature proves who the caller is; this check binds the request to
// the agent it acts on.
func (h *Handler) authorizedAgent(c *gin.Context) (*Agent, bool) {
	id := c.Param("id")
	agent, ok := h.lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent"})
		return nil, false
	}
	if !strings.EqualFold(agent.Owner, c.GetString(auth.ContextWalletKey)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, false
	}
	if !strings.EqualFold(c.GetString(auth.ContextAgentIDKey), id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "signed agent_id does not match route"})
		return nil, false
	}
	return agent, true
}

func (h *Handler) getAgent(c *gin.Context) {
	agent, ok := h.authorizedAgent(c)
	if !ok {
		return
	}
	now := time.Now().Unix()
	rem := agent.Tracker.Remaining(now)
	c.JSON(http.StatusOK, gin.H{
		"id":                  agent.ID,
		"address":             agent.Key.Address.Hex(),
		"active":              agent.Key.IsActive(now),
		"remainingSec":        int64(agent.Key.RemainingTime(now) / time.Second),
		"remainingPerRequest": rem.PerRequest.String(),
		"remainingDaily":      rem.Daily.String(),
		"remainingTotal":      rem.Total.String(),
	})
}

// authorize builds a signed payment header for one x402 requirement.
func (h *Handler) authorize(c *gin.Context) {
	agent, ok := h.authorizedAgent(c)
	if !ok {
		return
	}

	var req x402.PaymentRequirement
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment requirement"})
		return
	}

	now := time.Now().Unix()
	header, err := h.builder.BuildPaymentHeader(&req, agent.Tracker, agent.Key, now)
	if err != nil {
		h.rejectAuthorization(c, agent.ID, err)
		return
	}

	encoded, err := header.Encode()
	if err != nil {
		h.log.Error("encode payment header", zap.String("agent", agent.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	state := agent.Tracker.Snapshot(now)
	if len(state.Records) > 0 {
		last := state.Records[len(state.Records)-1]
		if err := budget.AppendRecord(c.Request.Context(), h.rdb, agent.ID, state, last); err != nil {
			h.log.Error("persist payment record", zap.String("agent", agent.ID), zap.Error(err))
		}
	}

	h.log.Info("payment authorized",
		zap.String("agent", agent.ID),
		zap.String("resource", req.Resource),
		zap.String("amount", header.Amount.String()),
	)
	c.JSON(http.StatusOK, gin.H{"header": encoded})
}

func (h *Handler) rejectAuthorization(c *gin.Context, agentID string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, budget.ErrDomainNotAllowed):
		status = http.StatusForbidden
	case errors.Is(err, budget.ErrAmountExceedsPerRequestLimit),
		errors.Is(err, budget.ErrDailyBudgetExceeded),
		errors.Is(err, budget.ErrTotalBudgetExceeded):
		status = x402.StatusPaymentRequired
	case errors.Is(err, x402.ErrSessionKeyExpired):
		status = http.StatusUnauthorized
	case errors.Is(err, x402.ErrPolicyViolation), errors.Is(err, x402.ErrUnsupportedScheme):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.log.Error("authorization failed", zap.String("agent", agentID), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// rollback releases the most recent reservation after a counter-party
// rejected the header.
func (h *Handler) rollback(c *gin.Context) {
	agent, ok := h.authorizedAgent(c)
	if !ok {
		return
	}
	if err := agent.Tracker.RollbackLastRecord(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	now := time.Now().Unix()
	if err := budget.SaveState(c.Request.Context(), h.rdb, agent.ID, agent.Tracker.Snapshot(now)); err != nil {
		h.log.Error("persist budget state", zap.String("agent", agent.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) remainingBudget(c *gin.Context) {
	agent, ok := h.authorizedAgent(c)
	if !ok {
		return
	}
	rem := agent.Tracker.Remaining(time.Now().Unix())
	c.JSON(http.StatusOK, gin.H{
		"perRequest": rem.PerRequest.String(),
		"daily":      rem.Daily.String(),
		"total":      rem.Total.String(),
	})
}

// deleteAgent detaches an agent and removes its persisted ledger.
func (h *Handler) deleteAgent(c *gin.Context) {
	agent, ok := h.authorizedAgent(c)
	if !ok {
		return
	}
	if err := budget.DeleteState(c.Request.Context(), h.rdb, agent.ID); err != nil {
		h.log.Error("delete budget state", zap.String("agent", agent.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.mu.Lock()
	delete(h.agents, agent.ID)
	h.mu.Unlock()

	h.log.Info("agent deleted", zap.String("agent", agent.ID))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// listAgents returns every agent ID with persisted budget state, attached
// or not.
func (h *Handler) listAgents(c *gin.Context) {
	ids, err := budget.ScanAgents(c.Request.Context(), h.rdb)
	if err != nil {
		h.log.Error("scan agents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": ids})
}

type parseHeaderRequest struct {
	Header string `json:"header"`
}

func (h *Handler) parseHeader(c *gin.Context) {
	var req parseHeaderRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Header == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing header"})
		return
	}
	header, err := x402.ParsePaymentHeader(req.Header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version":  header.Version,
		"scheme":   header.Scheme,
		"network":  header.Network,
		"resource": header.Resource,
		"amount":   header.Amount.String(),
		"payload":  header.Payload,
	})
}

func (h *Handler) lookup(id string) (*Agent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	agent, ok := h.agents[id]
	return agent, ok
}

func (h *Handler) budgetFromRequest(req createAgentRequest) (policy.X402Budget, error) {
	b := h.defaultBudget
	var err error
	if b.MaxPerRequest, err = overrideAmount(req.MaxPerRequest, b.MaxPerRequest); err != nil {
		return policy.X402Budget{}, err
	}
	if b.DailyBudget, err = overrideAmount(req.DailyBudget, b.DailyBudget); err != nil {
		return policy.X402Budget{}, err
	}
	if b.TotalBudget, err = overrideAmount(req.TotalBudget, b.TotalBudget); err != nil {
		return policy.X402Budget{}, err
	}
	if len(req.AllowedDomains) > 0 {
		b.AllowedDomains = req.AllowedDomains
	}
	return b, nil
}

func overrideAmount(s string, fallback *big.Int) (*big.Int, error) {
	if s == "" {
		return fallback, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, errors.New("invalid amount: " + s)
	}
	return v, nil
}
