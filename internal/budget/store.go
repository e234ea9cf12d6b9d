package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	stateKeyPrefix  = "x402:budget:"
	ledgerKeyPrefix = "x402:ledger:"
)

func stateKey(agentID string) string  { return stateKeyPrefix + agentID }
func ledgerKey(agentID string) string { return ledgerKeyPrefix + agentID }

// SaveState persists a ledger snapshot for one agent. Counters live in a
// hash; the append-only record list is stored separately so appends do
// not rewrite history.
func SaveState(ctx context.Context, rdb *redis.Client, agentID string, s State) error {
	if err := rdb.HSet(ctx, stateKey(agentID),
		"spent_today", s.SpentToday.String(),
		"spent_total", s.SpentTotal.String(),
		"window_start", s.WindowStart,
	).Err(); err != nil {
		return fmt.Errorf("save budget state: %w", err)
	}

	lkey := ledgerKey(agentID)
	if err := rdb.Del(ctx, lkey).Err(); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	for _, r := range s.Records {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal payment record: %w", err)
		}
		if err := rdb.RPush(ctx, lkey, string(raw)).Err(); err != nil {
			return fmt.Errorf("push payment record: %w", err)
		}
	}
	return nil
}

// LoadState rehydrates an agent's ledger. Returns nil if no state exists.
func LoadState(ctx context.Context, rdb *redis.Client, agentID string) (*State, error) {
	vals, err := rdb.HGetAll(ctx, stateKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load budget state: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	s, err := stateFromMap(vals)
	if err != nil {
		return nil, err
	}

	rawRecords, err := rdb.LRange(ctx, ledgerKey(agentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	for _, raw := range rawRecords {
		var r PaymentRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal payment record: %w", err)
		}
		s.Records = append(s.Records, r)
	}
	return s, nil
}

// AppendRecord persists a single successful debit: counters are updated
// and the record appended, without rewriting the ledger list.
func AppendRecord(ctx context.Context, rdb *redis.Client, agentID string, s State, r PaymentRecord) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal payment record: %w", err)
	}
	if err := rdb.HSet(ctx, stateKey(agentID),
		"spent_today", s.SpentToday.String(),
		"spent_total", s.SpentTotal.String(),
		"window_start", s.WindowStart,
	).Err(); err != nil {
		return fmt.Errorf("update budget state: %w", err)
	}
	if err := rdb.RPush(ctx, ledgerKey(agentID), string(raw)).Err(); err != nil {
		return fmt.Errorf("append payment record: %w", err)
	}
	return nil
}

// DeleteState removes an agent's persisted ledger.
func DeleteState(ctx context.Context, rdb *redis.Client, agentID string) error {
	if err := rdb.Del(ctx, stateKey(agentID), ledgerKey(agentID)).Err(); err != nil {
		return fmt.Errorf("delete budget state: %w", err)
	}
	return nil
}

// ScanAgents returns the IDs of every agent with persisted budget state.
func ScanAgents(ctx context.Context, rdb *redis.Client) ([]string, error) {
	var agents []string
	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, stateKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan budget states: %w", err)
		}
		for _, key := range keys {
			agents = append(agents, key[len(stateKeyPrefix):])
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return agents, nil
}

func stateFromMap(m map[string]string) (*State, error) {
	spentToday, ok := new(big.Int).SetString(m["spent_today"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt budget state: spent_today %q", m["spent_today"])
	}
	spentTotal, ok := new(big.Int).SetString(m["spent_total"], 10)
	if !ok {
		return nil, fmt.Errorf("corrupt budget state: spent_total %q", m["spent_total"])
	}
	windowStart, err := strconv.ParseInt(m["window_start"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt budget state: window_start %q", m["window_start"])
	}
	return &State{
		SpentToday:  spentToday,
		SpentTotal:  spentTotal,
		WindowStart: windowStart,
	}, nil
}
