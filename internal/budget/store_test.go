package budget

import (
	"context"
	"math/big"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func testState() State {
	return State{
		SpentToday:  big.NewInt(500_000),
		SpentTotal:  big.NewInt(2_500_000),
		WindowStart: t0,
		Records: []PaymentRecord{
			{Amount: big.NewInt(2_000_000), Resource: "https://api.example.com/a", Timestamp: t0 - 90_000},
			{Amount: big.NewInt(500_000), Resource: "https://api.example.com/b", Timestamp: t0 + 60},
		},
	}
}

const testAgentID = "0xAbCd000000000000000000000000000000000001"

// ── SaveState / LoadState ────────────────────────────────────────────────────

func TestSaveLoadState(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	want := testState()

	if err := SaveState(ctx, rdb, testAgentID, want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	got, err := LoadState(ctx, rdb, testAgentID)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got == nil {
		t.Fatal("expected state, got nil")
	}

	if got.SpentToday.Cmp(want.SpentToday) != 0 {
		t.Errorf("SpentToday: got %s want %s", got.SpentToday, want.SpentToday)
	}
	if got.SpentTotal.Cmp(want.SpentTotal) != 0 {
		t.Errorf("SpentTotal: got %s want %s", got.SpentTotal, want.SpentTotal)
	}
	if got.WindowStart != want.WindowStart {
		t.Errorf("WindowStart: got %d want %d", got.WindowStart, want.WindowStart)
	}
	if len(got.Records) != len(want.Records) {
		t.Fatalf("records: got %d want %d", len(got.Records), len(want.Records))
	}
	for i := range want.Records {
		if got.Records[i].Amount.Cmp(want.Records[i].Amount) != 0 ||
			got.Records[i].Resource != want.Records[i].Resource ||
			got.Records[i].Timestamp != want.Records[i].Timestamp {
			t.Errorf("record %d: got %+v want %+v", i, got.Records[i], want.Records[i])
		}
	}
}

func TestLoadState_NotFound(t *testing.T) {
	rdb := newTestRedis(t)
	got, err := LoadState(context.Background(), rdb, "0xmissing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

// ── AppendRecord ─────────────────────────────────────────────────────────────

func TestAppendRecord(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	s := testState()
	if err := SaveState(ctx, rdb, testAgentID, s); err != nil {
		t.Fatal(err)
	}

	r := PaymentRecord{Amount: big.NewInt(100_000), Resource: "https://api.example.com/c", Timestamp: t0 + 120}
	s.SpentToday = new(big.Int).Add(s.SpentToday, r.Amount)
	s.SpentTotal = new(big.Int).Add(s.SpentTotal, r.Amount)
	s.Records = append(s.Records, r)

	if err := AppendRecord(ctx, rdb, testAgentID, s, r); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}

	got, err := LoadState(ctx, rdb, testAgentID)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got.SpentToday.Int64() != 600_000 {
		t.Errorf("SpentToday: got %s want 600000", got.SpentToday)
	}
	if len(got.Records) != 3 {
		t.Fatalf("records: got %d want 3", len(got.Records))
	}
	if got.Records[2].Resource != r.Resource {
		t.Errorf("appended record resource: got %q", got.Records[2].Resource)
	}
}

// ── DeleteState ──────────────────────────────────────────────────────────────

func TestDeleteState(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	if err := SaveState(ctx, rdb, testAgentID, testState()); err != nil {
		t.Fatal(err)
	}

	if err := DeleteState(ctx, rdb, testAgentID); err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	got, err := LoadState(ctx, rdb, testAgentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil after delete")
	}
}

// ── ScanAgents ───────────────────────────────────────────────────────────────

func TestScanAgents(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	ids := []string{"0xagent1", "0xagent2", "0xagent3"}
	for _, id := range ids {
		if err := SaveState(ctx, rdb, id, testState()); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ScanAgents(ctx, rdb)
	if err != nil {
		t.Fatalf("ScanAgents: %v", err)
	}
	sort.Strings(got)
	if len(got) != len(ids) {
		t.Fatalf("agents: got %v want %v", got, ids)
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("agent %d: got %q want %q", i, got[i], ids[i])
		}
	}
}
