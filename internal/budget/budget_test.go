package budget_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/coreason-ai/egress-gateway/internal/budget"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr, func() {
		client.Close()
		mr.Close()
	}
}

func TestCheck_AbsentKeyFailsClosed(t *testing.T) {
	rdb, _, cleanup := newTestRedis(t)
	defer cleanup()

	m := budget.New(rdb)
	if m.Check(context.Background(), "proj_missing", 1) {
		t.Error("Check with absent budget key should be false (fail-closed)")
	}
}

func TestCheck_ExactRemainingAdmits(t *testing.T) {
	rdb, mr, cleanup := newTestRedis(t)
	defer cleanup()

	mr.Set("budget:proj_a:remaining", "50")
	m := budget.New(rdb)

	if !m.Check(context.Background(), "proj_a", 50) {
		t.Error("Check(remaining==estimate) should admit")
	}
}

func TestCheck_OneUnderRemainingDenies(t *testing.T) {
	rdb, mr, cleanup := newTestRedis(t)
	defer cleanup()

	mr.Set("budget:proj_b:remaining", "49")
	m := budget.New(rdb)

	if m.Check(context.Background(), "proj_b", 50) {
		t.Error("Check(remaining==estimate-1) should deny")
	}
}

func TestRecord_DecrementsBudgetAndIncrementsUsage(t *testing.T) {
	rdb, mr, cleanup := newTestRedis(t)
	defer cleanup()

	mr.Set("budget:proj_c:remaining", "1000")
	mr.Set("usage:proj_c:total", "0")
	m := budget.New(rdb)

	if err := m.Record(context.Background(), "proj_c", 12); err != nil {
		t.Fatalf("Record: %v", err)
	}

	remaining, _ := mr.Get("budget:proj_c:remaining")
	usage, _ := mr.Get("usage:proj_c:total")
	if remaining != "988" {
		t.Errorf("remaining = %q, want 988", remaining)
	}
	if usage != "12" {
		t.Errorf("usage = %q, want 12", usage)
	}
}

// TestRecord_UnconditionalOverrun verifies accounting still applies even
// when it drives remaining negative — admission is an estimate-based gate,
// Record is unconditional.
func TestRecord_UnconditionalOverrun(t *testing.T) {
	rdb, mr, cleanup := newTestRedis(t)
	defer cleanup()

	mr.Set("budget:proj_d:remaining", "5")
	m := budget.New(rdb)

	if err := m.Record(context.Background(), "proj_d", 100); err != nil {
		t.Fatalf("Record: %v", err)
	}

	remaining, _ := mr.Get("budget:proj_d:remaining")
	if remaining != "-95" {
		t.Errorf("remaining = %q, want -95", remaining)
	}
}

func TestRecord_ZeroIsNoOp(t *testing.T) {
	rdb, mr, cleanup := newTestRedis(t)
	defer cleanup()

	mr.Set("usage:proj_e:total", "3")
	m := budget.New(rdb)

	if err := m.Record(context.Background(), "proj_e", 0); err != nil {
		t.Fatalf("Record: %v", err)
	}

	usage, _ := mr.Get("usage:proj_e:total")
	if usage != "3" {
		t.Errorf("usage = %q, want unchanged 3", usage)
	}
}
