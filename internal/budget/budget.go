// Package budget implements admission control and post-hoc accounting
// against a per-project token budget stored in Redis.
//
// Two string keys exist per project, holding a decimal integer in ASCII:
//
//	budget:{P}:remaining — tokens available; absence means zero (fail-closed)
//	usage:{P}:total      — monotone non-decreasing consumption counter
//
// Check is a plain GET bounded by a short timeout; a timeout is treated as a
// denial, never a panic or an unbounded block. Record decrements remaining
// and increments usage in a single pipelined batch so a concurrent reader
// observes either both updates or neither — the same atomicity guarantee
// the teacher's rate limiter gets from a Lua script, but here a pipeline
// suffices since the two operations don't need to read-then-write.
package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCheckTimeout = 500 * time.Millisecond
	budgetKeyPrefix     = "budget:"
	budgetKeySuffix     = ":remaining"
	usageKeyPrefix      = "usage:"
	usageKeySuffix      = ":total"
)

// Manager checks and records per-project token budgets against Redis.
type Manager struct {
	rdb          *redis.Client
	checkTimeout time.Duration
}

// New wraps an already-connected Redis client. The caller owns the client's
// lifecycle (creation and Close) — Manager never closes it.
func New(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb, checkTimeout: defaultCheckTimeout}
}

func budgetKey(projectID string) string { return budgetKeyPrefix + projectID + budgetKeySuffix }
func usageKey(projectID string) string  { return usageKeyPrefix + projectID + usageKeySuffix }

// Check reports whether projectID has at least estimate tokens remaining.
// Absence of the budget key is treated as remaining=0 (fail-closed). A Redis
// timeout or error is also treated as a denial — admission never blocks the
// caller indefinitely and never fails open.
func (m *Manager) Check(ctx context.Context, projectID string, estimate int64) bool {
	ctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	val, err := m.rdb.Get(ctx, budgetKey(projectID)).Result()
	if err != nil {
		// redis.Nil (key absent) and any other error both fail closed.
		return false
	}

	remaining, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false
	}

	return remaining >= estimate
}

// Record atomically decrements remaining and increments total by actual for
// projectID. Both updates are issued in one pipelined batch. This operation
// is unconditional — it never fails admission after the fact, even if it
// drives remaining negative; overruns beyond the estimate are absorbed here,
// not rejected.
func (m *Manager) Record(ctx context.Context, projectID string, actual int64) error {
	if actual == 0 {
		return nil
	}

	pipe := m.rdb.TxPipeline()
	pipe.DecrBy(ctx, budgetKey(projectID), actual)
	pipe.IncrBy(ctx, usageKey(projectID), actual)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("budget: record pipeline: %w", err)
	}
	return nil
}
