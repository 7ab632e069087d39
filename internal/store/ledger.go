package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ledgerKeyFormat buckets spend per calendar day.
const ledgerKeyFormat = "2006-01-02"

// Ledger tracks the running billable spend per day in Redis, enforcing the
// configured daily ceiling before a paid batch starts.
type Ledger struct {
	rdb *redis.Client
}

// NewLedger wraps a Redis client.
func NewLedger(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb}
}

func ledgerKey(now time.Time) string {
	return "ingest:spend:" + now.UTC().Format(ledgerKeyFormat)
}

// Add records amount against today's bucket and returns the new total. The
// bucket expires after two days; the history of interest lives in the jobs
// table, not here.
func (l *Ledger) Add(ctx context.Context, amount float64, now time.Time) (float64, error) {
	key := ledgerKey(now)
	total, err := l.rdb.IncrByFloat(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("increment spend ledger: %w", err)
	}
	if err := l.rdb.Expire(ctx, key, 48*time.Hour).Err(); err != nil {
		return total, fmt.Errorf("set spend ledger expiry: %w", err)
	}
	return total, nil
}

// Total returns today's accumulated spend; a missing bucket is zero.
func (l *Ledger) Total(ctx context.Context, now time.Time) (float64, error) {
	val, err := l.rdb.Get(ctx, ledgerKey(now)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read spend ledger: %w", err)
	}
	total, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("parse spend ledger value %q: %w", val, err)
	}
	return total, nil
}
