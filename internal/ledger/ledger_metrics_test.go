package ledger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/safedeal/safedeal/internal/metrics"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return m.Counter.GetValue()
}

func plainCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return m.Counter.GetValue()
}

func TestLock_IncrementsEntryCounter(t *testing.T) {
	metrics.LedgerEntriesTotal.Reset()

	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store)

	if err := l.Deposit(ctx, "cus_aaaaaaaaaaaaaaaaaaaaaaaa", 1_000, "dep-m1"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.Lock(ctx, "cus_aaaaaaaaaaaaaaaaaaaaaaaa", 500, "txn-m1"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	if got := counterValue(t, metrics.LedgerEntriesTotal, string(EntryEscrowLock)); got != 1.0 {
		t.Errorf("expected 1 escrow_lock entry counted, got %f", got)
	}
	if got := counterValue(t, metrics.LedgerEntriesTotal, string(EntryDeposit)); got != 1.0 {
		t.Errorf("expected 1 deposit entry counted, got %f", got)
	}
}

func TestUnlockExceedsLocked_CountsInvariantViolation(t *testing.T) {
	before := plainCounterValue(t, metrics.LedgerInvariantViolationsTotal)

	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store)

	if err := l.Deposit(ctx, "cus_bbbbbbbbbbbbbbbbbbbbbbbb", 1_000, "dep-m2"); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := l.Lock(ctx, "cus_bbbbbbbbbbbbbbbbbbbbbbbb", 300, "txn-m2"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := l.Unlock(ctx, "cus_bbbbbbbbbbbbbbbbbbbbbbbb", 400, "txn-m2"); err == nil {
		t.Fatal("expected unlock beyond locked funds to fail")
	}

	after := plainCounterValue(t, metrics.LedgerInvariantViolationsTotal)
	if after != before+1 {
		t.Errorf("expected invariant violation counter to increase by 1, got %f -> %f", before, after)
	}
}

func TestLedgerMetrics_Registered(t *testing.T) {
	gathered, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := make(map[string]bool)
	for _, mf := range gathered {
		found[mf.GetName()] = true
	}

	for _, name := range []string{
		"safedeal_ledger_entries_total",
		"safedeal_ledger_invariant_violations_total",
	} {
		if !found[name] {
			t.Logf("metric %s not yet gathered (no data written)", name)
		}
	}
}
