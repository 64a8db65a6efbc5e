package health

import (
	"context"
	"testing"
)

func TestRegistry_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("ledger", func(ctx context.Context) Status {
		return Status{Name: "ledger", Healthy: true}
	})
	r.Register("escrow", func(ctx context.Context) Status {
		return Status{Name: "escrow", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("expected aggregate healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistry_OneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(ctx context.Context) Status {
		return Status{Name: "db", Healthy: false, Detail: "connection refused"}
	})
	r.Register("escrow", func(ctx context.Context) Status {
		return Status{Name: "escrow", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("expected aggregate unhealthy")
	}
	if statuses[0].Detail != "connection refused" {
		t.Errorf("expected detail to be preserved, got %q", statuses[0].Detail)
	}
}

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("empty registry should report healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("expected no statuses, got %d", len(statuses))
	}
}
