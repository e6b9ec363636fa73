package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestRegistryEmpty(t *testing.T) {
	ready, statuses := NewRegistry(time.Second).CheckAll(context.Background())
	if !ready {
		t.Fatal("empty registry should be ready")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryCriticalFailure(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("database", true, func(context.Context) error { return errors.New("connection refused") })
	r.RegisterPinger("redis", false, pingerFunc(func(context.Context) error { return nil }))

	ready, statuses := r.CheckAll(context.Background())
	if ready {
		t.Fatal("failing critical check must make the registry unready")
	}
	if statuses[0].Name != "database" || statuses[0].Healthy || statuses[0].Detail != "connection refused" {
		t.Fatalf("unexpected database status: %+v", statuses[0])
	}
	if !statuses[1].Healthy {
		t.Fatalf("redis should be healthy: %+v", statuses[1])
	}
}

func TestRegistryNonCriticalFailureStaysReady(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("nats", false, func(context.Context) error { return errors.New("disconnected") })

	ready, statuses := r.CheckAll(context.Background())
	if !ready {
		t.Fatal("non-critical failure should not make the registry unready")
	}
	if statuses[0].Healthy {
		t.Fatal("nats should be reported unhealthy")
	}
}

func TestRegistryCheckTimeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	ready, _ := r.CheckAll(context.Background())
	if ready {
		t.Fatal("timed-out check should fail")
	}
	if time.Since(start) > time.Second {
		t.Fatal("check was not bounded by the timeout")
	}
}
