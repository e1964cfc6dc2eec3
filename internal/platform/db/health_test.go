package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestRunChecks(t *testing.T) {
	checks := []Check{
		{Name: "redis", Probe: func(ctx context.Context) error { return nil }},
		{Name: "amqp", Probe: func(ctx context.Context) error { return errors.New("connection refused") }},
	}
	out := runChecks(context.Background(), checks)
	if out["redis"] != "ok" {
		t.Errorf("expected redis ok, got %q", out["redis"])
	}
	if out["amqp"] != "connection refused" {
		t.Errorf("expected amqp error, got %q", out["amqp"])
	}
}

func TestRunChecks_None(t *testing.T) {
	if out := runChecks(context.Background(), nil); len(out) != 0 {
		t.Errorf("expected no results, got %v", out)
	}
}

func TestPoolStats_JSONTags(t *testing.T) {
	stats := PoolStats{TotalConns: 3, MaxConns: 20, AcquireDuration: "250ms", Healthy: true}
	b, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "healthy"} {
		if _, ok := m[key]; !ok {
			t.Errorf("expected key %q in JSON", key)
		}
	}
}
