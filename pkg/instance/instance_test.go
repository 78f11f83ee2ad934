package instance

import "testing"

func TestGetIDPrefersEnv(t *testing.T) {
	t.Setenv("HOOKRELAY_WORKER_ID", "relay-7")
	if got := GetID(); got != "relay-7" {
		t.Fatalf("expected relay-7, got %s", got)
	}
}

func TestGetIDFallsBack(t *testing.T) {
	t.Setenv("HOOKRELAY_WORKER_ID", "")
	if got := GetID(); got == "" {
		t.Fatal("expected non-empty fallback id")
	}
}

func TestGetIDUsesDyno(t *testing.T) {
	t.Setenv("HOOKRELAY_WORKER_ID", "")
	t.Setenv("WORKER_ID", "")
	t.Setenv("DYNO", "worker.1")
	if got := GetID(); got != "worker.1" {
		t.Fatalf("expected dyno name, got %s", got)
	}
}
