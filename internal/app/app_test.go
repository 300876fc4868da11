package app

import (
	"context"
	"testing"
	"time"
)

func TestNew_InMemoryMode(t *testing.T) {
	cfg := LoadConfig()
	cfg.DatabaseURL = ""
	cfg.HTTPAddr = "127.0.0.1:0"

	a, err := New(cfg, NewLogger("error"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.dbEnabled {
		t.Fatalf("no database url must select the in-memory store")
	}
	if a.ws == nil || a.api == nil || a.svc == nil {
		t.Fatalf("wiring incomplete: %+v", a)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := LoadConfig()
	cfg.DatabaseURL = ""
	cfg.HTTPAddr = "127.0.0.1:0"

	a, err := New(cfg, NewLogger("error"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
}
