// Package main tests for dev server setup and routing.
package main

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
	"github.com/kimhsiao/nourish/backend/internal/sync/remote"
)

func TestMain_RouteSetup(t *testing.T) {
	logging.SetGlobal(logging.New(io.Discard, logging.LevelError))
	defer logging.SetGlobal(nil)

	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, serverOptions{Addr: "127.0.0.1:0", Backend: "memory"}, func(addr string) {
			addrCh <- addr
		})
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("serve() exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	base := "http://" + addr

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", resp.StatusCode)
	}

	// the served API works end to end through the HTTP gateway
	gw := remote.NewHTTPGateway(base, nil)
	if _, err := gw.Transact(ctx, "u1", models.KindWeightEntry, "w1", func(*remote.Document) (*remote.Document, error) {
		return &remote.Document{Data: []byte(`{"weight":"70"}`), ClientTS: 1}, nil
	}); err != nil {
		t.Fatalf("Transact() failed: %v", err)
	}
	docs, err := gw.ListRange(ctx, "u1", models.KindWeightEntry, 0)
	if err != nil {
		t.Fatalf("ListRange() failed: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("ListRange() returned %d documents, want 1", len(docs))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	backend, closeFn, err := openBackend(ctx, serverOptions{Backend: "memory"})
	if err != nil {
		t.Fatalf("openBackend(memory) failed: %v", err)
	}
	if _, ok := backend.(*remote.MemoryGateway); !ok {
		t.Errorf("backend = %T, want *remote.MemoryGateway", backend)
	}
	if err := closeFn(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if _, _, err := openBackend(ctx, serverOptions{Backend: "mongo"}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("openBackend(mongo) error = %v, want INVALID_INPUT", err)
	}
}

func TestServe_badAddress(t *testing.T) {
	logging.SetGlobal(logging.New(io.Discard, logging.LevelError))
	defer logging.SetGlobal(nil)

	if err := serve(context.Background(), serverOptions{Addr: "256.0.0.1:99999", Backend: "memory"}, nil); err == nil {
		t.Error("serve() with a bad address should fail")
	}
}

func TestNewServeCmd_flags(t *testing.T) {
	cmd := newServeCmd()
	for _, name := range []string{"addr", "backend", "redis-addr", "redis-prefix", "log-level"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("flag --%s not registered", name)
		}
	}
	if got := cmd.Flags().Lookup("addr").DefValue; got != ":8090" {
		t.Errorf("--addr default = %q, want :8090", got)
	}
}
