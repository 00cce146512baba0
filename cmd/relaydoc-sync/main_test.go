package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/agentworkforce/relaydoc/internal/ledger"
	"github.com/cenkalti/backoff/v4"
)

func TestSuperviseRestartsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	runSession := func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}
	if err := supervise(ctx, runSession, time.Millisecond, 5*time.Millisecond, discardLogger()); err != nil {
		t.Fatalf("expected nil after cancellation, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 session attempts, got %d", calls.Load())
	}
}

func TestSuperviseStopsOnPermanentError(t *testing.T) {
	boom := errors.New("bad identity")
	err := supervise(context.Background(), func(context.Context) error {
		return backoff.Permanent(boom)
	}, time.Millisecond, time.Millisecond, discardLogger())
	if !errors.Is(err, boom) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestRunRequiresToken(t *testing.T) {
	t.Setenv("RELAYDOC_TOKEN", "")
	if err := run(context.Background(), []string{"-once"}, io.Discard, discardLogger()); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestRunOncePrintsReplayedDocument(t *testing.T) {
	l, srv := startLedger(t, ledger.Options{DisableProducer: true})
	for _, req := range []ledger.SubmitRequest{
		{From: "0xAlice", Function: ledger.FunctionInsertText, Text: "Hello"},
		{From: "0xBob", Function: ledger.FunctionInsertText, Position: 5, Text: " World"},
		{From: "0xAlice", Function: ledger.FunctionDeleteText, Position: 0, Length: 6},
	} {
		if _, err := l.Submit(req); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if _, err := l.SealBlock(context.Background()); err != nil {
			t.Fatalf("seal: %v", err)
		}
	}

	var out bytes.Buffer
	args := []string{"-once", "-base-url", srv.URL, "-token", mustToken(t, "0xCarol")}
	if err := run(context.Background(), args, &out, discardLogger()); err != nil {
		t.Fatalf("run -once: %v", err)
	}
	if out.String() != "World" {
		t.Fatalf("expected World, got %q", out.String())
	}
}

func TestRunMirrorsFileBothWays(t *testing.T) {
	l, srv := startLedger(t, ledger.Options{BlockInterval: 20 * time.Millisecond})
	if _, err := l.Submit(ledger.SubmitRequest{From: "0xAlice", Function: ledger.FunctionInsertText, Text: "Hello"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "seed to seal", func() bool { return l.Document() == "Hello" })

	t.Setenv("RELAYDOC_BATCH_WINDOW", "10ms")
	path := filepath.Join(t.TempDir(), "doc.txt")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-base-url", srv.URL, "-token", mustToken(t, "0xBob"), "-file", path}, io.Discard, discardLogger())
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("sync daemon did not stop")
		}
	}()

	waitFor(t, "mirror to show replayed document", func() bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) == "Hello"
	})

	if err := os.WriteFile(path, []byte("Hello!"), 0o644); err != nil {
		t.Fatalf("user edit: %v", err)
	}
	waitFor(t, "local edit to reach the ledger", func() bool { return l.Document() == "Hello!" })

	if _, err := l.Submit(ledger.SubmitRequest{From: "0xAlice", Function: ledger.FunctionInsertText, Position: 0, Text: ">> "}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "remote edit to reach the mirror", func() bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) == ">> Hello!"
	})
}

func startLedger(t *testing.T, opts ledger.Options) (*ledger.Ledger, *httptest.Server) {
	t.Helper()
	l, err := ledger.NewWithOptions(opts)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewServerWithConfig(l, httpapi.ServerConfig{JWTSecret: "sync-secret"}))
	t.Cleanup(func() {
		srv.Close()
		l.Close()
	})
	return l, srv
}

func mustToken(t *testing.T, writer string) string {
	t.Helper()
	token, err := httpapi.MintToken("sync-secret", writer, []string{httpapi.ScopeLedgerRead, httpapi.ScopeLedgerWrite}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
