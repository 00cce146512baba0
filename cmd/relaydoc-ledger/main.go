package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydoc/internal/config"
	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/agentworkforce/relaydoc/internal/ledger"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("relaydoc-ledger: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 && args[0] == "token" {
		return runToken(args[1:], stdout)
	}
	fs := flag.NewFlagSet("relaydoc-ledger", flag.ContinueOnError)
	configPath := fs.String("config", strings.TrimSpace(os.Getenv("RELAYDOC_CONFIG")), "config file path")
	addr := fs.String("addr", "", "listen address (overrides RELAYDOC_ADDR)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.LoadLedger(*configPath, log.Default())
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	metrics := ledger.NewMetrics()
	l, err := buildLedger(cfg, metrics, log.Default())
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	defer l.Close()

	handler := httpapi.NewServerWithConfig(l, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Metrics:         metrics,
		Logger:          log.Default(),
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("relaydoc ledger listening on %s (profile=%s)", cfg.Addr, l.Status().BackendProfile)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildLedger resolves the storage profile into backends and starts block
// production.
func buildLedger(cfg config.LedgerConfig, metrics *ledger.Metrics, logger ledger.Logger) (*ledger.Ledger, error) {
	stateDSN, queueDSN, err := cfg.StorageDSNs()
	if err != nil {
		return nil, err
	}
	stateBackend, err := ledger.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		return nil, err
	}
	queue, err := ledger.BuildTxQueueFromDSN(queueDSN, cfg.TxQueueSize)
	if err != nil {
		return nil, err
	}
	broadcaster, err := ledger.BuildBroadcasterFromDSN(cfg.BroadcasterDSN)
	if err != nil {
		return nil, err
	}
	return ledger.NewWithOptions(ledger.Options{
		StateBackend:       stateBackend,
		TxQueue:            queue,
		TxQueueSize:        cfg.TxQueueSize,
		Broadcaster:        broadcaster,
		Metrics:            metrics,
		BlockInterval:      cfg.BlockInterval,
		MaxTxPerBlock:      cfg.MaxTxPerBlock,
		MaxQueryRange:      cfg.MaxQueryRange,
		ReceiptCacheSize:   cfg.ReceiptCacheSize,
		DisableBoundsCheck: !cfg.StrictBounds,
		BackendProfile:     cfg.BackendProfile,
		Logger:             logger,
	})
}

func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("relaydoc-ledger token", flag.ContinueOnError)
	configPath := fs.String("config", strings.TrimSpace(os.Getenv("RELAYDOC_CONFIG")), "config file path")
	writer := fs.String("writer", "", "writer address recorded as the author of submitted operations")
	scopes := fs.String("scopes", httpapi.ScopeLedgerRead+","+httpapi.ScopeLedgerWrite, "comma separated scopes")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*writer) == "" {
		return errors.New("writer is required (-writer)")
	}
	cfg, err := config.LoadLedger(*configPath, log.Default())
	if err != nil {
		return err
	}
	token, err := httpapi.MintToken(cfg.JWTSecret, *writer, splitScopes(*scopes), *ttl, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func splitScopes(raw string) []string {
	var scopes []string
	for _, scope := range strings.Split(raw, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}
