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
	"github.com/agentworkforce/relaydoc/internal/docsync"
	"github.com/agentworkforce/relaydoc/internal/mirror"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, log.Default()); err != nil {
		log.Fatalf("relaydoc-sync: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, logger *log.Logger) error {
	fs := flag.NewFlagSet("relaydoc-sync", flag.ContinueOnError)
	configPath := fs.String("config", strings.TrimSpace(os.Getenv("RELAYDOC_CONFIG")), "config file path")
	baseURL := fs.String("base-url", "", "ledger base URL (overrides RELAYDOC_BASE_URL)")
	token := fs.String("token", "", "bearer token (overrides RELAYDOC_TOKEN)")
	file := fs.String("file", "", "local mirror file (overrides RELAYDOC_FILE)")
	once := fs.Bool("once", false, "replay the document, print it and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.LoadSync(*configPath, logger)
	if err != nil {
		return err
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *file != "" {
		cfg.File = *file
	}
	if cfg.Token == "" {
		return errors.New("token is required (-token or RELAYDOC_TOKEN)")
	}
	identity, err := docsync.TokenIdentity(cfg.Token)
	if err != nil {
		return err
	}
	client := docsync.NewHTTPClientWithOptions(cfg.BaseURL, cfg.Token, &http.Client{Timeout: cfg.RequestTimeout}, docsync.ClientOptions{
		Logger: logger,
	})
	replay := docsync.ReplayOptions{
		FallbackWindow: cfg.ReplayFallbackWindow,
		Logger:         logger,
	}

	if *once {
		result, err := docsync.NewReplayer(client, replay).Replay(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(stdout, result.Document)
		return err
	}

	if cfg.File == "" {
		return errors.New("file is required (-file or RELAYDOC_FILE)")
	}
	m, err := mirror.Open(cfg.File, mirror.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer m.Close()
	logger.Printf("relaydoc sync mirroring %s as %s via %s", m.Path(), identity.Address(), cfg.BaseURL)

	runSession := func(ctx context.Context) error {
		session, err := docsync.NewSession(docsync.SessionOptions{
			Identity:          identity,
			Source:            client,
			Subscriber:        client,
			Gateway:           client,
			Presenter:         m,
			Logger:            logger,
			Replay:            replay,
			BatchWindow:       cfg.BatchWindow,
			MaxChunkRunes:     cfg.MaxChunkRunes,
			MinSubmitInterval: cfg.MinSubmitInterval,
			ConfirmTimeout:    cfg.ConfirmTimeout,
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		return mirrorSession(ctx, session, m)
	}
	return supervise(ctx, runSession, cfg.ReconnectMinDelay, cfg.ReconnectMaxDelay, logger)
}

// mirrorSession runs one session and feeds file edits into it once history
// has been loaded. It returns when either side stops.
func mirrorSession(ctx context.Context, session *docsync.Session, m *mirror.FileMirror) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return session.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-session.Ready():
		case <-gctx.Done():
			return gctx.Err()
		}
		return m.Watch(gctx, session.OnLocalEdit)
	})
	return g.Wait()
}

// supervise restarts runSession with exponential backoff until ctx is done
// or runSession fails permanently. A session that stayed up longer than
// maxDelay resets the backoff.
func supervise(ctx context.Context, runSession func(context.Context) error, minDelay, maxDelay time.Duration, logger *log.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minDelay
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	for {
		started := time.Now()
		err := runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		if time.Since(started) > maxDelay {
			b.Reset()
		}
		delay := b.NextBackOff()
		logger.Printf("session ended: %v; reconnecting in %s", err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
