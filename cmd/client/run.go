package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"ttun/internal/client"
	"ttun/internal/config"
	"ttun/internal/eventbus"
	"ttun/internal/inspect"
	"ttun/internal/logstore"
	"ttun/internal/metrics/prom"
	"ttun/internal/tunnel"
)

// exchangeLogSize bounds the /api/requests log.
const exchangeLogSize = 500

func run(ctx context.Context, opts config.Options, stdout io.Writer) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opts.LogLevel}))

	reg := prom.NewRegistry()
	observer := prom.NewObserver(reg)
	bus := eventbus.New(eventbus.WithDropHook(observer.EventDropped))

	sink, err := openSink(opts.LogStore)
	if err != nil {
		return err
	}
	defer sink.Close()

	c, err := client.New(client.Options{
		Server:       opts.Server,
		Subdomain:    opts.Subdomain,
		Version:      version,
		Origin:       opts.Origin(),
		ExtraHeaders: opts.Headers,
		Bus:          bus,
		Observer:     observer,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second}
	if err := connect(ctx, c, b, opts.Reconnect, logger); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	srv := inspect.New(inspect.Options{
		Host:      opts.InspectHost,
		Port:      opts.InspectPort,
		Bus:       bus,
		Config:    c,
		Resender:  c,
		Exchanges: sink,
		Metrics:   prom.Handler(reg),
		Logger:    logger,
		OnStarted: func(port int) {
			fmt.Fprintf(stdout, "Tunnel created:\n%s -> %s\n\nInspect requests:\nhttp://localhost:%d\n", c.Config().URL, c.Origin(), port)
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return logstore.NewRecorder(bus, sink, logger).Run(gctx) })
	g.Go(func() error {
		for {
			err := c.Run(gctx)
			if err == nil || !opts.Reconnect {
				return err
			}
			logger.Warn("tunnel lost", "error", err)
			if err := connect(gctx, c, b, true, logger); err != nil {
				return err
			}
			if gctx.Err() != nil {
				return nil
			}
		}
	})
	return g.Wait()
}

// connect retries with backoff while retry is set and the failure is a
// connection error.
func connect(ctx context.Context, c *client.Client, b *backoff.Backoff, retry bool, logger *slog.Logger) error {
	for {
		_, err := c.Connect(ctx)
		if err == nil {
			b.Reset()
			return nil
		}
		if !retry || !errors.Is(err, tunnel.ErrConnection) {
			return err
		}
		d := b.Duration()
		logger.Warn("connection failed", "error", err, "attempt", int(b.Attempt()), "retry_in", d)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

func openSink(kind string) (logstore.Sink, error) {
	if kind == config.LogStoreSQLite {
		return logstore.NewSQLite(":memory:", exchangeLogSize)
	}
	return logstore.New(exchangeLogSize), nil
}
