package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/taskd/internal/api"
	"github.com/CZERTAINLY/taskd/internal/catalog"
	"github.com/CZERTAINLY/taskd/internal/history"
	"github.com/CZERTAINLY/taskd/internal/log"
	"github.com/CZERTAINLY/taskd/internal/registry"
	"github.com/CZERTAINLY/taskd/internal/service"
	"github.com/CZERTAINLY/taskd/internal/telemetry"
)

// shutdownSlack is added to the runner grace period when waiting for tasks
// and connections on shutdown.
const shutdownSlack = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the HTTP API and executes submitted tasks",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("taskd",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	shutdownTracer, err := telemetry.InitTracer(ctx, config.Tracing.Endpoint)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	cat, err := catalog.Load(config.Catalog)
	if err != nil {
		return err
	}

	hist, err := history.Open(ctx, config.History)
	if err != nil {
		return err
	}
	var opts []service.Option
	if hist != nil {
		defer func() {
			if err := hist.Close(); err != nil {
				slog.WarnContext(ctx, "closing history store", "error", err)
			}
		}()
		opts = append(opts, service.WithHistory(hist))
	}

	reg := registry.New()
	dispatcher := service.NewDispatcher(config.Runner, cat, reg, opts...)
	evictor, err := service.NewEvictor(config, reg, hist)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", config.Listen, err)
	}
	srv := &http.Server{
		Handler:           api.NewRouter(dispatcher, slog.Default()),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return evictor.Do(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), config.Runner.Grace+shutdownSlack)
		defer cancel()
		// running tasks first, so their final status is still served
		return errors.Join(
			dispatcher.Close(shutdownCtx),
			srv.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}
