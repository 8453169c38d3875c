package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/sapa/internal/conversation"
	"github.com/Veraticus/sapa/internal/events"
	"github.com/Veraticus/sapa/internal/httpapi"
	"github.com/Veraticus/sapa/internal/matcher"
	"github.com/Veraticus/sapa/internal/metrics"
	"github.com/Veraticus/sapa/internal/queue"
	signalpkg "github.com/Veraticus/sapa/internal/signal"
	"github.com/Veraticus/sapa/internal/storage"
)

const (
	// shutdownTimeout bounds how long queued messages may keep running after
	// the transport is gone. Their replies fail, but session changes and
	// received details are still recorded.
	shutdownTimeout = 30 * time.Second

	// abandonTimeout bounds the wait for cancelled tasks once draining
	// timed out.
	abandonTimeout = 5 * time.Second
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and its status server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

// components holds everything serve starts and must tear down.
type components struct {
	store      *storage.Store
	bus        *events.Bus
	dispatcher *queue.Dispatcher
	machine    *conversation.Machine
	handler    *signalpkg.Handler
	server     *httpapi.Server
}

func (a *app) serve(ctx context.Context) error {
	a.logger.InfoContext(ctx, "sapa starting", slog.String("version", version))

	c, err := a.initializeComponents(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.handler.Start(gctx)
	})
	g.Go(func() error {
		return c.server.Serve(gctx, a.cfg.HTTP.Addr)
	})

	a.logger.InfoContext(ctx, "sapa started, listening for messages",
		slog.String("http_addr", a.cfg.HTTP.Addr))
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, c.shutdown(shutdownCtx, a.logger))
}

func (a *app) initializeComponents(ctx context.Context) (*components, error) {
	cfg := a.cfg
	logger := a.logger

	account, err := cfg.Signal.ResolveAccount()
	if err != nil {
		return nil, fmt.Errorf("resolve signal account: %w", err)
	}
	logger.InfoContext(ctx, "using bot account", slog.String("account", account))

	loc, err := time.LoadLocation(cfg.Session.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}

	bus, err := events.NewBus(events.Settings{
		Backend:   cfg.Events.Backend,
		RedisAddr: cfg.Events.RedisAddr,
		Topic:     cfg.Events.Topic,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create event bus: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewMetrics(reg)
	sink := events.Multi(bus, m)

	dispatcher := queue.NewDispatcher(ctx,
		queue.WithMaxConcurrent(cfg.Queue.MaxConcurrent),
		queue.WithLogger(logger),
		queue.WithPanicHandler(queue.NewMetricsPanicHandler(queue.NewDefaultPanicHandler(logger), m.IncPanic)),
	)

	conn := signalpkg.NewConnection(
		signalpkg.UnixDialer(cfg.Signal.Socket, account, logger),
		signalpkg.WithConnectionLogger(logger),
		signalpkg.WithConnectionEvents(sink),
		signalpkg.WithSelfNumber(account),
		signalpkg.WithHealthInterval(cfg.Signal.HealthInterval),
		signalpkg.WithMaxBackoff(cfg.Signal.MaxBackoff),
		signalpkg.WithCallTimeout(cfg.Signal.CallTimeout),
	)

	machine := conversation.NewMachine(conn, store,
		conversation.WithLogger(logger),
		conversation.WithMatcher(matcher.New(
			matcher.WithMaxDistance(cfg.Session.MaxDistance),
			matcher.WithWordWindows(cfg.Session.WordWindows),
		)),
		conversation.WithExecutor(dispatcher),
		conversation.WithEvents(sink),
		conversation.WithDeliveryRecorder(m),
		conversation.WithIdleWindow(cfg.Session.IdleWindow),
		conversation.WithLocation(loc),
		conversation.WithGreetingTrigger(cfg.Session.GreetingTrigger),
		conversation.WithStopCommands(cfg.Session.StopCommands...),
	)

	handler, err := signalpkg.NewHandler(conn, machine, dispatcher,
		signalpkg.WithLogger(logger),
		signalpkg.WithEvents(sink),
		signalpkg.WithObserver(m),
	)
	if err != nil {
		machine.Stop()
		_ = bus.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to create signal handler: %w", err)
	}

	server := httpapi.New(conn, machine.Store(), bus,
		httpapi.WithLogger(logger),
		httpapi.WithGatherer(reg),
		httpapi.WithAllowedOrigins(cfg.HTTP.AllowedOrigins...),
		httpapi.WithVersion(version),
	)

	return &components{
		store:      store,
		bus:        bus,
		dispatcher: dispatcher,
		machine:    machine,
		handler:    handler,
		server:     server,
	}, nil
}

// shutdown drains the dispatcher before stopping idle timers, so no task
// re-arms a timer after Stop, then closes the bus and store.
func (c *components) shutdown(ctx context.Context, logger *slog.Logger) error {
	logger.InfoContext(ctx, "shutting down components")

	var errs []error
	if err := c.dispatcher.Drain(ctx); err != nil {
		logger.WarnContext(ctx, "dispatcher did not drain, abandoning queued messages",
			slog.Int("conversations", c.dispatcher.ActiveConversations()),
			slog.Any("error", err))

		abandonCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
		defer cancel()
		if err := c.dispatcher.Shutdown(abandonCtx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", err))
		}
	}
	c.machine.Stop()

	if err := c.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event bus: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("record store: %w", err))
	}

	logger.InfoContext(ctx, "shutdown complete")
	return errors.Join(errs...)
}
