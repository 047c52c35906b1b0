// Package app assembles the authoritative server: event routing, metrics, the
// websocket transport, the entity runtime and its seeded world.
package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"replicore/internal/clock"
	"replicore/internal/config"
	"replicore/internal/entity"
	servernet "replicore/internal/net"
	"replicore/internal/net/ws"
	"replicore/internal/telemetry"
	"replicore/logging"
	loggingSinks "replicore/logging/sinks"
)

// MaxFieldSize caps the encoded size of one replicated field accepted from a
// participant.
const MaxFieldSize = 16 << 10

const shutdownGrace = 5 * time.Second

// Config carries the validated settings plus the process-level writers.
type Config struct {
	Settings config.Config
	// Logger receives process diagnostics; defaults to a zerolog logger on
	// stderr.
	Logger telemetry.Logger
	// Console receives the console sink's output; defaults to stdout.
	Console io.Writer
}

// App is a fully wired server that has not started serving yet.
type App struct {
	settings config.Config
	logger   telemetry.Logger
	router   *logging.Router
	counters *telemetry.Counters
	statsd   *telemetry.Statsd
	loop     *clock.Loop
	sessions *ws.Server
	runtime  *entity.Runtime
	world    *World
	handler  http.Handler
	closers  []io.Closer
}

// New builds every component and seeds the world. Nothing runs until Serve.
func New(cfg Config) (*App, error) {
	settings := cfg.Settings
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		level, err := zerolog.ParseLevel(settings.Logging.MinSeverity)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger = telemetry.WrapZerolog(zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "server").Logger())
	}
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}

	a := &App{settings: settings, logger: logger, counters: telemetry.NewCounters()}

	logConfig := settings.Logging.Router()
	sinks, err := a.buildSinks(logConfig, console)
	if err != nil {
		a.closeFiles()
		return nil, err
	}
	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, sinks)
	if err != nil {
		a.closeFiles()
		return nil, eris.Wrap(err, "failed to construct logging router")
	}
	a.router = router

	statsd, err := telemetry.NewStatsd(settings.Metrics.StatsdAddr, settings.Metrics.Namespace, settings.Metrics.Tags)
	if err != nil {
		a.shutdownLogging(context.Background())
		return nil, err
	}
	a.statsd = statsd
	metrics := telemetry.Fanout(a.counters, statsd)

	a.loop = clock.NewLoop(clock.LoopConfig{
		FrameRate:       settings.Server.FrameHz,
		CatchupMaxTicks: settings.Server.CatchupMaxTicks,
	})
	a.sessions = ws.NewServer(ws.ServerConfig{
		Logger:     logger,
		QueueLimit: settings.Server.QueueLimit,
	})

	runtime, err := entity.New(entity.Config{
		Transport: a.sessions,
		Clock:     a.loop,
		FixedStep: settings.SimStep(),
		Classes:   settings.EntityClasses(),
		Validator: limitFieldSize(MaxFieldSize),
		Publisher: router,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		a.shutdownLogging(context.Background())
		return nil, err
	}
	a.runtime = runtime

	world, err := Seed(runtime, a.loop, settings, router, logger)
	if err != nil {
		runtime.Close()
		a.shutdownLogging(context.Background())
		return nil, err
	}
	a.world = world

	a.handler = servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
		Sessions: a.sessions,
		Entities: func() any { return runtime.Describe() },
		Metrics:  a.metrics,
		Logger:   logger,
	})
	return a, nil
}

func (a *App) buildSinks(cfg logging.Config, console io.Writer) ([]logging.NamedSink, error) {
	var sinks []logging.NamedSink
	if cfg.HasSink("console") {
		sinks = append(sinks, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsoleSink(console, cfg.Console)})
	}
	if cfg.HasSink("json") {
		f, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, eris.Wrapf(err, "open json log %s", cfg.JSON.FilePath)
		}
		a.closers = append(a.closers, f)
		sinks = append(sinks, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(f, cfg.JSON.FlushInterval)})
	}
	return sinks, nil
}

func (a *App) metrics() map[string]uint64 {
	out := a.counters.Snapshot()
	stats := a.router.Stats()
	out["logging.events"] = stats.EventsTotal
	out["logging.dropped"] = stats.DroppedTotal
	return out
}

// Handler serves /healthz, /debug/entities and /ws.
func (a *App) Handler() http.Handler { return a.handler }

// Runtime is the server's entity runtime. Outside tests only Describe may be
// called off the loop goroutine.
func (a *App) Runtime() *entity.Runtime { return a.runtime }

// World exposes the seeded entities and their spatial index.
func (a *App) World() *World { return a.world }

// Counters holds the in-process metrics reported by /healthz.
func (a *App) Counters() *telemetry.Counters { return a.counters }

// Serve runs the tick loop until ctx is cancelled. Every runtime call happens
// on this goroutine.
func (a *App) Serve(ctx context.Context) {
	a.loop.Run(ctx)
}

// Close disconnects every participant and flushes the event sinks.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.sessions.Close(); err != nil {
		errs = append(errs, err)
	}
	a.runtime.Close()
	if err := a.statsd.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.shutdownLogging(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) shutdownLogging(ctx context.Context) error {
	var err error
	if a.router != nil {
		err = a.router.Close(ctx)
	}
	a.closeFiles()
	return err
}

func (a *App) closeFiles() {
	for _, c := range a.closers {
		if cerr := c.Close(); cerr != nil {
			a.logger.Printf("failed to close log file: %v", cerr)
		}
	}
	a.closers = nil
}

// Run serves HTTP and websocket traffic on the configured address until ctx
// is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg Config) error {
	a, err := New(cfg)
	if err != nil {
		return err
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.Serve(loopCtx)
	}()

	srv := &http.Server{Addr: a.settings.Server.Addr, Handler: a.handler}
	a.logger.Printf("server listening on %s", srv.Addr)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = eris.Wrap(err, "server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Printf("http shutdown: %v", err)
	}
	stopLoop()
	<-loopDone
	if err := a.Close(shutdownCtx); err != nil {
		a.logger.Printf("failed to close server: %v", err)
	}
	return runErr
}
