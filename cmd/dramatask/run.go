package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/config"
	"github.com/goliatone/go-drama/cron"
	"github.com/goliatone/go-drama/dispatcher"
	"github.com/goliatone/go-drama/fabric"
	"github.com/goliatone/go-drama/httpapi"
	"github.com/goliatone/go-drama/rts"
	"github.com/goliatone/go-drama/task"
	"github.com/goliatone/go-drama/telemetry"
)

type RunCmd struct {
	Name   string `help:"Task name, overrides task.name."`
	HTTP   string `name:"http" help:"Introspection address, overrides http.addr."`
	Params string `help:"Parameter seed file, overrides params.file." type:"path"`
	Level  string `help:"Log level, overrides log.level."`
}

func (c *RunCmd) overrides() map[string]any {
	out := map[string]any{}
	set := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	set("task.name", c.Name)
	set("http.addr", c.HTTP)
	set("params.file", c.Params)
	set("log.level", c.Level)
	return out
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config, cli.Profile, config.WithOverrides(c.overrides()))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfg, newLogger(cfg.Log))
}

func newLogger(cfg config.LogConfig) drama.Logger {
	if cfg.Format == "json" {
		return drama.NewGlogLogger(glog.NewLogger(
			glog.WithWriter(os.Stderr),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(cfg.Level),
		))
	}
	return drama.NewGlogLogger(glog.NewLogger(
		glog.WithWriter(os.Stderr),
		glog.WithLevel(cfg.Level),
	))
}

func run(ctx context.Context, cfg *config.Config, logger drama.Logger) error {
	deps := task.Dependencies{
		Logger:      logger,
		ParamFile:   cfg.Params.File,
		WatchParams: cfg.Params.Watch,
		NodeOptions: []fabric.NodeOption{fabric.WithMaxPending(cfg.Task.MaxPending)},
		DispatcherOptions: []dispatcher.Option{
			dispatcher.WithPathTimeout(cfg.Path.TimeoutSeconds()),
			dispatcher.WithPathBreaker(cfg.Path.Breaker.MaxFailures, cfg.Path.Breaker.OpenTimeout),
		},
	}

	if cfg.Telemetry.Enabled {
		shutdown, inst, err := initTelemetry(ctx, cfg.Telemetry)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("telemetry shutdown: %v", err)
			}
		}()
		deps.Metrics = inst
	}

	rt, err := task.New(cfg.Task.Name, deps)
	if err != nil {
		return err
	}
	if err := registerExamples(rt); err != nil {
		return err
	}
	if cfg.Sequencer.Enabled {
		seq := rts.NewSequencer(rts.Callbacks{}, rts.WithSequenceTask(cfg.Sequencer.Task), rts.WithLogger(logger))
		if err := seq.Register(rt); err != nil {
			return err
		}
	}
	for _, s := range cfg.Schedules {
		if _, err := rt.Schedule(s.Expression, cron.Job{
			Action:     s.Action,
			Kick:       s.Kick,
			Args:       s.Args,
			Kwargs:     s.Kwargs,
			MaxRetries: s.MaxRetries,
			MaxRuns:    s.MaxRuns,
		}); err != nil {
			return err
		}
	}

	if cfg.HTTP.Addr != "" {
		srv := httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewRouter(rt, logger), cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout)
		go func() {
			logger.Info("introspection listening on %s", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				logger.Error("introspection server: %v", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	return rt.Run(ctx)
}

func initTelemetry(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, *telemetry.Instruments, error) {
	tp, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.Exporter, cfg.Endpoint)
	if err != nil {
		return nil, nil, err
	}
	mp, err := telemetry.InitMeter(ctx, cfg.ServiceName, cfg.Exporter, cfg.Endpoint)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	inst, err := telemetry.NewInstruments(mp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	shutdown := func(ctx context.Context) error {
		return stderrors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return shutdown, inst, nil
}
