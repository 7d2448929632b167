// Command accessctl_sim simulates a barrier controller: a gate arm driven
// by Modbus coils, with a weighbridge counter in two holding registers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/w1xm/accessctl_sim/barrier"
	"github.com/w1xm/accessctl_sim/console"
	"github.com/w1xm/accessctl_sim/internal/config"
	"github.com/w1xm/accessctl_sim/internal/logging"
	"github.com/w1xm/accessctl_sim/internal/modbus"
	"github.com/w1xm/accessctl_sim/registers"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", config.DefaultPath, "path to the YAML config")
	noConsole  = flag.Bool("no_console", false, "serve without the operator console")
)

func main() {
	flag.Parse()
	os.Exit(start(config.ResolvePath(*configPath)))
}

// start runs the simulator until it is signalled or fails, and returns the
// process exit code once its deferred cleanup has run.
func start(path string) int {
	cfg, err := config.Load(path)
	if err != nil {
		logrus.Errorf("loading %s: %v", path, err)
		return 1
	}
	logger, logFile, err := logging.OpenFile(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		logrus.Errorf("opening log file: %v", err)
		return 1
	}
	defer logFile.Close()
	logger.WithField("config", path).Info("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("exiting")
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger.Info("stopped")
	return 0
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	store := registers.New(cfg.Modbus.InputRegisterValue)

	var server *Server
	model := barrier.New(store, barrier.Config{
		InitialAngle: cfg.Barrier.InitialAngle,
		AngularSpeed: cfg.Barrier.AngularSpeed,
		Period:       cfg.Barrier.PeriodDuration(),
		Logger:       logger,
		StatusCallback: func(status barrier.Status) {
			if server != nil {
				server.statusCallback(status)
			}
		},
	})
	handler := modbus.NewHandler(store, model, uint8(cfg.Modbus.SlaveAddress), logger)
	mb := modbus.NewServer(modbus.ServerConfig{
		Type:     cfg.Modbus.Type,
		Port:     string(cfg.Modbus.Port),
		BaudRate: cfg.Modbus.BaudRate,
	}, handler)
	if cfg.HTTP.Addr != "" {
		server = NewServer(store, model, handler, logger)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return model.Run(ctx)
	})
	g.Go(func() error {
		return mb.Serve(ctx)
	})
	if server != nil {
		srv := &http.Server{
			Handler:     server.Router(),
			Addr:        cfg.HTTP.Addr,
			ReadTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			logger.WithField("addr", srv.Addr).Info("http api listening")
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return fmt.Errorf("http api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if !*noConsole && console.IsTerminal(os.Stdin) {
		g.Go(func() error {
			return runConsole(ctx, store, model, logger)
		})
	}
	return g.Wait()
}

// runConsole owns the terminal until the operator quits. Quitting the
// console leaves the simulator serving until it is signalled.
func runConsole(ctx context.Context, store *registers.Store, model *barrier.Model, logger *logrus.Logger) error {
	restore, err := console.MakeRaw(os.Stdin)
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}
	defer restore()
	c := console.New(store, model, os.Stdin, os.Stdout)
	c.Logger = logger.WithField("component", "console")
	err = c.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}
	logger.Info("console closed; still serving until interrupted")
	return nil
}
