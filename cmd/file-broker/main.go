package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/admin"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/discovery"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/event"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "file-broker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("file-broker", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the configuration file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error occured while reading config: %w", err)
	}

	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogDir)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner(loggerCallback)
	defer cleaner.Clean()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder database.Recorder = database.NopRecorder{}
	var async *database.AsyncRecorder
	if cfg.Database.Enabled {
		mongoRecorder, err := database.ConnectDatabase(ctx, cfg.AppName, cfg.Database)
		if err != nil {
			logger.ErrorF("Error occured while initializing database, details: %v", err)
			return err
		}
		async = database.NewAsyncRecorder(mongoRecorder, cfg.Database.QueueSize, cfg.Database.OperationTimeoutDuration())
		recorder = async
	}

	srv := server.New(cfg.Server, server.WithRecorder(recorder))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	var api *admin.API
	if cfg.Admin.Enabled {
		var opts []admin.Option
		if cfg.Discovery.Root != "" {
			locator := discovery.NewStaticLocator(cfg.Discovery.Root)
			opts = append(opts, admin.WithForwarder(discovery.NewForwarder(locator, srv)))
			logger.InfoF("Discovery forwarding enabled for %s", cfg.Discovery.Root)
		}
		api = admin.New(srv, opts...)
		g.Go(func() error {
			return api.ListenAndServe(gctx, cfg.Admin.Listen)
		})
	}

	for _, hook := range shutdownHooks(srv, api, async) {
		cleaner.Add(hook)
	}

	if err := g.Wait(); err != nil {
		logger.ErrorF("File broker stopped with error: %v", err)
		return err
	}
	return nil
}

// shutdownHooks orders teardown so that sessions closing during server
// shutdown can still reach the audit recorder.
func shutdownHooks(srv *server.Server, api *admin.API, async *database.AsyncRecorder) []event.Callable {
	hooks := []event.Callable{srv}
	if api != nil {
		hooks = append(hooks, api)
	}
	if async != nil {
		hooks = append(hooks, async)
	}
	return hooks
}
