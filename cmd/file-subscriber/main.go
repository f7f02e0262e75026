package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/client"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/event"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "file-subscriber: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, serverAddr, topic, outDir string
	var noRetry bool
	flagSet := pflag.NewFlagSet("file-subscriber", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the configuration file")
	flagSet.StringVarP(&serverAddr, "server", "s", "", "broker address (overrides client.server_address)")
	flagSet.StringVarP(&topic, "topic", "t", "", "topic to subscribe to")
	flagSet.StringVarP(&outDir, "out", "o", "", "directory for received files (overrides client.output_dir)")
	flagSet.BoolVar(&noRetry, "no-retry", false, "exit when the connection ends instead of reconnecting")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if topic == "" {
		return errors.New("--topic is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error occured while reading config: %w", err)
	}
	if serverAddr == "" {
		serverAddr = cfg.Client.ServerAddress
	}
	if outDir == "" {
		outDir = cfg.Client.OutputDir
	}

	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogDir)
	cleaner := event.NewCleaner(loggerCallback)
	defer cleaner.Clean()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []client.Option{
		client.WithDialTimeout(cfg.Client.DialTimeoutDuration()),
		client.WithMaxFileSize(cfg.Client.MaxFileSizeBytes()),
	}
	sink := client.NewDirSink(outDir)
	onFile := func(f client.File) error {
		logger.InfoF("Received file #%d (%s) -> %s blake3:%s", f.Seq, humanize.IBytes(f.Size), f.Location, f.Digest)
		return nil
	}

	if noRetry {
		err = client.Subscribe(ctx, serverAddr, topic, sink, onFile, opts...)
	} else {
		policy := client.RetryPolicy{
			Base:       cfg.Client.RetryBaseDuration(),
			Cap:        cfg.Client.RetryCapDuration(),
			MaxRetries: cfg.Client.MaxRetries,
		}
		err = client.SubscribeWithRetry(ctx, serverAddr, topic, sink, onFile, policy, opts...)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorF("Subscription to %q ended, details: %v", topic, err)
		return err
	}
	return nil
}
