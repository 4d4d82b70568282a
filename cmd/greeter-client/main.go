// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Query-farm/cqrpc/config"
	"github.com/Query-farm/cqrpc/cqrpc"
	cqotel "github.com/Query-farm/cqrpc/cqrpc/otel"
	"github.com/Query-farm/cqrpc/greeter"
)

func main() {
	app := &cli.App{
		Name:  "greeter-client",
		Usage: "call the helloworld Greeter over cqrpc",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a TOML config file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "target",
				Usage: "server address (default localhost:50051)",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "name sent to SayHello",
			},
			&cli.StringFlag{
				Name:  "stream-name",
				Usage: "name sent to SayHelloStreamReply",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "deadline of each call",
			},
			&cli.BoolFlag{
				Name:  "compress",
				Usage: "zstd compress the connection",
			},
			&cli.BoolFlag{
				Name:  "describe",
				Usage: "list the server's methods before calling",
			},
			&cli.BoolFlag{
				Name:  "otel-stdout",
				Usage: "export spans and metrics to stdout",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if cctx.IsSet("target") {
		cfg.Client.Target = cctx.String("target")
	}
	if cctx.IsSet("name") {
		cfg.Client.Name = cctx.String("name")
	}
	if cctx.IsSet("stream-name") {
		cfg.Client.StreamName = cctx.String("stream-name")
	}
	if cctx.IsSet("timeout") {
		cfg.Client.Timeout = config.Duration(cctx.Duration("timeout"))
	}
	if cctx.IsSet("compress") {
		cfg.Client.Compress = cctx.Bool("compress")
	}
	if cctx.IsSet("otel-stdout") {
		cfg.Telemetry.Stdout = cctx.Bool("otel-stdout")
	}
	if cctx.IsSet("log-level") {
		cfg.Log.Level = cctx.String("log-level")
	}
	if cctx.IsSet("log-format") {
		cfg.Log.Format = cctx.String("log-format")
	}
	return cfg, nil
}

func run(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	level, err := cqrpc.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := cqrpc.NewLogger(os.Stderr, cqrpc.LogFormat(cfg.Log.Format), level)

	rpc := cqrpc.NewClient(cqrpc.NewNetClientTransport(cfg.Client.Target, cfg.Client.Compress))
	rpc.SetLogger(logger)
	if cfg.Telemetry.Stdout {
		otelCfg, shutdown, err := cqotel.StdoutConfig(os.Stdout, "greeter-client")
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn("flushing telemetry", slog.Any("err", err))
			}
		}()
		cqotel.InstrumentClient(rpc, otelCfg)
	}

	g, gctx := errgroup.WithContext(cctx.Context)
	g.Go(func() error {
		return rpc.Run(gctx)
	})

	ctx, cancel := context.WithTimeout(cctx.Context, time.Duration(cfg.Client.Timeout))
	defer cancel()

	var (
		mu     sync.Mutex
		failed []string
	)
	record := func(method string) func(*cqrpc.Status) {
		return func(st *cqrpc.Status) {
			if st.OK() {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, method)
		}
	}

	issue := func() error {
		if cctx.Bool("describe") {
			_, err := cqrpc.Describe(rpc, ctx, func(d cqrpc.MethodDescription) {
				fmt.Printf("[describe] %s (%s, %s)\n", d.Name, d.Kind, d.Codec)
			}, record(cqrpc.DescribeMethod))
			if err != nil {
				return err
			}
		}
		client := greeter.NewClient(rpc, os.Stdout)
		if _, err := client.SayHello(ctx, cfg.Client.Name, record(greeter.MethodSayHello)); err != nil {
			return err
		}
		_, err := client.SayHelloStreamReply(ctx, cfg.Client.StreamName, record(greeter.MethodSayHelloStreamReply))
		return err
	}
	issueErr := issue()

	rpc.Close()
	if err := g.Wait(); err != nil {
		return err
	}
	if issueErr != nil {
		return issueErr
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d call(s) failed: %v", len(failed), failed)
	}
	return nil
}
