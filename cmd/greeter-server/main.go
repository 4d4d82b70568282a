// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

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

	"github.com/urfave/cli/v2"

	"github.com/Query-farm/cqrpc/config"
	"github.com/Query-farm/cqrpc/cqrpc"
	cqotel "github.com/Query-farm/cqrpc/cqrpc/otel"
	"github.com/Query-farm/cqrpc/greeter"
)

func main() {
	app := &cli.App{
		Name:  "greeter-server",
		Usage: "serve the helloworld Greeter over cqrpc",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a TOML config file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "TCP port to listen on (default 50051)",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "number of event loop workers",
			},
			&cli.IntFlag{
				Name:  "max-in-flight",
				Usage: "bound on live call states, 0 for none",
			},
			&cli.DurationFlag{
				Name:  "drain-timeout",
				Usage: "how long to wait for running calls at shutdown, 0 waits forever",
			},
			&cli.StringFlag{
				Name:  "debug-addr",
				Usage: "serve the status page on this address",
			},
			&cli.StringFlag{
				Name:  "server-id",
				Usage: "server identifier (default random)",
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
	if cctx.IsSet("port") {
		cfg.Server.Port = cctx.Int("port")
	}
	if cctx.IsSet("workers") {
		cfg.Server.Workers = cctx.Int("workers")
	}
	if cctx.IsSet("max-in-flight") {
		cfg.Server.MaxInFlight = cctx.Int("max-in-flight")
	}
	if cctx.IsSet("drain-timeout") {
		cfg.Server.DrainTimeout = config.Duration(cctx.Duration("drain-timeout"))
	}
	if cctx.IsSet("debug-addr") {
		cfg.Server.DebugAddr = cctx.String("debug-addr")
	}
	if cctx.IsSet("server-id") {
		cfg.Server.ServerID = cctx.String("server-id")
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

	server := cqrpc.NewServer()
	if cfg.Server.ServerID != "" {
		server.SetServerID(cfg.Server.ServerID)
	}
	server.SetServiceName(cfg.Server.ServiceName)
	server.SetWorkers(cfg.Server.Workers)
	server.SetMaxInFlight(cfg.Server.MaxInFlight)
	server.SetDrainTimeout(time.Duration(cfg.Server.DrainTimeout))
	server.SetLogger(logger)
	greeter.Register(server)

	if cfg.Telemetry.Stdout {
		otelCfg, shutdown, err := cqotel.StdoutConfig(os.Stdout, cfg.Server.ServiceName)
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
		cqotel.InstrumentServer(server, otelCfg)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", cfg.Server.Port, err)
	}
	transport := cqrpc.NewNetServerTransport(lis, server.ServerID(), logger)
	logger.Info("server listening", slog.String("addr", transport.Addr().String()))

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.DebugAddr != "" {
		debug := &http.Server{
			Addr:              cfg.Server.DebugAddr,
			Handler:           cqrpc.NewStatusHandler(server),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := debug.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status page stopped", slog.Any("err", err))
			}
		}()
		defer debug.Shutdown(context.Background())
		logger.Info("status page listening", slog.String("addr", cfg.Server.DebugAddr))
	}

	return server.Serve(ctx, transport)
}
