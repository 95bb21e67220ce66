package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/api"
	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/metrics"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		queue       bool
		history     int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.BoolFlag{
				Name:        "queue",
				Usage:       "queue concurrent requests instead of answering 409",
				Destination: &queue,
			},
			&cli.Int64Flag{
				Name:        "history",
				Usage:       "finished generations kept for GET /v1/generations/:id",
				Value:       64,
				Destination: &history,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr)

			cfg, path, err := loadModelConfig(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model %s: %v", path, err), 1)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			sess, err := openSession(ctx, cfg, metrics.New(reg))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = sess.Close() }()

			service := api.NewGenerationService(sess, api.ServiceOptions{Queue: queue, Logger: log})
			server := api.NewServer(api.NewGenerationStore(int(history)), service, reg)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", path)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
