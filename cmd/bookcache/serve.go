package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"bookcache/api"
	"bookcache/logger"
)

func serveCommand(ctx *cli.Context) error {
	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg := app.cfg.API
	if ctx.IsSet("host") {
		cfg.Host = ctx.String("host")
	}
	if ctx.IsSet("port") {
		cfg.Port = ctx.Int("port")
	}
	if ctx.IsSet("cors") {
		cfg.EnableCORS = ctx.Bool("cors")
	}
	if ctx.IsSet("metrics") {
		cfg.EnableMetrics = ctx.Bool("metrics")
	}
	if ctx.IsSet("log-requests") {
		cfg.LogRequests = ctx.Bool("log-requests")
	}

	server := api.New(app.repo, cfg, logger.NewConsole())

	fmt.Printf("🚀 Serving on http://%s:%d\n", cfg.Host, cfg.Port)
	fmt.Printf("📚 API under /api/v1, health at /healthz\n")
	if cfg.EnableMetrics {
		fmt.Printf("📊 Prometheus metrics at /metrics\n")
	}
	fmt.Printf("❌ Ctrl+C to stop\n\n")

	if err := server.Start(context.Background()); err != nil {
		return err
	}

	fmt.Println("✅ Server stopped cleanly")
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "serve",
		Aliases: []string{"server"},
		Usage:   "Run the HTTP API server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Aliases: []string{"H"},
				Usage:   "Bind host",
				EnvVars: []string{"BOOKCACHE_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"P"},
				Usage:   "Bind port",
				EnvVars: []string{"BOOKCACHE_PORT"},
			},
			&cli.BoolFlag{
				Name:  "cors",
				Usage: "Enable CORS headers",
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "Enable the /metrics endpoint",
			},
			&cli.BoolFlag{
				Name:  "log-requests",
				Usage: "Log every HTTP request",
			},
		},
		Action: serveCommand,
		Description: `Runs the operational HTTP API.

Endpoints:
  GET    /api/v1/records               - list records
  POST   /api/v1/records               - create a record
  GET    /api/v1/records/{id}          - fetch a record
  PUT    /api/v1/records/{id}          - update a record
  DELETE /api/v1/records/{id}          - delete a record
  GET    /api/v1/records/{id}/similar  - similar records
  GET    /api/v1/lookup/{field}/{v}    - alternate id lookup
  POST   /api/v1/search                - full-text or field search
  GET    /api/v1/discover              - recent picks with covers
  GET    /api/v1/diagnose              - storage health breakdown
  POST   /api/v1/repair                - id backfill (dry run by default)
  GET    /api/v1/verify                - encoding verification
  GET    /api/v1/export                - JSONL export
  GET    /api/v1/stats                 - cache statistics
  GET    /healthz                      - liveness probe
  GET    /metrics                      - prometheus metrics`,
	})
}
