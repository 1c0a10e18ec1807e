package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

func ttlStats(ctx *cli.Context) error {
	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	prefix := ctx.String("prefix")
	if prefix == "" {
		prefix = app.cfg.RecordPrefix
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), ctx.Duration("timeout"))
	defer cancel()

	stats, err := app.repo.Datastore().GetTTLStats(ctxTimeout, ds.NewKey(prefix))
	if err != nil {
		return fmt.Errorf("ttl stats: %w", err)
	}

	if ctx.String("format") == "json" {
		formatted, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(formatted))
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleColoredBright)
	t.SetTitle(fmt.Sprintf("⏰ TTL statistics for %q", prefix))

	t.AppendRow(table.Row{"Total keys", stats.TotalKeys})
	t.AppendRow(table.Row{"Keys with TTL", stats.TotalKeys - stats.KeysWithoutTTL})
	t.AppendRow(table.Row{"Keys without TTL", stats.KeysWithoutTTL})
	t.AppendRow(table.Row{"Expired keys", stats.ExpiredKeys})
	t.AppendRow(table.Row{"Expiring within 5m", stats.ExpiringKeys})

	if stats.AverageTimeLeft > 0 {
		t.AppendRow(table.Row{"Average time left", formatDuration(stats.AverageTimeLeft)})
	}
	if stats.NextExpiration != nil {
		until := time.Until(*stats.NextExpiration)
		if until > 0 {
			t.AppendRow(table.Row{"Next expiration in", formatDuration(until)})
		} else {
			t.AppendRow(table.Row{"Next expiration", "already passed"})
		}
		t.AppendRow(table.Row{"Next expiration at", stats.NextExpiration.Format("2006-01-02 15:04:05")})
	}

	t.Render()

	if stats.ExpiredKeys > 0 {
		fmt.Printf("\n⚠️  %d keys already expired and await compaction.\n", stats.ExpiredKeys)
	}
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "ttl-stats",
		Aliases: []string{"ttl"},
		Usage:   "Show TTL statistics for a key prefix",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "prefix",
				Aliases: []string{"p"},
				Usage:   "Key prefix to analyze, defaults to the record namespace",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "table",
				Usage:   "Output format (table, json)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 60 * time.Second,
				Usage: "Scan timeout",
			},
		},
		Action: ttlStats,
	})
}
