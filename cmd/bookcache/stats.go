package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

func showStats(ctx *cli.Context) error {
	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	stats, err := app.repo.Stats(ctxTimeout)
	if err != nil {
		return fmt.Errorf("collect stats: %w", err)
	}

	totalKeys, totalSize, err := measureValues(ctxTimeout, app)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleColoredBright)
	t.SetTitle("📊 Cache statistics")

	t.AppendRow(table.Row{"Records", stats.Records})
	t.AppendRow(table.Row{"Keys total", totalKeys})
	t.AppendRow(table.Row{"Data size", formatBytes(totalSize)})
	if totalKeys > 0 {
		t.AppendRow(table.Row{"Average value size", formatBytes(totalSize / int64(totalKeys))})
	}

	fields := make([]string, 0, len(stats.Indexes))
	for field := range stats.Indexes {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		t.AppendRow(table.Row{"Index " + field, stats.Indexes[field]})
	}

	if stats.Search != nil {
		keys := make([]string, 0, len(stats.Search))
		for k := range stats.Search {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.AppendRow(table.Row{"Search " + k, stats.Search[k]})
		}
	} else {
		t.AppendRow(table.Row{"Search backend", "disabled"})
	}

	if stats.TTL != nil {
		t.AppendRow(table.Row{"Keys with TTL", stats.TTL.TotalKeys - stats.TTL.KeysWithoutTTL})
		if stats.TTL.AverageTimeLeft > 0 {
			t.AppendRow(table.Row{"Average TTL left", formatDuration(stats.TTL.AverageTimeLeft)})
		}
	}

	t.Render()
	return nil
}

// measureValues walks the whole keyspace and sums value sizes, the
// records and indexes included.
func measureValues(ctx context.Context, app *app) (int, int64, error) {
	kvs, errc, err := app.repo.Datastore().Iterator(ctx, ds.NewKey("/"), false)
	if err != nil {
		return 0, 0, fmt.Errorf("iterate values: %w", err)
	}

	count := 0
	var size int64
	for kv := range kvs {
		count++
		size += int64(len(kv.Value))
	}
	if err := <-errc; err != nil {
		return 0, 0, fmt.Errorf("iterate values: %w", err)
	}
	return count, size, nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:   "stats",
		Usage:  "Show cache, index and search backend statistics",
		Action: showStats,
	})
}
