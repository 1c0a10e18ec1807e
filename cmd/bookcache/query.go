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

	"bookcache/datastore"
)

func queryRecords(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("jq expression required")
	}

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	jqExpr := ctx.Args().Get(0)

	ctxTimeout, cancel := context.WithTimeout(context.Background(), ctx.Duration("timeout"))
	defer cancel()

	if key := ctx.String("key"); key != "" {
		result, err := app.repo.Datastore().QueryJQSingle(ctxTimeout, ds.NewKey(key), jqExpr)
		if err != nil {
			return fmt.Errorf("jq query: %w", err)
		}
		return printJSON(result)
	}

	prefix := ctx.String("prefix")
	if prefix == "" {
		prefix = app.cfg.RecordPrefix
	}
	opts := &datastore.JQQueryOptions{
		Prefix:           ds.NewKey(prefix),
		Limit:            ctx.Int("limit"),
		Timeout:          ctx.Duration("timeout"),
		IgnoreParseError: ctx.Bool("ignore-errors"),
	}

	results, errc, err := app.repo.Datastore().QueryJQ(ctxTimeout, jqExpr, opts)
	if err != nil {
		return fmt.Errorf("jq query: %w", err)
	}

	if ctx.Bool("json") {
		count := 0
		for result := range results {
			if err := printJSON(map[string]any{"key": result.Key.String(), "value": result.Value}); err != nil {
				return err
			}
			count++
		}
		if err := <-errc; err != nil {
			return fmt.Errorf("jq query: %w", err)
		}
		fmt.Fprintf(os.Stderr, "📊 %d results\n", count)
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleColoredBright)
	t.SetTitle("📋 jq results")
	t.AppendHeader(table.Row{"#", "Key", "Result"})

	count := 0
	for result := range results {
		count++
		rendered, err := json.Marshal(result.Value)
		if err != nil {
			rendered = []byte(fmt.Sprintf("%v", result.Value))
		}
		t.AppendRow(table.Row{count, result.Key.String(), truncate(string(rendered), 100)})
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("jq query: %w", err)
	}

	if count == 0 {
		fmt.Println("🔍 No results")
		return nil
	}
	t.Render()
	fmt.Printf("\n📊 Results: %d\n", count)
	return nil
}

func printJSON(v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(formatted))
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "query",
		Aliases: []string{"q", "jq"},
		Usage:   "Run a jq expression over stored values",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "prefix",
				Aliases: []string{"p"},
				Usage:   "Key prefix to query, defaults to the record namespace",
			},
			&cli.StringFlag{
				Name:    "key",
				Aliases: []string{"k"},
				Usage:   "Query a single key instead of scanning",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit the number of results",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Print raw JSON lines instead of a table",
			},
			&cli.BoolFlag{
				Name:  "ignore-errors",
				Usage: "Skip values that fail to parse or evaluate",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 60 * time.Second,
				Usage: "Query timeout",
			},
		},
		Action:    queryRecords,
		ArgsUsage: "<jq expression>",
	})
}
