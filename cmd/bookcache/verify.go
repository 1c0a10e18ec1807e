package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

func verifyRecords(ctx *cli.Context) error {
	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), ctx.Duration("timeout"))
	defer cancel()

	report, err := app.repo.VerifyEncodings(ctxTimeout)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleColoredBright)
	t.SetTitle("🔎 Encoding verification")

	t.AppendRow(table.Row{"Total values", report.Total})
	t.AppendRow(table.Row{"String encoding", report.Strings})
	t.AppendRow(table.Row{"Document encoding", report.Documents})
	t.AppendRow(table.Row{"Unreadable", report.Unreadable})
	t.Render()

	if report.Unreadable > 0 {
		fmt.Printf("\n⚠️  %d values did not normalize, run 'diagnose' for the breakdown.\n", report.Unreadable)
	}
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:  "verify",
		Usage: "Verify every stored value still reads under the current schema",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Minute,
				Usage: "Scan timeout",
			},
		},
		Action: verifyRecords,
	})
}
