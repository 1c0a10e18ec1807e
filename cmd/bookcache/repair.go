package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

func repairRecords(ctx *cli.Context) error {
	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), ctx.Duration("timeout"))
	defer cancel()

	dryRun := !ctx.Bool("apply")
	if dryRun {
		fmt.Println("🔧 Dry run, nothing will be written...")
	} else {
		fmt.Println("🔧 Repairing records...")
	}

	report, err := app.repo.Repair(ctxTimeout, dryRun)
	if err != nil {
		return fmt.Errorf("repair: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleColoredBright)
	t.SetTitle("🔧 Repair report")

	mode := "applied"
	if report.DryRun {
		mode = "dry run"
	}
	t.AppendRow(table.Row{"Mode", mode})
	t.AppendRow(table.Row{"Values scanned", report.Scanned})
	t.AppendRow(table.Row{"Repairable ids", report.Repaired})
	t.AppendRow(table.Row{"Write failures", report.Failed})
	t.Render()

	if report.DryRun && report.Repaired > 0 {
		fmt.Printf("\n💡 Re-run with --apply to write %d fixes.\n", report.Repaired)
	}
	if !report.DryRun && report.Repaired > 0 {
		fmt.Printf("\n✅ Backfilled %d record ids.\n", report.Repaired)
	}
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:  "repair",
		Usage: "Backfill missing record ids from their keys (dry run by default)",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "apply",
				Usage: "Write the fixes instead of previewing them",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Minute,
				Usage: "Scan timeout",
			},
		},
		Action: repairRecords,
	})
}
