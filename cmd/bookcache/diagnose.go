package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
)

func diagnoseRecords(ctx *cli.Context) error {
	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), ctx.Duration("timeout"))
	defer cancel()

	fmt.Println("🩺 Scanning the record namespace...")

	report, err := app.repo.Diagnose(ctxTimeout)
	if err != nil {
		return fmt.Errorf("diagnosis: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleColoredBright)
	t.SetTitle("🩺 Storage diagnosis")

	t.AppendRow(table.Row{"Total values", report.Total})
	t.AppendRow(table.Row{"Valid (string encoding)", report.ValidString})
	t.AppendRow(table.Row{"Valid (document encoding)", report.ValidDocument})
	t.AppendRow(table.Row{"Deserialization failures", report.DeserializationFailed})
	t.AppendRow(table.Row{"Missing critical fields", report.MissingCriticalFields})
	t.AppendRow(table.Row{"Corrupted", report.Corrupted})
	t.Render()

	if broken := report.Corrupted + report.DeserializationFailed + report.MissingCriticalFields; broken > 0 {
		fmt.Printf("\n⚠️  %d values need attention. Run 'repair' for a fix preview.\n", broken)
	} else {
		fmt.Println("\n✅ All values healthy")
	}
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:  "diagnose",
		Usage: "Classify every stored value by health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Minute,
				Usage: "Scan timeout",
			},
		},
		Action: diagnoseRecords,
	})
}
