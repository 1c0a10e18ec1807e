package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

func similarRecords(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("record id required")
	}

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	id := ctx.Args().Get(0)
	records, err := app.repo.FindSimilar(ctxTimeout, id, ctx.Int("limit"))
	if err != nil {
		return fmt.Errorf("similarity search: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("🔍 No similar records")
		return nil
	}

	renderRecordList("🧭 Similar records", records)
	fmt.Printf("\n📊 Matches: %d\n", len(records))
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:  "similar",
		Usage: "Rank records similar to the given one",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   10,
				Usage:   "Maximum results",
			},
		},
		Action:    similarRecords,
		ArgsUsage: "<id>",
	})
}
