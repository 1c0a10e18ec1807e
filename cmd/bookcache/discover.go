package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

func discoverRecords(ctx *cli.Context) error {
	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	records, err := app.repo.DiscoverRecent(ctxTimeout, ctx.Int("count"), ctx.StringSlice("exclude"))
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("🔍 Nothing to recommend, no recent records with usable covers")
		return nil
	}

	renderRecordList("🎲 Recent picks", records)
	fmt.Printf("\n📊 Picks: %d\n", len(records))
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:  "discover",
		Usage: "Sample recent non-bestseller records with quality covers",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Value:   10,
				Usage:   "Number of picks",
			},
			&cli.StringSliceFlag{
				Name:    "exclude",
				Aliases: []string{"x"},
				Usage:   "Record id to exclude, repeatable",
			},
		},
		Action: discoverRecords,
	})
}
