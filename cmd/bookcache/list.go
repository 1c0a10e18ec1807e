package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

func listRecords(ctx *cli.Context) error {
	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	records, err := app.repo.FindAll(ctxTimeout)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	limit := ctx.Int("limit")
	total := len(records)
	if limit > 0 && total > limit {
		records = records[:limit]
	}

	if len(records) == 0 {
		fmt.Println("🔍 No records stored")
		return nil
	}

	renderRecordList("📚 Records", records)
	if len(records) < total {
		fmt.Printf("\n📊 Showing %d of %d records\n", len(records), total)
	} else {
		fmt.Printf("\n📊 Total records: %d\n", total)
	}
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "list",
		Aliases: []string{"l", "ls"},
		Usage:   "List stored records",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit the number of rows",
			},
		},
		Action: listRecords,
	})
}
