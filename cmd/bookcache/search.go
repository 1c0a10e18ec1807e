package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"bookcache/record"
)

func searchRecords(ctx *cli.Context) error {
	field := ctx.String("field")
	if ctx.NArg() < 1 && field == "" {
		return fmt.Errorf("search query required")
	}

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var (
		records []*record.Book
		label   string
	)
	if field != "" {
		value := ctx.String("value")
		if value == "" {
			value = ctx.Args().Get(0)
		}
		if value == "" {
			return fmt.Errorf("field search needs a value")
		}
		label = fmt.Sprintf("🔍 %s = %q", field, value)

		switch field {
		case "title":
			records, err = app.repo.FindByTitle(ctxTimeout, value)
		case "slug":
			records, err = app.repo.FindBySlug(ctxTimeout, value)
		case "isbn":
			records, err = app.repo.FindByISBN(ctxTimeout, value)
		case "externalId":
			records, err = app.repo.FindByExternalID(ctxTimeout, value)
		default:
			return fmt.Errorf("unknown search field %q (title, slug, isbn, externalId)", field)
		}
	} else {
		query := ctx.Args().Get(0)
		label = fmt.Sprintf("🔍 %q", query)
		records, err = app.repo.Search(ctxTimeout, query, ctx.Int("limit"))
	}
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("🔍 No matches")
		return nil
	}

	renderRecordList(label, records)
	fmt.Printf("\n📊 Matches: %d\n", len(records))
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "search",
		Aliases: []string{"s", "find"},
		Usage:   "Search records by full text or an exact field",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "field",
				Aliases: []string{"f"},
				Usage:   "Exact field search instead of full text (title, slug, isbn, externalId)",
			},
			&cli.StringFlag{
				Name:  "value",
				Usage: "Value for the field search, defaults to the first argument",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   20,
				Usage:   "Maximum matches for full-text search",
			},
		},
		Action:    searchRecords,
		ArgsUsage: "<query>",
	})
}
