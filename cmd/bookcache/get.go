package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"bookcache/altindex"
)

func getRecord(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("record id required")
	}

	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id := ctx.Args().Get(0)

	rec, ok := app.repo.FindByID(ctxTimeout, id)
	if !ok && ctx.String("by") != "" {
		rec, ok = app.repo.FindByAlternateID(ctxTimeout, altindex.Field(ctx.String("by")), id)
	}
	if !ok {
		return fmt.Errorf("record %q not found", id)
	}

	if ctx.Bool("json") {
		formatted, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(formatted))
		return nil
	}

	renderRecordDetails(rec)
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "get",
		Aliases: []string{"g"},
		Usage:   "Fetch a record by id or alternate id",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "by",
				Usage: "Alternate id field to try on miss (isbn10, isbn13, externalId)",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Print the raw record as JSON",
			},
		},
		Action:    getRecord,
		ArgsUsage: "<id>",
	})
}
