package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

func deleteRecord(ctx *cli.Context) error {
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
	if !app.repo.Delete(ctxTimeout, id) {
		return fmt.Errorf("record %q not found", id)
	}

	fmt.Printf("🗑️  Deleted record %s\n", id)
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:      "delete",
		Aliases:   []string{"del", "rm"},
		Usage:     "Delete a record and its index entries",
		Action:    deleteRecord,
		ArgsUsage: "<id>",
	})
}
