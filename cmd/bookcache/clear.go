package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

func clearRecords(ctx *cli.Context) error {
	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if !ctx.Bool("force") {
		fmt.Print("⚠️  This deletes ALL keys, records and indexes alike. Continue? (y/N): ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("❌ Aborted")
			return nil
		}
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.repo.Datastore().Clear(ctxTimeout); err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	fmt.Println("🗑️  Datastore cleared")
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:  "clear",
		Usage: "Delete every key in the datastore",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "force",
				Aliases: []string{"f"},
				Usage:   "Skip the confirmation prompt",
			},
		},
		Action: clearRecords,
	})
}
