package main

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"bookcache/maintenance"
)

// createWriter picks the output sink by name: "-" or empty means
// stdout, a .gz suffix adds gzip compression.
func createWriter(output string) (io.WriteCloser, error) {
	if output == "" || output == "-" {
		return os.Stdout, nil
	}

	file, err := os.Create(output)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	if strings.HasSuffix(output, ".gz") {
		return &gzipFileWriter{gz: gzip.NewWriter(file), file: file}, nil
	}
	return file, nil
}

type gzipFileWriter struct {
	gz   *gzip.Writer
	file *os.File
}

func (w *gzipFileWriter) Write(p []byte) (int, error) { return w.gz.Write(p) }

func (w *gzipFileWriter) Close() error {
	if err := w.gz.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func exportRecords(ctx *cli.Context) error {
	app, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	output := ctx.String("output")
	opts := maintenance.ExportOptions{
		Filter: ctx.String("jq"),
		Limit:  ctx.Int("limit"),
	}

	w, err := createWriter(output)
	if err != nil {
		return err
	}
	toStdout := output == "" || output == "-"
	if !toStdout {
		defer w.Close()
		fmt.Printf("📦 Exporting to %s...\n", output)
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), ctx.Duration("timeout"))
	defer cancel()

	stats, err := app.repo.ExportJSONL(ctxTimeout, w, opts)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	if !toStdout {
		fmt.Printf("✅ Exported %d records, skipped %d unreadable values\n", stats.Exported, stats.Skipped)
	} else {
		fmt.Fprintf(os.Stderr, "✅ Exported %d records, skipped %d unreadable values\n", stats.Exported, stats.Skipped)
	}
	return nil
}

func init() {
	commands = append(commands, &cli.Command{
		Name:    "export",
		Aliases: []string{"dump"},
		Usage:   "Export records as checksummed JSON Lines",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output file, .gz compresses, empty or - writes to stdout",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq filter applied per record, no-output skips the record",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Stop after this many exported lines",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Minute,
				Usage: "Export timeout",
			},
		},
		Action: exportRecords,
	})
}
