package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"bookcache/config"
	"bookcache/logger"
	"bookcache/record"
	"bookcache/repository"
)

const (
	AppName    = "bookcache"
	AppVersion = "1.0.0"
)

type app struct {
	cfg  *config.Config
	repo *repository.Repository
}

func newApp(c *cli.Context) (*app, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
		if !c.IsSet("search-db") && cfg.SearchDBPath != "" {
			cfg.SearchDBPath = filepath.Join(dir, "search.db")
		}
	}
	if c.IsSet("search-db") {
		// An empty value disables the SQLite backend.
		cfg.SearchDBPath = c.String("search-db")
	}

	level := zerolog.WarnLevel
	if c.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	log := logger.NewConsole().Level(level)

	repo, err := repository.New(cfg, log)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, repo: repo}, nil
}

func (app *app) Close() error {
	if app.repo != nil {
		return app.repo.Close()
	}
	return nil
}

func initApp(c *cli.Context) (*app, error) {
	return newApp(c)
}

var commands = []*cli.Command{}

func main() {
	app := &cli.App{
		Name:    AppName,
		Usage:   "Book record cache with secondary indexes and full-text search",
		Version: AppVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				EnvVars: []string{"BOOKCACHE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Usage:   "Badger data directory",
				EnvVars: []string{"BOOKCACHE_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "search-db",
				Usage:   "SQLite search index path, empty to disable the backend",
				EnvVars: []string{"BOOKCACHE_SEARCH_DB"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"V"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: commands,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.0fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.1fm", d.Minutes())
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func renderRecordDetails(rec *record.Book) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleColoredBright)
	t.SetTitle("📖 " + rec.Title)

	t.AppendRow(table.Row{"ID", rec.ID})
	t.AppendRow(table.Row{"Title", rec.Title})
	t.AppendRow(table.Row{"Authors", joinOrDash(rec.Authors)})
	t.AppendRow(table.Row{"Categories", joinOrDash(rec.Categories)})
	t.AppendRow(table.Row{"ISBN-10", rec.ISBN10})
	t.AppendRow(table.Row{"ISBN-13", rec.ISBN13})
	t.AppendRow(table.Row{"External ID", rec.ExternalID})
	t.AppendRow(table.Row{"Slug", rec.Slug})
	t.AppendRow(table.Row{"Published", rec.PublishedDate})
	t.AppendRow(table.Row{"Cover", truncate(rec.CoverImageURL, 80)})
	if rec.IsBestseller() {
		t.AppendRow(table.Row{"Bestseller", "⭐ yes"})
	}
	if len(rec.Embedding) > 0 {
		t.AppendRow(table.Row{"Embedding", fmt.Sprintf("%d dimensions", len(rec.Embedding))})
	}
	for k, v := range rec.Qualifiers {
		t.AppendRow(table.Row{"Qualifier: " + k, v})
	}
	t.Render()
}

func renderRecordList(title string, records []*record.Book) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleColoredBright)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"#", "ID", "Title", "Authors", "ISBN-13", "Slug"})

	for i, rec := range records {
		t.AppendRow(table.Row{
			i + 1,
			rec.ID,
			truncate(rec.Title, 40),
			truncate(joinOrDash(rec.Authors), 30),
			rec.ISBN13,
			truncate(rec.Slug, 30),
		})
	}
	t.Render()
}
