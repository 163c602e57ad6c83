package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/raido/internal"
	pkgconfig "github.com/starford/raido/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func runExtract(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}
	if cmd.Bool("follow") {
		opts = append(opts, internal.WithFollow(int(cmd.Int("expect-shards"))))
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("extract error: %w", err)
	}
	return nil
}

func runFetch(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := internal.RunFetch(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("fetch error: %w", err)
	}
	return nil
}

func main() {
	configFlag := &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}

	cmd := &cli.Command{
		Name:  "raido",
		Usage: "Extract a time-ordered triple operation stream from Wikidata revision-history dumps",
		Commands: []*cli.Command{
			{
				Name:   "fetch",
				Usage:  "Download and verify revision-history archives into the staging directory",
				Action: runFetch,
				Flags:  []cli.Flag{configFlag},
			},
			{
				Name:   "extract",
				Usage:  "Process staged archives into one chronologically ordered operation stream",
				Action: runExtract,
				Flags: []cli.Flag{
					configFlag,
					&cli.BoolFlag{
						Name:  "follow",
						Usage: "Watch the staging directory and process archives as they arrive",
					},
					&cli.IntFlag{
						Name:  "expect-shards",
						Usage: "With --follow, stop watching after this many archives",
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
