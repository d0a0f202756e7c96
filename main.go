package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/kaplia/server/config"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}
	return fmt.Sprintf("%s (%s)", version, short)
}

// flags holds the global options shared by every command.
type flags struct {
	ConfigPath string
	Database   string
}

func main() {
	f := &flags{}

	app := &cli.Command{
		Name:    "chatrelay",
		Usage:   "Live chat relay between website visitors and a support admin",
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("CHATRELAY_CONFIG"),
				Value:       "chatrelay.yaml",
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "database",
				Usage:       "path to the SQLite database (overrides the config file)",
				Sources:     cli.EnvVars("CHATRELAY_DATABASE"),
				Destination: &f.Database,
			},
		},
	}

	serve := newServeCmd(f)
	app = serve.Register(app)
	app = newPasswdCmd(f).Register(app)
	app = newTokenCmd(f).Register(app)

	app.Flags = append(app.Flags, serve.Flags()...)
	app.Action = func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() > 0 {
			return fmt.Errorf("unknown command %q. Run 'chatrelay --help' for usage", c.Args().First())
		}
		return serve.run(ctx, c)
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the global overrides.
func (f *flags) loadConfig() (config.Config, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.Database != "" {
		cfg.Database = f.Database
	}
	return cfg, nil
}
