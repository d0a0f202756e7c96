package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/kaplia/server/storage"
)

// openDB opens the configured database and makes sure the admin row exists.
func (f *flags) openDB(ctx context.Context) (*storage.DB, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureAdmin(ctx, cfg.Admin.InitialPassword); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize admin: %w", err)
	}
	return db, nil
}

type passwdCmd struct {
	flags *flags
}

func newPasswdCmd(f *flags) *passwdCmd {
	return &passwdCmd{flags: f}
}

func (cmd *passwdCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "passwd",
		Usage:       "Set the admin password",
		UsageText:   "chatrelay passwd",
		Description: "Reads the new password from the terminal without echo, or from stdin when it is not a terminal.",
		Action:      cmd.run,
	})
	return app
}

func (cmd *passwdCmd) run(ctx context.Context, c *cli.Command) error {
	password, err := readPassword()
	if err != nil {
		return err
	}

	db, err := cmd.flags.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.SetPassword(ctx, password); err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	fmt.Println("Admin password updated.")
	return nil
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "New password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

type tokenCmd struct {
	flags  *flags
	rotate bool
}

func newTokenCmd(f *flags) *tokenCmd {
	return &tokenCmd{flags: f}
}

func (cmd *tokenCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "token",
		Usage:     "Print the API token",
		UsageText: "chatrelay token [--rotate]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "rotate",
				Usage:       "replace the token with a new random one",
				Destination: &cmd.rotate,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *tokenCmd) run(ctx context.Context, c *cli.Command) error {
	db, err := cmd.flags.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if cmd.rotate {
		if err := db.SetAPIToken(ctx, storage.NewSecret()); err != nil {
			return fmt.Errorf("rotate token: %w", err)
		}
	}

	token, err := db.APIToken(ctx)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	fmt.Println(token)
	return nil
}
