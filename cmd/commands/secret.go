package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/dohr-michael/pilot/internal/config"
	"github.com/dohr-michael/pilot/internal/secrets"
)

// NewSecretCommand returns the secret subcommand.
func NewSecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Store provider credentials encrypted in the pilot .env file",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Seal a value and write it to .env (reads stdin when VALUE is omitted)",
				ArgsUsage: "<NAME> [VALUE]",
				Action:    runSecretSet,
			},
		},
	}
}

func runSecretSet(_ context.Context, cmd *cli.Command) error {
	name := cmd.Args().Get(0)
	if name == "" {
		return fmt.Errorf("usage: pilot secret set <NAME> [VALUE]")
	}
	value := cmd.Args().Get(1)
	if value == "" {
		var err error
		if value, err = readSecret(name); err != nil {
			return err
		}
	}
	if value == "" {
		return fmt.Errorf("empty value for %s", name)
	}

	k, err := secrets.OpenKeyring(secrets.KeyPath(), true)
	if err != nil {
		return err
	}
	sealed, err := k.Seal(value)
	if err != nil {
		return err
	}
	if err := secrets.SetDotenv(config.DotenvPath(), name, sealed); err != nil {
		return fmt.Errorf("write %s: %w", config.DotenvPath(), err)
	}
	fmt.Fprintf(os.Stderr, "%s sealed in %s\n", name, config.DotenvPath())
	return nil
}

func readSecret(name string) (string, error) {
	if isTerminal(os.Stdin) {
		fmt.Fprintf(os.Stderr, "%s: ", name)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read value: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read value: %w", err)
	}
	return strings.TrimSpace(line), nil
}
