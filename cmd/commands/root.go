package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/pilot/internal/config"
)

// Version is stamped at build time.
var Version = "dev"

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:    "pilot",
		Usage:   "AI-assisted task prioritization and goal decomposition",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "Owner to act as (default: gateway.default_user)",
				Sources: cli.EnvVars("PILOT_USER"),
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewMCPServeCommand(),
			NewBreakdownCommand(),
			NewAskCommand(),
			NewTasksCommand(),
			NewProjectsCommand(),
			NewStatusCommand(),
			NewWatchCommand(),
			NewSecretCommand(),
		},
	}
}
