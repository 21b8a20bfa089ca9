package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
)

// NewAskCommand returns the ask subcommand.
func NewAskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask a question about your tasks",
		ArgsUsage: "<question>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "Print the answer without markdown rendering",
			},
		},
		Action: runAsk,
	}
}

func runAsk(ctx context.Context, cmd *cli.Command) error {
	question := strings.Join(cmd.Args().Slice(), " ")
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("usage: pilot ask <question>")
	}

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(ctx, rt.cfg.Gateway.RequestTimeout.Duration())
	defer cancel()

	ans, err := rt.svc.Query(ctx, rt.owner, question)
	if err != nil {
		return err
	}

	out := ans.Response
	if !cmd.Bool("raw") {
		out = renderMarkdown(out)
	}
	fmt.Fprintln(os.Stdout, out)
	if isTerminal(os.Stderr) {
		fmt.Fprintln(os.Stderr, colorize(mutedStyle, fmt.Sprintf("(%d of %d tasks in context)", ans.ContextTasks, ans.TotalTasks)))
	}
	return nil
}
