package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/pilot/internal/breakdown"
)

// NewBreakdownCommand returns the breakdown subcommand.
func NewBreakdownCommand() *cli.Command {
	return &cli.Command{
		Name:      "breakdown",
		Usage:     "Decompose a goal into a project of estimated tasks",
		ArgsUsage: "<goal>",
		Flags:     []cli.Flag{outputFlag()},
		Action:    runBreakdown,
	}
}

func runBreakdown(ctx context.Context, cmd *cli.Command) error {
	goal := strings.Join(cmd.Args().Slice(), " ")
	if strings.TrimSpace(goal) == "" {
		return fmt.Errorf("usage: pilot breakdown <goal>")
	}

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(ctx, rt.cfg.Gateway.RequestTimeout.Duration())
	defer cancel()

	res, err := rt.svc.Breakdown(ctx, rt.owner, goal)
	if err != nil {
		return err
	}
	if ok, err := writeStructured(os.Stdout, cmd.String("output"), res); ok {
		return err
	}

	fmt.Printf("%s (%s)\n", res.ProjectName, res.ProjectID)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for i, st := range res.Subtasks {
		hours := strconv.FormatFloat(st.EstimatedHours, 'f', -1, 64) + "h"
		if st.EstimateSource == breakdown.SourcePredicted {
			hours = colorize(mutedStyle, hours+"*")
		}
		fmt.Fprintf(w, "%d.\t%s\t%s\n", i+1, st.Title, hours)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, st := range res.Subtasks {
		if st.EstimateSource == breakdown.SourcePredicted {
			fmt.Println(colorize(mutedStyle, "* estimated from completed tasks"))
			break
		}
	}
	return nil
}
