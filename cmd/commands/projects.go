package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
)

// NewProjectsCommand returns the projects subcommand.
func NewProjectsCommand() *cli.Command {
	return &cli.Command{
		Name:  "projects",
		Usage: "Manage projects",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List projects",
				Flags:  []cli.Flag{outputFlag()},
				Action: runProjectsList,
			},
			{
				Name:      "add",
				Usage:     "Create a project",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Usage: "Project description"},
				},
				Action: runProjectsAdd,
			},
		},
		DefaultCommand: "list",
	}
}

func runProjectsList(ctx context.Context, cmd *cli.Command) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	list, err := rt.svc.ListProjects(ctx, rt.owner)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	if ok, err := writeStructured(os.Stdout, cmd.String("output"), list); ok {
		return err
	}

	if len(list) == 0 {
		fmt.Println("No projects found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tNAME")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.CreatedAt.Local().Format(time.DateOnly), p.Name)
	}
	return w.Flush()
}

func runProjectsAdd(ctx context.Context, cmd *cli.Command) error {
	name := strings.Join(cmd.Args().Slice(), " ")
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("usage: pilot projects add <name>")
	}

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := rt.svc.CreateProject(ctx, rt.owner, name, cmd.String("description"))
	if err != nil {
		return err
	}
	fmt.Printf("created %s %s\n", p.ID, p.Name)
	return nil
}
