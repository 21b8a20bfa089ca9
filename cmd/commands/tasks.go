package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/pilot/internal/ranking"
	"github.com/dohr-michael/pilot/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	taskFlags := []cli.Flag{
		&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Usage: "Task description"},
		&cli.StringFlag{Name: "due", Usage: "Due date (YYYY-MM-DD or RFC 3339)"},
		&cli.FloatFlag{Name: "hours", Usage: "Estimated hours (estimated from history when omitted)"},
		&cli.IntFlag{Name: "priority", Aliases: []string{"p"}, Usage: "Initial priority, 1 (urgent) to 10"},
		&cli.StringFlag{Name: "project", Usage: "Project ID"},
	}
	return &cli.Command{
		Name:  "tasks",
		Usage: "Manage tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks by priority",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "Include completed tasks"},
					&cli.StringFlag{Name: "project", Usage: "Only tasks of this project"},
					outputFlag(),
				},
				Action: runTasksList,
			},
			{
				Name:      "add",
				Usage:     "Create a task",
				ArgsUsage: "<title>",
				Flags:     taskFlags,
				Action:    runTasksAdd,
			},
			{
				Name:      "update",
				Usage:     "Update a task",
				ArgsUsage: "<task_id>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "New title"},
					&cli.IntFlag{Name: "version", Usage: "Expected current version"},
				}, taskFlags...),
				Action: runTasksUpdate,
			},
			{
				Name:      "done",
				Usage:     "Mark a task completed",
				ArgsUsage: "<task_id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "version", Usage: "Expected current version"},
				},
				Action: runTasksDone,
			},
			{
				Name:   "rank",
				Usage:  "Recompute priorities and show the ranking",
				Flags:  []cli.Flag{outputFlag()},
				Action: runTasksRank,
			},
		},
		DefaultCommand: "list",
	}
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	filter := tasks.Outstanding()
	if cmd.Bool("all") {
		filter = tasks.ListFilter{}
	}
	filter.ProjectID = cmd.String("project")

	list, err := rt.svc.ListTasks(ctx, rt.owner, filter)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if ok, err := writeStructured(os.Stdout, cmd.String("output"), list); ok {
		return err
	}

	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDUE\tHOURS\tTITLE")
	for _, t := range list {
		title := priorityBadge(t.Priority) + " " + t.Title
		if t.Completed {
			title = colorize(mutedStyle, "done "+t.Title)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, formatDue(t.DueDate), formatHours(t.EstimatedHours), title)
	}
	return w.Flush()
}

func runTasksAdd(ctx context.Context, cmd *cli.Command) error {
	title := strings.Join(cmd.Args().Slice(), " ")
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("usage: pilot tasks add <title>")
	}

	in := tasks.TaskInput{
		Title:       title,
		Description: cmd.String("description"),
		ProjectID:   cmd.String("project"),
	}
	if cmd.IsSet("priority") {
		p := int(cmd.Int("priority"))
		in.Priority = &p
	}
	if cmd.IsSet("hours") {
		h := cmd.Float("hours")
		in.EstimatedHours = &h
	}
	if v := cmd.String("due"); v != "" {
		due, err := tasks.ParseDue(v)
		if err != nil {
			return err
		}
		in.DueDate = &due
	}

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	t, err := rt.svc.CreateTask(ctx, rt.owner, in)
	if err != nil {
		return err
	}
	fmt.Printf("created %s %s (%s h)\n", t.ID, priorityBadge(t.Priority), formatHours(t.EstimatedHours))
	return nil
}

func runTasksUpdate(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: pilot tasks update <task_id>")
	}

	var patch tasks.TaskPatch
	if cmd.IsSet("title") {
		patch.Title = tasks.Some(cmd.String("title"))
	}
	if cmd.IsSet("description") {
		patch.Description = tasks.Some(cmd.String("description"))
	}
	if cmd.IsSet("priority") {
		patch.Priority = tasks.Some(int(cmd.Int("priority")))
	}
	if cmd.IsSet("hours") {
		patch.EstimatedHours = tasks.Some(cmd.Float("hours"))
	}
	if cmd.IsSet("project") {
		patch.ProjectID = tasks.Some(cmd.String("project"))
	}
	if cmd.IsSet("due") {
		switch v := cmd.String("due"); v {
		case "", "none":
			patch.DueDate = tasks.Null[time.Time]()
		default:
			due, err := tasks.ParseDue(v)
			if err != nil {
				return err
			}
			patch.DueDate = tasks.Some(due)
		}
	}
	if cmd.IsSet("version") {
		v := int(cmd.Int("version"))
		patch.ExpectedVersion = &v
	}

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	t, err := rt.svc.UpdateTask(ctx, rt.owner, id, patch)
	if err != nil {
		return err
	}
	fmt.Printf("updated %s %s v%d\n", t.ID, priorityBadge(t.Priority), t.Version)
	return nil
}

func runTasksDone(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: pilot tasks done <task_id>")
	}
	var expected *int
	if cmd.IsSet("version") {
		v := int(cmd.Int("version"))
		expected = &v
	}

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	t, err := rt.svc.CompleteTask(ctx, rt.owner, id, expected)
	if err != nil {
		return err
	}
	fmt.Printf("completed %s %s\n", t.ID, t.Title)
	return nil
}

func runTasksRank(ctx context.Context, cmd *cli.Command) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	snap, err := rt.svc.Recompute(ctx, rt.owner)
	if err != nil {
		return err
	}
	if ok, err := writeStructured(os.Stdout, cmd.String("output"), snap); ok {
		return err
	}
	if len(snap.Entries) == 0 {
		fmt.Println("No outstanding tasks.")
		return nil
	}

	open, err := rt.svc.ListTasks(ctx, rt.owner, tasks.Outstanding())
	if err != nil {
		return err
	}
	titles := make(map[string]string, len(open))
	for _, t := range open {
		titles[t.ID] = t.Title
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tDUE IN\tTITLE")
	for _, e := range snap.Entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s %s\n", e.Rank, e.TaskID, formatDaysToDue(e), priorityBadge(e.Priority), titles[e.TaskID])
	}
	return w.Flush()
}

func formatDue(d *time.Time) string {
	if d == nil {
		return "-"
	}
	return d.Local().Format(time.DateOnly)
}

func formatHours(h *float64) string {
	if h == nil {
		return "-"
	}
	return strconv.FormatFloat(*h, 'f', -1, 64)
}

func formatDaysToDue(e ranking.Entry) string {
	switch {
	case e.Overdue:
		return "overdue"
	case e.DaysToDue == nil:
		return "-"
	case *e.DaysToDue == 0:
		return "today"
	default:
		return fmt.Sprintf("%dd", *e.DaysToDue)
	}
}
