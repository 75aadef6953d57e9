package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shipyardhq/sma/internal/config"
	"github.com/shipyardhq/sma/internal/paths"
	"github.com/shipyardhq/sma/internal/runtime"
	"github.com/shipyardhq/sma/internal/task"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and run scheduled tasks",
	}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskRunCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List task definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := task.NewStore(paths.New(rootDir))
			if err := store.Load(); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCRON\tTITLE")
			for _, def := range store.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", def.ID, def.Status, def.Cron, def.Title)
			}
			return w.Flush()
		},
	}
}

func taskRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run a task immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout := paths.New(rootDir)
			cfg, err := config.Load(layout.ConfigFile())
			if err != nil {
				return err
			}
			rt, err := runtime.New(cfg, runtime.Options{Root: rootDir})
			if err != nil {
				return err
			}
			defer rt.Shutdown(2 * time.Second)

			if err := rt.Tasks().Load(); err != nil {
				return err
			}
			def, err := rt.Tasks().Get(args[0])
			if err != nil {
				return err
			}

			out, err := rt.Runner().Enqueue(context.Background(), def, "manual")
			if err != nil {
				return err
			}
			oc := <-out
			if record, ok := oc.Value.(*task.RunRecord); ok {
				fmt.Printf("task %s: %s (run %s)\n", def.ID, record.Status, record.Timestamp)
			}
			return oc.Err
		},
	}
}
