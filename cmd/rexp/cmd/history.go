package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/render-experiments/internal/report"
	"github.com/psantana5/render-experiments/internal/store"
)

var (
	historyLimit    int
	pruneOlderThan  time.Duration
	pruneSkipVacuum bool
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show past runs, or the jobs of one run",
	Long: `Without arguments, list recent runs from the history database.
With a run ID (or a unique prefix of one), list that run's jobs.

Example:
  rexp history
  rexp history 3f2a --output json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished runs older than --older-than",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyPruneCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum runs to list")
	historyPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "retention")
	historyPruneCmd.Flags().BoolVar(&pruneSkipVacuum, "no-vacuum", false, "skip VACUUM after deleting")
}

func openHistory() (*store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" {
		return nil, fmt.Errorf("no history database configured (store.path)")
	}
	if !fileExists(cfg.Store.Path) {
		return nil, fmt.Errorf("history database %s does not exist yet", cfg.Store.Path)
	}
	return store.NewSQLiteStore(cfg.Store.Path)
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	st, err := openHistory()
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.Prune(cmd.Context(), time.Now().Add(-pruneOlderThan))
	if err != nil {
		return err
	}
	if n > 0 && !pruneSkipVacuum {
		if err := st.Vacuum(cmd.Context()); err != nil {
			return err
		}
	}
	fmt.Printf("Pruned %d run(s) older than %s\n", n, pruneOlderThan)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	st, err := openHistory()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if len(args) == 1 {
		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		jobs, err := st.ListJobs(ctx, run.ID)
		if err != nil {
			return err
		}
		return printRunJobs(run, jobs)
	}

	runs, err := st.ListRuns(ctx, historyLimit)
	if err != nil {
		return err
	}
	return printRuns(runs)
}

func printRuns(runs []*store.Run) error {
	if IsJSONOutput() {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Run", "Started", "Labels", "Iterations", "Failed Jobs", "Status", "Duration")
	for _, r := range runs {
		status, duration := "running", "-"
		if r.EndedAt != nil {
			status = "done"
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		if r.Canceled {
			status = "canceled"
		}
		table.Append(
			shortID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			labelRange(r.Labels),
			fmt.Sprintf("%d/%d", r.Iterations, len(r.Labels)),
			fmt.Sprintf("%d", r.FailedJobs),
			status,
			duration,
		)
	}
	return table.Render()
}

func printRunJobs(run *store.Run, jobs report.Results) error {
	if IsJSONOutput() {
		return printJSON(struct {
			Run  *store.Run     `json:"run"`
			Jobs report.Results `json:"jobs"`
		}{run, jobs})
	}

	fmt.Printf("Run %s (%s), %d failed job(s)\n", run.ID, labelRange(run.Labels), jobs.Failed())
	return report.WriteTable(os.Stdout, jobs)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func labelRange(labels []string) string {
	switch len(labels) {
	case 0:
		return "-"
	case 1:
		return labels[0]
	case 2:
		return strings.Join(labels, ",")
	default:
		return labels[0] + ".." + labels[len(labels)-1]
	}
}
