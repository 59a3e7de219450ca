package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/render-experiments/internal/batch"
	"github.com/psantana5/render-experiments/internal/report"
	"github.com/psantana5/render-experiments/internal/store"
	"github.com/psantana5/render-experiments/pkg/logging"
	"github.com/psantana5/render-experiments/pkg/shutdown"
)

var failOnError bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of experiment iterations",
	Long: `Run iterates the experiment over zero-padded labels, one iteration at a
time unless --parallel is raised. Each iteration joins every process it
started before the next one begins.

Example:
  rexp run
  rexp run --start 3 --count 2
  rexp run --parallel 2 --metrics-addr :9108`,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int("start", 0, "first label")
	runCmd.Flags().Int("count", 10, "number of iterations")
	runCmd.Flags().Int("width", 4, "label width (zero padded)")
	runCmd.Flags().Int("parallel", 1, "iterations allowed to overlap")
	runCmd.Flags().String("metrics-addr", "", "serve /metrics, /health and /failures on this address")
	runCmd.Flags().String("store", "", "history database (empty keeps the configured path)")
	runCmd.Flags().BoolVar(&failOnError, "fail-on-error", false, "exit non-zero if any job failed")

	viper.BindPFlag("batch.start", runCmd.Flags().Lookup("start"))
	viper.BindPFlag("batch.count", runCmd.Flags().Lookup("count"))
	viper.BindPFlag("batch.width", runCmd.Flags().Lookup("width"))
	viper.BindPFlag("batch.parallel", runCmd.Flags().Lookup("parallel"))
	viper.BindPFlag("metrics.addr", runCmd.Flags().Lookup("metrics-addr"))
}

func runBatch(cmd *cobra.Command, args []string) error {
	a, err := newApp("run")
	if err != nil {
		return err
	}
	if path, _ := cmd.Flags().GetString("store"); path != "" {
		a.cfg.Store.Path = path
	}

	ctx, cancel, err := a.start()
	if err != nil {
		return err
	}
	defer cancel()
	defer a.finish()

	driver := &batch.Driver{
		Runner:     a.coordinator(),
		Parallel:   a.cfg.Batch.Parallel,
		PortStride: a.cfg.Batch.PortStride,
		Logger:     a.logger,
		Tracer:     a.tracer,
	}

	if a.cfg.Store.Path != "" {
		st, err := store.NewSQLiteStore(a.cfg.Store.Path)
		if err != nil {
			// history is optional, the batch is not
			a.logger.Warn("history disabled", logging.Fields{"path": a.cfg.Store.Path, "error": err.Error()})
		} else {
			driver.Recorder = st
			a.shutdown.Register("store", shutdown.CloseResource(st, "store"))
		}
	}

	labels := batch.Labels(a.cfg.Batch.Start, a.cfg.Batch.Count, a.cfg.Batch.Width)
	summary := driver.Run(ctx, labels)

	if IsJSONOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		fmt.Printf("\nRun %s: %d iteration(s), %d failed job(s)\n", summary.RunID, len(summary.Iterations), summary.Failed())
		if err := report.WriteTable(os.Stdout, summary.Results()); err != nil {
			return err
		}
	}

	if summary.Canceled {
		return fmt.Errorf("batch canceled after %d of %d iterations", len(summary.Iterations), len(labels))
	}
	if failOnError && summary.Failed() > 0 {
		return fmt.Errorf("%d job(s) failed", summary.Failed())
	}
	return nil
}
