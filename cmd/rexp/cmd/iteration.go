package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/render-experiments/internal/report"
)

var iterationPortBase int

var iterationCmd = &cobra.Command{
	Use:   "iteration <label>",
	Short: "Run a single experiment iteration",
	Long: `Run one iteration for the given label and print its jobs.

Example:
  rexp iteration 0005
  rexp iteration 0005 --port-base 20 --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runIteration,
}

func init() {
	rootCmd.AddCommand(iterationCmd)
	iterationCmd.Flags().IntVar(&iterationPortBase, "port-base", 0, "added to every server port offset")
}

func runIteration(cmd *cobra.Command, args []string) error {
	a, err := newApp("iteration")
	if err != nil {
		return err
	}

	ctx, cancel, err := a.start()
	if err != nil {
		return err
	}
	defer cancel()
	defer a.finish()

	res := a.coordinator().RunIteration(ctx, args[0], iterationPortBase)

	if IsJSONOutput() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Printf("\nIteration %s: %d job(s), %d failed\n", res.Label, len(res.Results), res.Failed())
	return report.WriteTable(os.Stdout, res.Results)
}
