package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psantana5/render-experiments/internal/job"
)

var (
	jobSamples    int
	jobPortOffset int
	jobOutputDir  string
	jobName       string
	jobIntegrator string
	jobScene      string
	jobWriteDir   string
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Print the job file the renderer would receive",
	Long: `Build a renderer job descriptor from the fixed defaults and the given
parameters and print it as JSON. With --write-dir the file is written there
instead and its path printed, ready to hand to the renderer by hand.

Example:
  rexp job --scene procedural/cornell-0005.json --output-dir /tmp/test-0005-path --name Path
  rexp job --spp 4096 --scene s.json --output-dir /tmp/gt --name GT --write-dir .`,
	RunE: runJob,
}

func init() {
	rootCmd.AddCommand(jobCmd)

	jobCmd.Flags().IntVar(&jobSamples, "spp", 128, "samples per pixel")
	jobCmd.Flags().IntVar(&jobPortOffset, "port-offset", 0, "inference server port offset")
	jobCmd.Flags().StringVar(&jobOutputDir, "output-dir", "", "output directory")
	jobCmd.Flags().StringVar(&jobName, "name", "", "output name")
	jobCmd.Flags().StringVar(&jobIntegrator, "integrator", string(job.IntegratorPathTracer), "integrator")
	jobCmd.Flags().StringVar(&jobScene, "scene", "", "scene file")
	jobCmd.Flags().StringVar(&jobWriteDir, "write-dir", "", "write the job file into this directory")

	jobCmd.MarkFlagRequired("output-dir")
	jobCmd.MarkFlagRequired("name")
	jobCmd.MarkFlagRequired("scene")
}

func runJob(cmd *cobra.Command, args []string) error {
	integrator := job.Integrator(jobIntegrator)
	for _, w := range integratorWarnings(integrator, jobPortOffset) {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	d := job.Build(job.Params{
		Samples:         jobSamples,
		PortOffset:      jobPortOffset,
		OutputDirectory: jobOutputDir,
		Integrator:      integrator,
		Scene:           jobScene,
		OutputName:      jobName,
	})

	if jobWriteDir != "" {
		path, err := d.WriteTemp(jobWriteDir)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	}

	data, err := d.JSON()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// integratorWarnings explains what the renderer will need for a hand-built
// job: rexp job starts no inference server.
func integratorWarnings(integrator job.Integrator, portOffset int) []string {
	if !integrator.Valid() {
		names := make([]string, 0, len(job.Integrators()))
		for _, i := range job.Integrators() {
			names = append(names, string(i))
		}
		return []string{fmt.Sprintf("unknown integrator %q (known: %s)", integrator, strings.Join(names, ", "))}
	}
	if integrator.NeedsServer() {
		return []string{fmt.Sprintf("%s queries an inference server on port offset %d; start one before running the renderer", integrator, portOffset)}
	}
	return nil
}
