package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WriteTextfile writes every gathered metric family to path in the text
// exposition format, for node_exporter's textfile collector. The file is
// replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".rexp-metrics-*")
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(tmp, mf); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// WriteTable renders results as a table, one row per process
func WriteTable(out io.Writer, results Results) error {
	table := tablewriter.NewWriter(out)
	table.Header("Iteration", "Role", "Name", "PID", "Exit", "Reason", "Runtime")

	for _, r := range results {
		pid := "-"
		if r.PID > 0 {
			pid = strconv.Itoa(r.PID)
		}
		reason := string(r.Reason)
		if r.Failed {
			reason = "FAILED " + reason
		}
		if err := table.Append(
			r.Iteration,
			string(r.Role),
			r.Name,
			pid,
			strconv.Itoa(r.ExitCode),
			reason,
			r.Duration.Round(time.Second).String(),
		); err != nil {
			return err
		}
	}

	return table.Render()
}
