package cmd

import (
	"strings"
	"testing"

	"github.com/psantana5/render-experiments/internal/job"
)

func TestIntegratorWarnings(t *testing.T) {
	tests := []struct {
		name       string
		integrator job.Integrator
		want       string
	}{
		{"path tracer", job.IntegratorPathTracer, ""},
		{"inference needs a server", job.IntegratorDataParallel, "inference server on port offset 1"},
		{"unknown", job.Integrator("Bogus"), `unknown integrator "Bogus"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := integratorWarnings(tt.integrator, 1)
			if tt.want == "" {
				if len(got) != 0 {
					t.Fatalf("warnings = %v, want none", got)
				}
				return
			}
			if len(got) != 1 || !strings.Contains(got[0], tt.want) {
				t.Fatalf("warnings = %v, want one containing %q", got, tt.want)
			}
		})
	}
}
