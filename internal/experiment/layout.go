package experiment

import (
	"fmt"
	"strings"
)

// Layout names an iteration's scene and output directories from its label.
// Templates use {label} and {role}.
type Layout struct {
	Scene  string `mapstructure:"scene" yaml:"scene"`
	Output string `mapstructure:"output" yaml:"output"`
}

// DefaultLayout is the procedural Cornell box series under /tmp
func DefaultLayout() Layout {
	return Layout{
		Scene:  "procedural/cornell-{label}",
		Output: "/tmp/test-{label}-{role}",
	}
}

// SceneName is the scene identifier handed to the analysis tool
func (l Layout) SceneName(label string) string {
	return strings.ReplaceAll(l.Scene, "{label}", label)
}

// SceneFile is the scene reference written into job descriptors
func (l Layout) SceneFile(label string) string {
	return l.SceneName(label) + ".json"
}

// OutputDir is where the job with the given role writes its images
func (l Layout) OutputDir(label, role string) string {
	r := strings.NewReplacer("{label}", label, "{role}", role)
	return r.Replace(l.Output)
}

// Validate checks the templates can tell iterations and roles apart
func (l Layout) Validate() error {
	if !strings.Contains(l.Scene, "{label}") {
		return fmt.Errorf("scene template %q has no {label}", l.Scene)
	}
	if !strings.Contains(l.Output, "{label}") || !strings.Contains(l.Output, "{role}") {
		return fmt.Errorf("output template %q needs {label} and {role}", l.Output)
	}
	return nil
}
