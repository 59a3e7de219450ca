package job

import (
	"encoding/json"
	"fmt"
	"os"
)

// Integrator selects the rendering strategy the renderer runs.
type Integrator string

const (
	IntegratorPathTracer   Integrator = "PathTracer"
	IntegratorDataParallel Integrator = "DataParallelIntegrator" // inference-driven, needs a server
	IntegratorBasicVolume  Integrator = "BasicVolumeIntegrator"
	IntegratorOptimalMIS   Integrator = "OptimalMISIntegrator"
	IntegratorPhoton       Integrator = "PhotonRenderer"
)

// Integrators lists every integrator the renderer understands
func Integrators() []Integrator {
	return []Integrator{
		IntegratorPathTracer,
		IntegratorDataParallel,
		IntegratorBasicVolume,
		IntegratorOptimalMIS,
		IntegratorPhoton,
	}
}

// Valid reports whether the renderer knows this integrator.
// Build never calls it: descriptors are passed through uninterpreted.
func (i Integrator) Valid() bool {
	for _, known := range Integrators() {
		if i == known {
			return true
		}
	}
	return false
}

// NeedsServer is true for integrators that query an inference server.
func (i Integrator) NeedsServer() bool {
	return i == IntegratorDataParallel
}

// Descriptor is the complete configuration for one renderer invocation.
// JSON keys are the renderer's job-file contract and must not change.
type Descriptor struct {
	Force bool `json:"force"`

	Samples    int `json:"spp"`
	PortOffset int `json:"port_offset"`

	OutputDirectory string     `json:"output_directory"`
	OutputName      string     `json:"output_name"`
	Integrator      Integrator `json:"integrator"`
	Scene           string     `json:"scene"`
	ShowUI          bool       `json:"showUI"`

	StartBounce int `json:"startBounce"`
	LastBounce  int `json:"lastBounce"`

	LightPhiSteps   int `json:"lightPhiSteps"`
	LightThetaSteps int `json:"lightThetaSteps"`

	PhiSteps         int `json:"phiSteps"`
	ThetaSteps       int `json:"thetaSteps"`
	DebugSearchCount int `json:"debugSearchCount"`

	PhotonSamples int `json:"photonSamples"`
	PhotonBounces int `json:"photonBounces"`

	Width  int `json:"width"`
	Height int `json:"height"`
}

// Params are the caller-supplied parts of a descriptor
type Params struct {
	Samples         int
	PortOffset      int // optional, 0 when unset
	OutputDirectory string
	Integrator      Integrator
	Scene           string
	OutputName      string
}

// Defaults returns the fixed block shared by every job.
func Defaults() Descriptor {
	return Descriptor{
		Force:  true,
		ShowUI: false,

		StartBounce: 2,
		LastBounce:  2,

		LightPhiSteps:   20,
		LightThetaSteps: 20,

		PhiSteps:         10,
		ThetaSteps:       10,
		DebugSearchCount: 100,

		PhotonSamples: 100000,
		PhotonBounces: 2,

		Width:  400,
		Height: 400,
	}
}

// Build merges p over Defaults. Values are not range checked.
func Build(p Params) Descriptor {
	d := Defaults()
	d.Samples = p.Samples
	d.PortOffset = p.PortOffset
	d.OutputDirectory = p.OutputDirectory
	d.OutputName = p.OutputName
	d.Integrator = p.Integrator
	d.Scene = p.Scene
	return d
}

// JSON renders the descriptor the way it is written to the job file.
func (d Descriptor) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// String is used in log lines; it never fails.
func (d Descriptor) String() string {
	data, err := d.JSON()
	if err != nil {
		return fmt.Sprintf("<unencodable job: %v>", err)
	}
	return string(data)
}

// WriteTemp writes the job file under dir (os.TempDir when empty) and
// returns its path. The file is complete and closed on return; the caller
// owns removal.
func (d Descriptor) WriteTemp(dir string) (string, error) {
	data, err := d.JSON()
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	f, err := os.CreateTemp(dir, "rexp-job-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create job file: %w", err)
	}
	path := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write job file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close job file %s: %w", path, err)
	}

	return path, nil
}
