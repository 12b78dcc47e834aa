// Package worker runs submitted prediction jobs in the background and drives
// their lifecycle in the job store.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"
	"gopkg.in/yaml.v3"

	"github.com/resfind/amrjobs/app/store"
)

// Result holds artifact locations produced by a completed prediction
type Result struct {
	ResultFile           string
	AggregatedResultFile string
}

// Predictor runs a single prediction job. Implementations report progress in
// percent through the callback; values are clamped to non-decreasing by the
// caller before they reach the store.
type Predictor interface {
	Predict(ctx context.Context, job store.Job, progress func(float64)) (Result, error)
}

// ModelPreset describes a named prediction model loaded from the presets file
type ModelPreset struct {
	Command   string `yaml:"command"`   // command template, supports {input}, {output}, {aggregated} and {batch} placeholders
	BatchSize int    `yaml:"batch"`     // default batch size when not supplied at submission
	Aggregate bool   `yaml:"aggregate"` // whether the model produces an aggregated result file
}

// LoadPresets reads model presets from a YAML file, keyed by model name
func LoadPresets(path string) (map[string]ModelPreset, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read presets file %s: %w", path, err)
	}
	res := map[string]ModelPreset{}
	if err := yaml.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to parse presets file %s: %w", path, err)
	}
	for name, p := range res {
		if p.Command == "" {
			return nil, fmt.Errorf("preset %q has no command", name)
		}
	}
	return res, nil
}

// CmdPredictor shells out to a prediction command. The command is picked from
// the preset matching the job's "model" parameter, falling back to Default.
// Stdout lines of the form "progress NN.N" are turned into progress reports.
type CmdPredictor struct {
	Presets    map[string]ModelPreset
	Default    ModelPreset
	ResultsDir string // per-job output files land under <ResultsDir>/<job id>/
}

// Predict executes the prediction command for the job
func (c *CmdPredictor) Predict(ctx context.Context, job store.Job, progress func(float64)) (Result, error) {
	preset := c.Default
	if model := job.Params["model"]; model != "" {
		p, ok := c.Presets[model]
		if !ok {
			return Result{}, fmt.Errorf("unknown model %q for job %s", model, job.ID)
		}
		preset = p
	}
	if preset.Command == "" {
		return Result{}, fmt.Errorf("no prediction command configured for job %s", job.ID)
	}

	outDir := filepath.Join(c.ResultsDir, job.ID)
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return Result{}, fmt.Errorf("failed to create output dir for job %s: %w", job.ID, err)
	}

	res := Result{ResultFile: filepath.Join(outDir, "result.tsv")}
	if preset.Aggregate {
		res.AggregatedResultFile = filepath.Join(outDir, "aggregated.tsv")
	}

	command := c.renderCommand(preset, job, res)
	log.Printf("[DEBUG] job %s executes %q", job.ID, command)

	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // command built from operator presets
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to attach stdout for job %s: %w", job.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start prediction for job %s: %w", job.ID, err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if p, ok := parseProgress(scanner.Text()); ok {
			progress(p)
		}
	}

	if err := cmd.Wait(); err != nil {
		return Result{}, fmt.Errorf("prediction failed for job %s: %w", job.ID, err)
	}
	if _, err := os.Stat(res.ResultFile); err != nil {
		return Result{}, fmt.Errorf("prediction for job %s produced no result file: %w", job.ID, err)
	}
	return res, nil
}

// renderCommand substitutes placeholders in the preset's command template
func (c *CmdPredictor) renderCommand(preset ModelPreset, job store.Job, res Result) string {
	batch := strconv.Itoa(preset.BatchSize)
	if b := job.Params["batch_size"]; b != "" {
		batch = b
	}
	r := strings.NewReplacer(
		"{input}", job.Params["input_file"],
		"{output}", res.ResultFile,
		"{aggregated}", res.AggregatedResultFile,
		"{batch}", batch,
	)
	return r.Replace(preset.Command)
}

// parseProgress extracts a percentage from "progress NN.N" lines
func parseProgress(line string) (float64, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 2 || !strings.EqualFold(fields[0], "progress") {
		return 0, false
	}
	p, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || p < 0 || p > 100 {
		return 0, false
	}
	return p, true
}
