package transform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/psrpipe/pipeline/internal/logger"
)

// ToolConfig names the external driver programs. Each driver prints the
// artifacts it produced on stdout, one path per line, result first.
type ToolConfig struct {
	Combine    string
	Correct    string
	Clean      string
	Calibrate  string
	PrepareCal string
	Load       string
	Header     string
	Caldb      string
	Plot       string
}

// DefaultToolConfig points at the reduction driver scripts expected on PATH.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		Combine:    "psr-combine",
		Correct:    "psr-correct",
		Clean:      "psr-clean",
		Calibrate:  "psr-calibrate",
		PrepareCal: "psr-prepcal",
		Load:       "psr-load",
		Header:     "vap",
		Caldb:      "pac",
		Plot:       "psr-plot",
	}
}

// Tools is the exec-backed Adapter. Every call shells out to the external
// toolchain; a non-zero exit is reported as a Failure so workers can
// distinguish domain failures from infrastructure faults.
type Tools struct {
	cfg ToolConfig
}

func NewTools(cfg ToolConfig) *Tools {
	return &Tools{cfg: cfg}
}

func (t *Tools) run(ctx context.Context, stage string, dir string, name string, args ...string) ([]string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	logger.Debug("Running external tool", map[string]interface{}{
		"stage": stage,
		"cmd":   name,
		"args":  strings.Join(args, " "),
	})
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "tool reported failure"
		}
		return nil, &Failure{Stage: stage, Msg: msg, Err: err}
	}
	var lines []string
	for _, ln := range strings.Split(stdout.String(), "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			lines = append(lines, ln)
		}
	}
	return lines, nil
}

func descriptorFor(path string) Descriptor {
	dir, name := filepath.Split(path)
	return Descriptor{Path: filepath.Clean(dir), Name: name}
}

func (t *Tools) Combine(ctx context.Context, input Descriptor, p Params) (*Result, error) {
	if err := os.MkdirAll(p.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create combine output dir: %w", err)
	}
	lines, err := t.run(ctx, "combine", p.TmpDir, t.cfg.Combine,
		input.Location(), "-O", p.OutputDir)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, &Failure{Stage: "combine", Msg: "tool produced no output path"}
	}
	return &Result{Output: descriptorFor(lines[0])}, nil
}

func (t *Tools) Correct(ctx context.Context, input Descriptor, p Params) (*Result, string, error) {
	lines, err := t.run(ctx, "correct", "", t.cfg.Correct, input.Location())
	if err != nil {
		return nil, "", err
	}
	// First line: "<output-path> <receiver>", optionally followed by a note.
	if len(lines) == 0 {
		return nil, "", &Failure{Stage: "correct", Msg: "tool produced no output path"}
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return nil, "", &Failure{Stage: "correct", Msg: "tool output missing receiver: " + lines[0]}
	}
	res := &Result{Output: descriptorFor(fields[0])}
	if len(lines) > 1 {
		res.Note = lines[1]
	}
	diags, err := t.summaryPlots(ctx, fields[0])
	if err != nil {
		return nil, "", err
	}
	res.Diagnostics = diags
	return res, fields[1], nil
}

func (t *Tools) Clean(ctx context.Context, input Descriptor, p Params) (*Result, error) {
	if err := os.MkdirAll(p.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create clean output dir: %w", err)
	}
	lines, err := t.run(ctx, "clean", "", t.cfg.Clean,
		input.Location(), "-O", p.OutputDir)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, &Failure{Stage: "clean", Msg: "tool produced no output path"}
	}
	res := &Result{Output: descriptorFor(lines[0])}
	diags, err := t.summaryPlots(ctx, lines[0])
	if err != nil {
		return nil, err
	}
	res.Diagnostics = diags
	return res, nil
}

func (t *Tools) Calibrate(ctx context.Context, input Descriptor, p Params) (*Result, error) {
	if p.Calibrator {
		return t.prepareCal(ctx, input, p)
	}
	args := []string{input.Location(), "--caldb", p.CaldbPath}
	if p.NumChannels > 0 {
		args = append(args, "--nchan", strconv.Itoa(p.NumChannels))
	}
	lines, err := t.run(ctx, "calibrate", "", t.cfg.Calibrate, args...)
	if err != nil {
		return nil, err
	}
	// First line: calibrated output; second line: the calibrator artifact
	// chosen from the aggregate.
	if len(lines) == 0 {
		return nil, &Failure{Stage: "calibrate", Msg: "tool produced no output path"}
	}
	res := &Result{Output: descriptorFor(lines[0])}
	if len(lines) > 1 {
		cal := descriptorFor(lines[1])
		res.CalFile = &cal
	}
	diags, err := t.summaryPlots(ctx, lines[0])
	if err != nil {
		return nil, err
	}
	polDiags, err := t.polPlots(ctx, lines[0])
	if err != nil {
		return nil, err
	}
	res.Diagnostics = append(diags, polDiags...)
	return res, nil
}

func (t *Tools) prepareCal(ctx context.Context, input Descriptor, p Params) (*Result, error) {
	args := []string{input.Location()}
	if p.NumChannels > 0 {
		args = append(args, "--nchan", strconv.Itoa(p.NumChannels))
	}
	lines, err := t.run(ctx, "calibrate", "", t.cfg.PrepareCal, args...)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, &Failure{Stage: "calibrate", Msg: "tool produced no output path"}
	}
	res := &Result{Output: descriptorFor(lines[0])}
	plot, err := t.plot(ctx, lines[0], "stokes")
	if err != nil {
		return nil, err
	}
	res.Diagnostics = []Descriptor{plot}
	return res, nil
}

func (t *Tools) Load(ctx context.Context, input Descriptor) (int64, error) {
	lines, err := t.run(ctx, "load", "", t.cfg.Load, input.Location())
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, &Failure{Stage: "load", Msg: "tool reported no archive identifier"}
	}
	id, err := strconv.ParseInt(lines[len(lines)-1], 10, 64)
	if err != nil {
		return 0, &Failure{Stage: "load", Msg: "unparseable archive identifier: " + lines[len(lines)-1]}
	}
	return id, nil
}

// ReadHeader extracts routing metadata with the vap-style header tool.
func (t *Tools) ReadHeader(ctx context.Context, path string) (*Header, error) {
	lines, err := t.run(ctx, "header", "", t.cfg.Header,
		"-n", "-c", "name,mjd,rcvr,bw,nchan,length", path)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, &Failure{Stage: "header", Msg: "no header line for " + path}
	}
	// "<file> <name> <mjd> <rcvr> <bw> <nchan> <length>"
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 7 {
		return nil, &Failure{Stage: "header", Msg: "short header line: " + lines[len(lines)-1]}
	}
	h := &Header{SourceName: fields[1], Receiver: fields[3]}
	if h.StartMJD, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return nil, &Failure{Stage: "header", Msg: "unparseable MJD: " + fields[2]}
	}
	if h.Bandwidth, err = strconv.ParseFloat(fields[4], 64); err != nil {
		return nil, &Failure{Stage: "header", Msg: "unparseable bandwidth: " + fields[4]}
	}
	if h.NumChan, err = strconv.Atoi(fields[5]); err != nil {
		return nil, &Failure{Stage: "header", Msg: "unparseable channel count: " + fields[5]}
	}
	if h.LengthSec, err = strconv.ParseFloat(fields[6], 64); err != nil {
		return nil, &Failure{Stage: "header", Msg: "unparseable length: " + fields[6]}
	}
	return h, nil
}

// BuildCaldb rebuilds a source's calibrator aggregate with the pac-style
// tool, run from the directory holding the prepared calibrator artifacts.
func (t *Tools) BuildCaldb(ctx context.Context, baseDir, outPath string) error {
	_, err := t.run(ctx, "caldb", baseDir, t.cfg.Caldb,
		"-w", "-u", ".pcal.T", "-k", outPath)
	return err
}

func (t *Tools) summaryPlots(ctx context.Context, path string) ([]Descriptor, error) {
	full, err := t.plot(ctx, path, "summary")
	if err != nil {
		return nil, err
	}
	low, err := t.plot(ctx, path, "summary-scrunched")
	if err != nil {
		return nil, err
	}
	return []Descriptor{full, low}, nil
}

func (t *Tools) polPlots(ctx context.Context, path string) ([]Descriptor, error) {
	full, err := t.plot(ctx, path, "polprofile")
	if err != nil {
		return nil, err
	}
	low, err := t.plot(ctx, path, "polprofile-scrunched")
	if err != nil {
		return nil, err
	}
	return []Descriptor{full, low}, nil
}

func (t *Tools) plot(ctx context.Context, path, kind string) (Descriptor, error) {
	out := fmt.Sprintf("%s.%s.png", path, kind)
	if _, err := t.run(ctx, "plot", "", t.cfg.Plot, "-p", kind, path, "-o", out); err != nil {
		return Descriptor{}, err
	}
	return descriptorFor(out), nil
}
