// Package transform wraps the external data-reduction tools behind a uniform
// adapter: each pipeline stage hands an input descriptor and stage parameters
// to an opaque tool and gets back an output descriptor plus diagnostic plots,
// or a failure. The pipeline never interprets the science, only the outcome.
package transform

import (
	"context"
	"fmt"
)

// Descriptor locates one artifact on disk.
type Descriptor struct {
	Path string
	Name string
}

func (d Descriptor) Location() string {
	if d.Path == "" {
		return d.Name
	}
	return d.Path + "/" + d.Name
}

// Params carries the stage-specific knobs. Stages read only the fields they
// define; the adapter boundary itself is uniform.
type Params struct {
	OutputDir   string  // where the stage writes its artifact
	TmpDir      string  // scratch space
	NumChannels int     // channel scrunch target (clean/calibrate)
	CaldbPath   string  // aggregate path (calibrate, pulsar scans only)
	Calibrator  bool    // calibrate: input is a cal scan, prepare instead of calibrate
	Bandwidth   float64 // MHz, from the header
}

// Result is the successful outcome of one stage transform.
type Result struct {
	Output      Descriptor
	Note        string
	Diagnostics []Descriptor
	// CalFile is set by the calibrate stage of a pulsar scan: the calibrator
	// artifact the tool chose from the aggregate.
	CalFile *Descriptor
}

// Failure marks a transform error as a domain failure of the tool rather than
// an infrastructure fault.
type Failure struct {
	Stage string
	Msg   string
	Err   error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s transform failed: %s: %v", f.Stage, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s transform failed: %s", f.Stage, f.Msg)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Adapter is the uniform boundary to the external transformation tools.
type Adapter interface {
	// Combine merges the sub-band/sub-int files named by a grouped listing
	// into one archive.
	Combine(ctx context.Context, input Descriptor, p Params) (*Result, error)
	// Correct rewrites the archive header and reports the receiver it
	// determined.
	Correct(ctx context.Context, input Descriptor, p Params) (*Result, string, error)
	// Clean removes interference from the archive.
	Clean(ctx context.Context, input Descriptor, p Params) (*Result, error)
	// Calibrate applies (or, for cal scans, prepares) calibration.
	Calibrate(ctx context.Context, input Descriptor, p Params) (*Result, error)
	// Load pushes a finished artifact into the downstream archive database
	// and returns its external identifier.
	Load(ctx context.Context, input Descriptor) (int64, error)
}

// Header is the subset of archive-header values the pipeline needs to route
// work. Reading it is delegated to the external toolchain.
type Header struct {
	SourceName string
	StartMJD   float64
	Receiver   string
	Bandwidth  float64
	NumChan    int
	LengthSec  float64
}

// HeaderReader extracts routing metadata from an archive file.
type HeaderReader interface {
	ReadHeader(ctx context.Context, path string) (*Header, error)
}

// CaldbBuilder rebuilds the per-source calibrator aggregate from the prepared
// calibrator artifacts below baseDir, writing it to outPath.
type CaldbBuilder interface {
	BuildCaldb(ctx context.Context, baseDir, outPath string) error
}
