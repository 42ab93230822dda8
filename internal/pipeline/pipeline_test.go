package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/psrpipe/pipeline/internal/config"
	"github.com/psrpipe/pipeline/internal/models"
	"github.com/psrpipe/pipeline/internal/store"
	"github.com/psrpipe/pipeline/internal/transform"
)

// fakeTools is an in-memory Adapter: successes materialize a real output
// file (workers checksum their outputs), failures return the configured
// error.
type fakeTools struct {
	mu     sync.Mutex
	outDir string

	combineErr   error
	correctErr   error
	cleanErr     error
	calibrateErr error
	loadErr      error

	receiver string
	calFile  *transform.Descriptor
	loadID   int64

	combineCalls   int
	calibrateCalls int
	loadCalls      int
	// onCalibrate runs inside Calibrate, before the error check. Lock tests
	// use it to observe critical-section overlap.
	onCalibrate func()
}

func (f *fakeTools) counts() (combine, calibrate, load int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.combineCalls, f.calibrateCalls, f.loadCalls
}

// materialize writes a real artifact so the worker can checksum it.
func (f *fakeTools) materialize(name string) (transform.Descriptor, error) {
	path := filepath.Join(f.outDir, name)
	if err := os.WriteFile(path, []byte(name+" contents"), 0644); err != nil {
		return transform.Descriptor{}, err
	}
	return transform.Descriptor{Path: f.outDir, Name: name}, nil
}

func (f *fakeTools) Combine(ctx context.Context, input transform.Descriptor, p transform.Params) (*transform.Result, error) {
	f.mu.Lock()
	f.combineCalls++
	f.mu.Unlock()
	if f.combineErr != nil {
		return nil, f.combineErr
	}
	out, err := f.materialize(input.Name + ".cf")
	if err != nil {
		return nil, err
	}
	return &transform.Result{Output: out}, nil
}

func (f *fakeTools) Correct(ctx context.Context, input transform.Descriptor, p transform.Params) (*transform.Result, string, error) {
	if f.correctErr != nil {
		return nil, "", f.correctErr
	}
	out, err := f.materialize(input.Name + ".rf")
	if err != nil {
		return nil, "", err
	}
	return &transform.Result{Output: out}, f.receiver, nil
}

func (f *fakeTools) Clean(ctx context.Context, input transform.Descriptor, p transform.Params) (*transform.Result, error) {
	if f.cleanErr != nil {
		return nil, f.cleanErr
	}
	out, err := f.materialize(input.Name + ".zap")
	if err != nil {
		return nil, err
	}
	return &transform.Result{Output: out}, nil
}

func (f *fakeTools) Calibrate(ctx context.Context, input transform.Descriptor, p transform.Params) (*transform.Result, error) {
	f.mu.Lock()
	f.calibrateCalls++
	f.mu.Unlock()
	if f.onCalibrate != nil {
		f.onCalibrate()
	}
	if f.calibrateErr != nil {
		return nil, f.calibrateErr
	}
	out, err := f.materialize(input.Name + ".calib")
	if err != nil {
		return nil, err
	}
	res := &transform.Result{Output: out}
	if !p.Calibrator {
		res.CalFile = f.calFile
	}
	return res, nil
}

func (f *fakeTools) Load(ctx context.Context, input transform.Descriptor) (int64, error) {
	f.mu.Lock()
	f.loadCalls++
	f.mu.Unlock()
	if f.loadErr != nil {
		return 0, f.loadErr
	}
	return f.loadID, nil
}

type fakeHeaders struct {
	hdr *transform.Header
	err error
}

func (f *fakeHeaders) ReadHeader(ctx context.Context, path string) (*transform.Header, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hdr, nil
}

type fakeCaldbBuilder struct {
	mu     sync.Mutex
	builds int
	err    error
}

func (f *fakeCaldbBuilder) BuildCaldb(ctx context.Context, baseDir, outPath string) error {
	f.mu.Lock()
	f.builds++
	f.mu.Unlock()
	return f.err
}

func (f *fakeCaldbBuilder) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

type testEnv struct {
	pipe    *Pipeline
	store   *store.Store
	tools   *fakeTools
	headers *fakeHeaders
	caldb   *fakeCaldbBuilder
	cfg     *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "test.db")
	conn, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	err = conn.AutoMigrate(
		&models.Directory{},
		&models.Observation{},
		&models.File{},
		&models.Diagnostic{},
		&models.CalibrationDatabase{},
		&models.ObsLog{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	outDir := filepath.Join(root, "out")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		t.Fatalf("failed to create output dir: %v", err)
	}
	cfg := &config.Config{
		BaseRawDataDir: filepath.Join(root, "raw"),
		OutputDir:      outDir,
		TmpDir:         filepath.Join(root, "tmp"),
	}
	st := store.New(conn)
	tools := &fakeTools{outDir: outDir, receiver: "RCVR1", loadID: 42}
	headers := &fakeHeaders{}
	caldb := &fakeCaldbBuilder{}
	return &testEnv{
		pipe:    New(st, tools, headers, caldb, cfg),
		store:   st,
		tools:   tools,
		headers: headers,
		caldb:   caldb,
		cfg:     cfg,
	}
}

// pinMJD fixes the clock for grace-period logic, restoring it afterwards.
func pinMJD(t *testing.T, mjd float64) {
	t.Helper()
	prev := mjdNow
	mjdNow = func() float64 { return mjd }
	t.Cleanup(func() { mjdNow = prev })
}

func (e *testEnv) mkObs(t *testing.T, source string, mjd float64) *models.Observation {
	t.Helper()
	obs := &models.Observation{
		SourceName: source,
		StartMJD:   mjd,
		ObsType:    models.ObsTypeForSource(source),
	}
	if err := e.store.InsertObservation(obs); err != nil {
		t.Fatalf("failed to insert observation: %v", err)
	}
	return obs
}

var fileSeq int

func (e *testEnv) mkFile(t *testing.T, obsID uint, stage models.FileStage, status models.FileStatus) *models.File {
	t.Helper()
	fileSeq++
	name := fmt.Sprintf("file-%d.%s", fileSeq, stage)
	path := filepath.Join(e.tools.outDir, name)
	if err := os.WriteFile(path, []byte(name), 0644); err != nil {
		t.Fatalf("failed to write input artifact: %v", err)
	}
	f := &models.File{
		ObsID:    obsID,
		Stage:    stage,
		Status:   status,
		FilePath: e.tools.outDir,
		FileName: name,
	}
	if err := e.store.InsertFile(f); err != nil {
		t.Fatalf("failed to insert file: %v", err)
	}
	return f
}

// claim flips the file to submitted and returns the snapshot a worker would
// be handed.
func (e *testEnv) claim(t *testing.T, fileID uint) store.FileRow {
	t.Helper()
	won, err := e.store.ClaimFile(fileID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !won {
		t.Fatalf("claim of file %d lost", fileID)
	}
	row, err := e.store.FileByID(fileID)
	if err != nil {
		t.Fatalf("FileByID: %v", err)
	}
	return *row
}

func (e *testEnv) fileStatus(t *testing.T, fileID uint) models.FileStatus {
	t.Helper()
	row, err := e.store.FileByID(fileID)
	if err != nil {
		t.Fatalf("FileByID: %v", err)
	}
	return row.Status
}
