package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/psrpipe/pipeline/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
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
	return New(conn)
}

func mkObs(t *testing.T, s *Store, source string, mjd float64) *models.Observation {
	t.Helper()
	obs := &models.Observation{
		SourceName: source,
		StartMJD:   mjd,
		ObsType:    models.ObsTypeForSource(source),
	}
	if err := s.InsertObservation(obs); err != nil {
		t.Fatalf("failed to insert observation: %v", err)
	}
	return obs
}

func mkFile(t *testing.T, s *Store, obsID uint, stage models.FileStage, status models.FileStatus, name string) *models.File {
	t.Helper()
	f := &models.File{
		ObsID:    obsID,
		Stage:    stage,
		Status:   status,
		FilePath: "/data",
		FileName: name,
	}
	if err := s.InsertFile(f); err != nil {
		t.Fatalf("failed to insert file: %v", err)
	}
	return f
}

func setQC(t *testing.T, s *Store, fileID uint, passed bool) {
	t.Helper()
	if err := s.SetFileQC(fileID, passed, ""); err != nil {
		t.Fatalf("failed to set QC: %v", err)
	}
}

func TestSelectEligibleFiltersStatusAndStage(t *testing.T) {
	s := newTestStore(t)
	obs := mkObs(t, s, "J0437-4715", 60000)

	eligible := mkFile(t, s, obs.ID, models.StageGrouped, models.FileStatusNew, "a.grouped")
	mkFile(t, s, obs.ID, models.StageGrouped, models.FileStatusSubmitted, "b.grouped")
	mkFile(t, s, obs.ID, models.StageCombined, models.FileStatusNew, "c.cf")

	rows, err := s.SelectEligible([]models.FileStage{models.StageGrouped}, false, nil)
	if err != nil {
		t.Fatalf("SelectEligible: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != eligible.ID {
		t.Fatalf("expected only file %d, got %+v", eligible.ID, rows)
	}
	for _, row := range rows {
		if row.Status != models.FileStatusNew {
			t.Errorf("selected a row with status %q", row.Status)
		}
	}
}

func TestSelectEligibleQualityGate(t *testing.T) {
	s := newTestStore(t)
	obs := mkObs(t, s, "J0437-4715", 60000)

	passed := mkFile(t, s, obs.ID, models.StageCleaned, models.FileStatusNew, "pass.zap")
	setQC(t, s, passed.ID, true)
	failed := mkFile(t, s, obs.ID, models.StageCleaned, models.FileStatusNew, "fail.zap")
	setQC(t, s, failed.ID, false)
	mkFile(t, s, obs.ID, models.StageCleaned, models.FileStatusNew, "unset.zap")

	rows, err := s.SelectEligible([]models.FileStage{models.StageCleaned}, true, nil)
	if err != nil {
		t.Fatalf("SelectEligible: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != passed.ID {
		t.Fatalf("quality gate should admit only the passed file, got %d rows", len(rows))
	}
}

func TestSelectEligiblePriorityAllowList(t *testing.T) {
	s := newTestStore(t)
	a := mkObs(t, s, "J0437-4715", 60000)
	b := mkObs(t, s, "J1713+0747", 60000)
	wantA := mkFile(t, s, a.ID, models.StageGrouped, models.FileStatusNew, "a.grouped")
	mkFile(t, s, b.ID, models.StageGrouped, models.FileStatusNew, "b.grouped")

	rows, err := s.SelectEligible(nil, false, []string{"J04*"})
	if err != nil {
		t.Fatalf("SelectEligible: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != wantA.ID {
		t.Fatalf("priority allow-list should admit only J0437, got %d rows", len(rows))
	}

	rows, err = s.SelectEligible(nil, false, []string{"B*"})
	if err != nil {
		t.Fatalf("SelectEligible: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("non-matching priority pattern must exclude everything, got %d rows", len(rows))
	}
}

func TestClaimFileExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	obs := mkObs(t, s, "J0437-4715", 60000)
	f := mkFile(t, s, obs.ID, models.StageGrouped, models.FileStatusNew, "a.grouped")

	won, err := s.ClaimFile(f.ID)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !won {
		t.Fatal("first claim should win")
	}
	won, err = s.ClaimFile(f.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Fatal("second claim must lose")
	}

	row, err := s.FileByID(f.ID)
	if err != nil {
		t.Fatalf("FileByID: %v", err)
	}
	if row.Status != models.FileStatusSubmitted {
		t.Fatalf("claimed file has status %q, want submitted", row.Status)
	}
}

func TestFilesToLoadExcludesCalScans(t *testing.T) {
	s := newTestStore(t)
	psr := mkObs(t, s, "J0437-4715", 60000)
	cal := mkObs(t, s, "J0437-4715_R", 60000)

	loadable := mkFile(t, s, psr.ID, models.StageCalibrated, models.FileStatusNew, "psr.calib")
	bypass := mkFile(t, s, psr.ID, models.StageCleaned, models.FileStatusToLoad, "bypass.zap")
	mkFile(t, s, cal.ID, models.StageCalibrated, models.FileStatusNew, "cal.pcal.T")

	rows, err := s.FilesToLoad(nil)
	if err != nil {
		t.Fatalf("FilesToLoad: %v", err)
	}
	got := map[uint]bool{}
	for _, r := range rows {
		got[r.ID] = true
	}
	if len(rows) != 2 || !got[loadable.ID] || !got[bypass.ID] {
		t.Fatalf("expected files %d and %d, got %+v", loadable.ID, bypass.ID, got)
	}
}

func TestInsertDirectoryDuplicateIsAlreadyKnown(t *testing.T) {
	s := newTestStore(t)

	dir, created, err := s.InsertDirectory("/raw/J0437/20250101")
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !created || dir == nil {
		t.Fatal("first insert should create the row")
	}

	dup, created, err := s.InsertDirectory("/raw/J0437/20250101")
	if err != nil {
		t.Fatalf("duplicate insert must not error: %v", err)
	}
	if created || dup != nil {
		t.Fatal("duplicate insert should report already-known")
	}
}

func TestResetCalFail(t *testing.T) {
	s := newTestStore(t)
	obs := mkObs(t, s, "J0437-4715", 60000)
	other := mkObs(t, s, "J1713+0747", 60000)

	var reset []uint
	for i := 0; i < 3; i++ {
		f := mkFile(t, s, obs.ID, models.StageCleaned, models.FileStatusCalFail, fmt.Sprintf("calfail-%d.zap", i))
		setQC(t, s, f.ID, true)
		reset = append(reset, f.ID)
	}
	unpassed := mkFile(t, s, obs.ID, models.StageCleaned, models.FileStatusCalFail, "unpassed.zap")
	setQC(t, s, unpassed.ID, false)
	foreign := mkFile(t, s, other.ID, models.StageCleaned, models.FileStatusCalFail, "foreign.zap")
	setQC(t, s, foreign.ID, true)

	n, err := s.ResetCalFail("J0437-4715")
	if err != nil {
		t.Fatalf("ResetCalFail: %v", err)
	}
	if n != 3 {
		t.Fatalf("reset %d rows, want 3", n)
	}
	for _, id := range reset {
		row, err := s.FileByID(id)
		if err != nil {
			t.Fatalf("FileByID: %v", err)
		}
		if row.Status != models.FileStatusNew {
			t.Errorf("file %d has status %q, want new", id, row.Status)
		}
	}
	for _, id := range []uint{unpassed.ID, foreign.ID} {
		row, err := s.FileByID(id)
		if err != nil {
			t.Fatalf("FileByID: %v", err)
		}
		if row.Status != models.FileStatusCalFail {
			t.Errorf("file %d has status %q, want calfail untouched", id, row.Status)
		}
	}

	// Idempotent: a second run with nothing left to reset is a no-op.
	n, err = s.ResetCalFail("J0437-4715")
	if err != nil {
		t.Fatalf("second ResetCalFail: %v", err)
	}
	if n != 0 {
		t.Fatalf("second reset touched %d rows, want 0", n)
	}
}

func TestFileByLocationCardinality(t *testing.T) {
	s := newTestStore(t)
	obs := mkObs(t, s, "J0437-4715", 60000)
	mkFile(t, s, obs.ID, models.StageCleaned, models.FileStatusNew, "one.zap")

	if _, err := s.FileByLocation("/data", "one.zap"); err != nil {
		t.Fatalf("exactly-one lookup: %v", err)
	}

	_, err := s.FileByLocation("/data", "missing.zap")
	var rce *RowCountError
	if !errors.As(err, &rce) {
		t.Fatalf("missing file should yield RowCountError, got %v", err)
	}
	if rce.Got != 0 || rce.Want != 1 {
		t.Fatalf("unexpected cardinality: %+v", rce)
	}
}

func TestLatestDirectoryTime(t *testing.T) {
	s := newTestStore(t)

	ts, err := s.LatestDirectoryTime()
	if err != nil {
		t.Fatalf("LatestDirectoryTime on empty table: %v", err)
	}
	if !ts.IsZero() {
		t.Fatalf("empty table should yield zero time, got %v", ts)
	}

	if _, _, err := s.InsertDirectory("/raw/J0437/20250101"); err != nil {
		t.Fatalf("InsertDirectory: %v", err)
	}
	ts, err = s.LatestDirectoryTime()
	if err != nil {
		t.Fatalf("LatestDirectoryTime: %v", err)
	}
	if time.Since(ts) > time.Minute {
		t.Fatalf("latest directory time looks stale: %v", ts)
	}
}
