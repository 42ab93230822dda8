package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/psrpipe/pipeline/internal/models"
)

func TestCanCalibrateRejectsNonPulsar(t *testing.T) {
	env := newTestEnv(t)
	cal := env.mkObs(t, "J0437-4715_R", 60000)

	_, err := env.pipe.Resolver().CanCalibrate(cal)
	var ie *InputError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InputError for cal observation, got %v", err)
	}
}

func TestCanCalibrateGracePeriod(t *testing.T) {
	env := newTestEnv(t)
	pinMJD(t, 60003)
	// Three days old, no calibrator rows anywhere.
	obs := env.mkObs(t, "J0437-4715", 60000)

	ok, err := env.pipe.Resolver().CanCalibrate(obs)
	if err != nil {
		t.Fatalf("CanCalibrate: %v", err)
	}
	if !ok {
		t.Fatal("young observation must be calibratable regardless of calibrator existence")
	}
}

func TestCanCalibrateNeedsWindowedCalibrator(t *testing.T) {
	env := newTestEnv(t)
	pinMJD(t, 60010)
	obs := env.mkObs(t, "J0437-4715", 60000)

	ok, err := env.pipe.Resolver().CanCalibrate(obs)
	if err != nil {
		t.Fatalf("CanCalibrate: %v", err)
	}
	if ok {
		t.Fatal("no calibrator exists, expected false")
	}

	// Calibrator 1 hour after the scan start: inside the window.
	cal := env.mkObs(t, "J0437-4715_R", 60000+1.0/24)
	env.mkFile(t, cal.ID, models.StageGrouped, models.FileStatusNew)

	ok, err = env.pipe.Resolver().CanCalibrate(obs)
	if err != nil {
		t.Fatalf("CanCalibrate: %v", err)
	}
	if !ok {
		t.Fatal("window-matching calibrator group should enable calibration")
	}

	// A calibrator outside the ±2h window does not count.
	far := env.mkObs(t, "J1713+0747", 60000)
	farCal := env.mkObs(t, "J1713+0747_R", 60000+5.0/24)
	env.mkFile(t, farCal.ID, models.StageGrouped, models.FileStatusNew)

	ok, err = env.pipe.Resolver().CanCalibrate(far)
	if err != nil {
		t.Fatalf("CanCalibrate: %v", err)
	}
	if ok {
		t.Fatal("calibrator 5h away must not count")
	}
}

func TestCanCalibrateRejectsQCFailedGroup(t *testing.T) {
	env := newTestEnv(t)
	pinMJD(t, 60010)
	obs := env.mkObs(t, "J0437-4715", 60000)

	cal := env.mkObs(t, "J0437-4715_R", 60000)
	env.mkFile(t, cal.ID, models.StageCleaned, models.FileStatusNew)
	bad := env.mkFile(t, cal.ID, models.StageCleaned, models.FileStatusNew)
	if err := env.store.SetFileQC(bad.ID, false, "interference"); err != nil {
		t.Fatalf("SetFileQC: %v", err)
	}

	ok, err := env.pipe.Resolver().CanCalibrate(obs)
	if err != nil {
		t.Fatalf("CanCalibrate: %v", err)
	}
	if ok {
		t.Fatal("a group containing an explicit QC failure must not count")
	}

	// A second, clean candidate group restores eligibility.
	cal2 := env.mkObs(t, "J0437-4715_R", 60000.01)
	env.mkFile(t, cal2.ID, models.StageCleaned, models.FileStatusNew)

	ok, err = env.pipe.Resolver().CanCalibrate(obs)
	if err != nil {
		t.Fatalf("CanCalibrate: %v", err)
	}
	if !ok {
		t.Fatal("a clean candidate group alongside a failed one should count")
	}
}

func TestReattemptCalibrationResetsExactlyQualifyingRows(t *testing.T) {
	env := newTestEnv(t)
	obs := env.mkObs(t, "J0437-4715", 60000)

	var qualifying []uint
	for i := 0; i < 3; i++ {
		f := env.mkFile(t, obs.ID, models.StageCleaned, models.FileStatusCalFail)
		if err := env.store.SetFileQC(f.ID, true, ""); err != nil {
			t.Fatalf("SetFileQC: %v", err)
		}
		qualifying = append(qualifying, f.ID)
	}
	unqualified := env.mkFile(t, obs.ID, models.StageCleaned, models.FileStatusCalFail)
	if err := env.store.SetFileQC(unqualified.ID, false, ""); err != nil {
		t.Fatalf("SetFileQC: %v", err)
	}

	if err := env.pipe.Resolver().ReattemptCalibration("J0437-4715"); err != nil {
		t.Fatalf("ReattemptCalibration: %v", err)
	}
	for _, id := range qualifying {
		if got := env.fileStatus(t, id); got != models.FileStatusNew {
			t.Errorf("file %d has status %q, want new", id, got)
		}
	}
	if got := env.fileStatus(t, unqualified.ID); got != models.FileStatusCalFail {
		t.Errorf("QC-failed file was reset, status %q", got)
	}

	// Second run with nothing left: a no-op, not an error.
	if err := env.pipe.Resolver().ReattemptCalibration("J0437-4715"); err != nil {
		t.Fatalf("second ReattemptCalibration: %v", err)
	}
}

func TestUpdateCaldbCreatesAndRebuilds(t *testing.T) {
	env := newTestEnv(t)
	cal := env.mkObs(t, "J0437-4715_R", 60000)
	env.mkFile(t, cal.ID, models.StageCalibrated, models.FileStatusNew)

	if err := env.pipe.Resolver().UpdateCaldb(context.Background(), "J0437-4715", false); err != nil {
		t.Fatalf("UpdateCaldb: %v", err)
	}
	if env.caldb.buildCount() != 1 {
		t.Fatalf("expected one rebuild, got %d", env.caldb.buildCount())
	}

	row, err := env.store.CaldbForSource("J0437-4715")
	if err != nil {
		t.Fatalf("CaldbForSource: %v", err)
	}
	if row == nil {
		t.Fatal("first update should create the caldb row")
	}
	if row.Status != models.CaldbStatusReady {
		t.Fatalf("caldb status %q, want ready", row.Status)
	}
	if row.NumEntries != 1 {
		t.Fatalf("caldb has %d entries, want 1", row.NumEntries)
	}
}

func TestUpdateCaldbIdempotentWithoutNewEntries(t *testing.T) {
	env := newTestEnv(t)
	cal := env.mkObs(t, "J0437-4715_R", 60000)
	env.mkFile(t, cal.ID, models.StageCalibrated, models.FileStatusNew)

	if err := env.pipe.Resolver().UpdateCaldb(context.Background(), "J0437-4715", false); err != nil {
		t.Fatalf("first UpdateCaldb: %v", err)
	}
	if err := env.pipe.Resolver().UpdateCaldb(context.Background(), "J0437-4715", false); err != nil {
		t.Fatalf("second UpdateCaldb: %v", err)
	}
	if env.caldb.buildCount() != 1 {
		t.Fatalf("second call without new entries must not rebuild, got %d builds", env.caldb.buildCount())
	}

	row, err := env.store.CaldbForSource("J0437-4715")
	if err != nil {
		t.Fatalf("CaldbForSource: %v", err)
	}
	if row.NumEntries != 1 {
		t.Fatalf("numentries changed to %d on the idle second call", row.NumEntries)
	}

	// Force always rebuilds.
	if err := env.pipe.Resolver().UpdateCaldb(context.Background(), "J0437-4715", true); err != nil {
		t.Fatalf("forced UpdateCaldb: %v", err)
	}
	if env.caldb.buildCount() != 2 {
		t.Fatalf("forced call should rebuild, got %d builds", env.caldb.buildCount())
	}
}

func TestUpdateCaldbFailureMarksFailedAndStillReattempts(t *testing.T) {
	env := newTestEnv(t)
	env.caldb.err = errors.New("pac exploded")

	cal := env.mkObs(t, "J0437-4715_R", 60000)
	env.mkFile(t, cal.ID, models.StageCalibrated, models.FileStatusNew)

	psr := env.mkObs(t, "J0437-4715", 60000)
	blocked := env.mkFile(t, psr.ID, models.StageCleaned, models.FileStatusCalFail)
	if err := env.store.SetFileQC(blocked.ID, true, ""); err != nil {
		t.Fatalf("SetFileQC: %v", err)
	}

	if err := env.pipe.Resolver().UpdateCaldb(context.Background(), "J0437-4715", false); err != nil {
		t.Fatalf("UpdateCaldb should absorb the tool failure: %v", err)
	}

	row, err := env.store.CaldbForSource("J0437-4715")
	if err != nil {
		t.Fatalf("CaldbForSource: %v", err)
	}
	if row == nil || row.Status != models.CaldbStatusFailed {
		t.Fatalf("caldb should be marked failed, got %+v", row)
	}
	// The reattempt still runs so files retry once the aggregate recovers.
	if got := env.fileStatus(t, blocked.ID); got != models.FileStatusNew {
		t.Fatalf("blocked file has status %q, want new after reattempt", got)
	}
}
