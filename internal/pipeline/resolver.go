package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/psrpipe/pipeline/internal/logger"
	"github.com/psrpipe/pipeline/internal/models"
	"github.com/psrpipe/pipeline/internal/store"
	"github.com/psrpipe/pipeline/internal/transform"
)

// Resolver decides whether a pulsar observation can ever be calibrated, keeps
// the per-source calibration aggregates current, and feeds previously blocked
// files back into the queue when new calibrator data lands.
type Resolver struct {
	store     *store.Store
	caldb     transform.CaldbBuilder
	outputDir string
}

func NewResolver(st *store.Store, builder transform.CaldbBuilder, outputDir string) *Resolver {
	return &Resolver{store: st, caldb: builder, outputDir: outputDir}
}

// CanCalibrate reports whether a usable calibrator scan exists for the
// observation, or could still plausibly arrive. Observations younger than the
// grace period always pass: their calibrator may simply not have been taken
// yet. Older observations need at least one calibrator observation with a
// matching source name, a start time within two hours, a matching or still
// unset receiver, and no file of that observation explicitly failing QC.
func (r *Resolver) CanCalibrate(obs *models.Observation) (bool, error) {
	if obs.ObsType != models.ObsTypePulsar {
		return false, &InputError{ObsID: obs.ID, Msg: fmt.Sprintf("only pulsar observations can be calibrated, obstype is %q", obs.ObsType)}
	}
	if mjdNow()-obs.StartMJD < calibratorGraceDays {
		return true, nil
	}

	calSource := obs.SourceName + models.CalSuffix
	rows, err := r.store.CalibratorFiles(calSource,
		obs.StartMJD-twoHoursInDays, obs.StartMJD+twoHoursInDays, obs.Receiver)
	if err != nil {
		return false, err
	}

	// A candidate observation counts only when none of its files carries an
	// explicit QC failure; unset verdicts pass.
	usable := map[uint]bool{}
	for _, row := range rows {
		if _, ok := usable[row.ObsID]; !ok {
			usable[row.ObsID] = true
		}
		if row.QCPassed != nil && !*row.QCPassed {
			usable[row.ObsID] = false
		}
	}
	for _, ok := range usable {
		if ok {
			return true, nil
		}
	}
	logger.WithSource(obs.SourceName).Debugf("no usable calibrator among %d candidate files for obs %d", len(rows), obs.ID)
	return false, nil
}

// UpdateCaldb recomputes whether the source's aggregate needs rebuilding,
// rebuilds it when new calibrator entries exist or force is set, and always
// finishes by releasing any files waiting on the aggregate. The caller must
// hold the source's calibration lock for the duration of the call.
func (r *Resolver) UpdateCaldb(ctx context.Context, sourceName string, force bool) error {
	name := models.CanonicalSource(sourceName)
	log := logger.WithSource(name)

	caldb, err := r.store.CaldbForSource(name)
	if err != nil {
		return err
	}

	var lastUpdated time.Time
	var outPath string
	if caldb == nil {
		outDir := filepath.Join(r.outputDir, "caldbs")
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return fmt.Errorf("failed to create caldb dir: %w", err)
		}
		outName := strings.ToUpper(name) + ".caldb.txt"
		outPath = filepath.Join(outDir, outName)
		caldb = &models.CalibrationDatabase{
			SourceName: name,
			CaldbPath:  outDir,
			CaldbName:  outName,
		}
	} else {
		lastUpdated = caldb.UpdatedAt
		outPath = caldb.Location()
		if err := r.store.UpdateCaldb(caldb.ID, map[string]interface{}{
			"status": models.CaldbStatusUpdating,
		}); err != nil {
			return err
		}
	}

	total, fresh, err := r.store.NewCalibratorEntries(name+models.CalSuffix, lastUpdated)
	if err != nil {
		return err
	}
	log.Infof("Found %d suitable calibrator entries, %d new", total, fresh)

	if fresh > 0 || force {
		baseDir := filepath.Join(r.outputDir, strings.ToUpper(name)+models.CalSuffix)
		buildErr := r.caldb.BuildCaldb(ctx, baseDir, outPath)
		if buildErr != nil {
			// Leave the previous aggregate untouched, only record the failure.
			log.WithError(buildErr).Error("Calibration database rebuild failed")
			if caldb.ID == 0 {
				caldb.Status = models.CaldbStatusFailed
				caldb.NumEntries = total
				if err := r.store.InsertCaldb(caldb); err != nil {
					return err
				}
			} else if err := r.store.UpdateCaldb(caldb.ID, map[string]interface{}{
				"status": models.CaldbStatusFailed,
				"note":   fmt.Sprintf("%d new entries pending", fresh),
			}); err != nil {
				return err
			}
			return r.ReattemptCalibration(name)
		}
	}

	if caldb.ID == 0 {
		caldb.Status = models.CaldbStatusReady
		caldb.NumEntries = total
		caldb.Note = fmt.Sprintf("%d new entries added", fresh)
		if err := r.store.InsertCaldb(caldb); err != nil {
			return err
		}
	} else if err := r.store.UpdateCaldb(caldb.ID, map[string]interface{}{
		"status":      models.CaldbStatusReady,
		"num_entries": total,
		"note":        fmt.Sprintf("%d new entries added", fresh),
	}); err != nil {
		return err
	}

	return r.ReattemptCalibration(name)
}

// ReattemptCalibration is the feedback edge of the pipeline: every file of
// the source that failed calibration while passing QC goes back to 'new' so
// the selector picks it up again. Running it with no qualifying rows is a
// no-op.
func (r *Resolver) ReattemptCalibration(sourceName string) error {
	name := models.CanonicalSource(sourceName)
	n, err := r.store.ResetCalFail(name)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.WithSource(name).Infof("Reset %d files from 'calfail' to 'new'", n)
	}
	return nil
}
