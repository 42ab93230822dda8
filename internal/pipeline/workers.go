package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/psrpipe/pipeline/internal/config"
	"github.com/psrpipe/pipeline/internal/logger"
	"github.com/psrpipe/pipeline/internal/models"
	"github.com/psrpipe/pipeline/internal/store"
	"github.com/psrpipe/pipeline/internal/transform"
)

// Pipeline owns the stage workers. Each worker receives a row snapshot that
// the scheduler already claimed (status flipped to 'submitted'), performs the
// stage transform, and persists the outcome: on success the downstream file
// row, its diagnostics and the parent's 'processed' flip commit in one
// transaction; on failure the row is marked per the action's failure policy
// and the error is returned so the harness can log full detail.
type Pipeline struct {
	store    *store.Store
	tools    transform.Adapter
	headers  transform.HeaderReader
	resolver *Resolver
	locks    *LockRegistry
	cfg      *config.Config
}

func New(st *store.Store, tools transform.Adapter, headers transform.HeaderReader, builder transform.CaldbBuilder, cfg *config.Config) *Pipeline {
	return &Pipeline{
		store:    st,
		tools:    tools,
		headers:  headers,
		resolver: NewResolver(st, builder, cfg.OutputDir),
		locks:    NewLockRegistry(),
		cfg:      cfg,
	}
}

func (p *Pipeline) Resolver() *Resolver  { return p.resolver }
func (p *Pipeline) Locks() *LockRegistry { return p.locks }
func (p *Pipeline) Store() *store.Store  { return p.store }

// RunAction executes one claimed file row under the named action.
func (p *Pipeline) RunAction(ctx context.Context, action Action, row store.FileRow) error {
	switch action.Name {
	case ActionCombine:
		return p.CombineFile(ctx, row)
	case ActionCorrect:
		return p.CorrectFile(ctx, row)
	case ActionClean:
		return p.CleanFile(ctx, row)
	case ActionCalibrate:
		return p.CalibrateFile(ctx, row)
	case ActionLoad:
		return p.LoadFile(ctx, row)
	default:
		return &UnknownActionError{Action: action.Name}
	}
}

// ensureEligible verifies the claimed snapshot satisfies the action's
// (status, stage) precondition. The row is left untouched on mismatch.
func (p *Pipeline) ensureEligible(row *store.FileRow, a Action) error {
	if row.Status != models.FileStatusSubmitted {
		return &BadStatusError{FileID: row.ID, Status: string(row.Status), Stage: string(row.Stage), Want: "status 'submitted'"}
	}
	if len(a.InputStages) == 0 {
		return nil
	}
	for _, st := range a.InputStages {
		if row.Stage == st {
			return nil
		}
	}
	want := make([]string, len(a.InputStages))
	for i, st := range a.InputStages {
		want[i] = string(st)
	}
	return &BadStatusError{FileID: row.ID, Status: string(row.Status), Stage: string(row.Stage), Want: "stage in [" + strings.Join(want, ", ") + "]"}
}

// archiveDir is the per-source output directory; calibrator scans keep their
// suffix so prepared cal artifacts land in the directory the aggregate
// rebuild reads from.
func (p *Pipeline) archiveDir(sourceName string) string {
	return filepath.Join(p.cfg.OutputDir, strings.ToUpper(sourceName))
}

func (p *Pipeline) stagingDir() string {
	return filepath.Join(p.cfg.OutputDir, "staging")
}

// obsLog opens the observation's append-only log file. Missing or unopenable
// logs degrade to the process logger; processing never fails over its log.
func (p *Pipeline) obsLog(row *store.FileRow) (*logrus.Logger, func()) {
	l, err := p.store.GetObsLog(row.ObsID)
	if err != nil {
		logger.WithFile(row.ID, row.SourceName).WithError(err).Warn("No observation log row, logging to process log only")
		return logger.GetLogger(), func() {}
	}
	lg, closer, err := logger.ObsLogger(l.Location())
	if err != nil {
		logger.WithFile(row.ID, row.SourceName).WithError(err).Warn("Could not open observation log file")
		return logger.GetLogger(), func() {}
	}
	return lg, func() { closer.Close() }
}

// failFile applies the per-action failure policy inside one transaction and
// hands the original error back for harness-level logging.
func (p *Pipeline) failFile(row *store.FileRow, what string, cause error) error {
	status := models.FileStatusFailed
	if what == ActionCalibrate && row.ObsType == models.ObsTypePulsar {
		obs, err := p.store.GetObservation(row.ObsID)
		if err != nil {
			logger.WithFile(row.ID, row.SourceName).WithError(err).Error("Could not fetch observation for calibration failure routing")
		} else if ok, err := p.resolver.CanCalibrate(obs); err != nil {
			logger.WithFile(row.ID, row.SourceName).WithError(err).Error("Calibration plausibility check failed, marking calfail")
			status = models.FileStatusCalFail
		} else if ok {
			status = models.FileStatusCalFail
		} else {
			// No suitable calibrator will ever arrive; bypass calibration so
			// the chain can still be loaded.
			status = models.FileStatusToLoad
		}
	}
	if err := p.store.SetFileStatusNote(row.ID, status, failNote(what, cause)); err != nil {
		logger.WithFile(row.ID, row.SourceName).WithError(err).Error("Could not persist failure status")
	}
	return cause
}

// completeStage commits a stage success: the downstream file row, its
// diagnostics and the parent's 'processed' flip, all in one transaction.
// Returns the inserted file.
func (p *Pipeline) completeStage(row *store.FileRow, stage models.FileStage, res *transform.Result, calFileID *uint) (*models.File, error) {
	sum, size, err := fileMeta(res.Output.Location())
	if err != nil {
		return nil, &DataReductionError{FileID: row.ID, Msg: "stage output unreadable", Err: err}
	}
	parentID := row.ID
	out := &models.File{
		ObsID:        row.ObsID,
		Stage:        stage,
		Status:       models.FileStatusNew,
		FilePath:     res.Output.Path,
		FileName:     res.Output.Name,
		MD5Sum:       sum,
		FileSize:     size,
		ParentFileID: &parentID,
		CalFileID:    calFileID,
		Note:         res.Note,
	}
	err = p.store.Transaction(func(tx *store.Store) error {
		if err := tx.InsertFile(out); err != nil {
			return err
		}
		diags := make([]models.Diagnostic, 0, len(res.Diagnostics))
		for _, d := range res.Diagnostics {
			diags = append(diags, models.Diagnostic{
				FileID:         out.ID,
				DiagnosticPath: d.Path,
				DiagnosticName: d.Name,
			})
		}
		if err := tx.InsertDiagnostics(diags); err != nil {
			return err
		}
		return tx.SetFileStatus(row.ID, models.FileStatusProcessed)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CombineFile merges a grouped observation's sub-files into one archive.
func (p *Pipeline) CombineFile(ctx context.Context, row store.FileRow) error {
	if err := p.ensureEligible(&row, actions[ActionCombine]); err != nil {
		return err
	}
	if err := p.store.SetFileStatus(row.ID, models.FileStatusRunning); err != nil {
		return err
	}
	olog, done := p.obsLog(&row)
	defer done()
	olog.Infof("Combining %s", row.Location())

	res, err := p.tools.Combine(ctx, descriptor(&row), transform.Params{
		OutputDir: p.stagingDir(),
		TmpDir:    p.cfg.TmpDir,
	})
	if err != nil {
		olog.WithError(err).Error("Combining failed")
		return p.failFile(&row, ActionCombine, err)
	}
	out, err := p.completeStage(&row, models.StageCombined, res, nil)
	if err != nil {
		return p.failFile(&row, ActionCombine, err)
	}
	olog.Infof("Combined into %s (file %d)", out.Location(), out.ID)
	return nil
}

// CorrectFile rewrites the archive header, records the receiver on the
// owning observation and relocates the chain's artifacts into the archive
// layout.
func (p *Pipeline) CorrectFile(ctx context.Context, row store.FileRow) error {
	if err := p.ensureEligible(&row, actions[ActionCorrect]); err != nil {
		return err
	}
	if err := p.store.SetFileStatus(row.ID, models.FileStatusRunning); err != nil {
		return err
	}
	olog, done := p.obsLog(&row)
	defer done()
	olog.Infof("Correcting header of %s", row.Location())

	res, receiver, err := p.tools.Correct(ctx, descriptor(&row), transform.Params{
		TmpDir: p.cfg.TmpDir,
	})
	if err != nil {
		olog.WithError(err).Error("Header correction failed")
		return p.failFile(&row, ActionCorrect, err)
	}

	sum, size, err := fileMeta(res.Output.Location())
	if err != nil {
		return p.failFile(&row, ActionCorrect, &DataReductionError{FileID: row.ID, Msg: "corrected output unreadable", Err: err})
	}
	parentID := row.ID
	out := &models.File{
		ObsID:        row.ObsID,
		Stage:        models.StageCorrected,
		Status:       models.FileStatusNew,
		FilePath:     res.Output.Path,
		FileName:     res.Output.Name,
		MD5Sum:       sum,
		FileSize:     size,
		ParentFileID: &parentID,
		Note:         res.Note,
	}
	err = p.store.Transaction(func(tx *store.Store) error {
		if err := tx.InsertFile(out); err != nil {
			return err
		}
		diags := make([]models.Diagnostic, 0, len(res.Diagnostics))
		for _, d := range res.Diagnostics {
			diags = append(diags, models.Diagnostic{FileID: out.ID, DiagnosticPath: d.Path, DiagnosticName: d.Name})
		}
		if err := tx.InsertDiagnostics(diags); err != nil {
			return err
		}
		if err := tx.SetObservationReceiver(row.ObsID, receiver); err != nil {
			return err
		}
		return tx.SetFileStatus(row.ID, models.FileStatusProcessed)
	})
	if err != nil {
		return p.failFile(&row, ActionCorrect, err)
	}
	olog.Infof("Corrected into %s, receiver %s", out.Location(), receiver)

	// Relocation is a best-effort side effect after commit. A failed move
	// leaves a consistent row pointing at the staging location.
	p.relocateChain(&row, out)
	return nil
}

// relocateChain moves the corrected artifact and the observation log from
// the staging area into the per-source archive directory.
func (p *Pipeline) relocateChain(row *store.FileRow, corrected *models.File) {
	log := logger.WithFile(corrected.ID, row.SourceName)
	dest := p.archiveDir(row.SourceName)
	if err := os.MkdirAll(dest, 0755); err != nil {
		log.WithError(err).Warn("Could not create archive directory, leaving artifacts in place")
		return
	}
	if err := moveFile(corrected.Location(), filepath.Join(dest, corrected.FileName)); err != nil {
		log.WithError(err).Warn("Could not relocate corrected archive")
	} else if err := p.store.MoveFileRow(corrected.ID, dest, corrected.FileName); err != nil {
		log.WithError(err).Error("Relocated archive but could not update its row")
	}

	l, err := p.store.GetObsLog(row.ObsID)
	if err != nil {
		log.WithError(err).Warn("No observation log row to relocate")
		return
	}
	if err := moveFile(l.Location(), filepath.Join(dest, l.LogName)); err != nil {
		log.WithError(err).Warn("Could not relocate observation log")
	} else if err := p.store.MoveLogRow(l.ID, dest, l.LogName); err != nil {
		log.WithError(err).Error("Relocated observation log but could not update its row")
	}
}

// CleanFile removes interference from a corrected archive.
func (p *Pipeline) CleanFile(ctx context.Context, row store.FileRow) error {
	if err := p.ensureEligible(&row, actions[ActionClean]); err != nil {
		return err
	}
	if err := p.store.SetFileStatus(row.ID, models.FileStatusRunning); err != nil {
		return err
	}
	olog, done := p.obsLog(&row)
	defer done()
	olog.Infof("Cleaning %s", row.Location())

	res, err := p.tools.Clean(ctx, descriptor(&row), transform.Params{
		OutputDir: p.archiveDir(row.SourceName),
		TmpDir:    p.cfg.TmpDir,
	})
	if err != nil {
		olog.WithError(err).Error("Cleaning failed")
		return p.failFile(&row, ActionClean, err)
	}
	out, err := p.completeStage(&row, models.StageCleaned, res, nil)
	if err != nil {
		return p.failFile(&row, ActionClean, err)
	}
	olog.Infof("Cleaned into %s, awaiting QC review", out.Location())
	return nil
}

// CalibrateFile applies calibration to a QC-passed pulsar scan, or prepares
// a calibrator scan and refreshes the source's aggregate. Both paths hold
// the source's calibration lock while the aggregate file is read or
// rewritten.
func (p *Pipeline) CalibrateFile(ctx context.Context, row store.FileRow) error {
	if err := p.ensureEligible(&row, actions[ActionCalibrate]); err != nil {
		return err
	}
	if err := p.store.SetFileStatus(row.ID, models.FileStatusRunning); err != nil {
		return err
	}
	if row.ObsType == models.ObsTypeCal {
		return p.calibrateCalScan(ctx, row)
	}
	return p.calibratePulsarScan(ctx, row)
}

func (p *Pipeline) calibratePulsarScan(ctx context.Context, row store.FileRow) error {
	olog, done := p.obsLog(&row)
	defer done()
	olog.Infof("Calibrating %s", row.Location())

	caldb, err := p.store.CaldbForSource(models.CanonicalSource(row.SourceName))
	if err != nil {
		return p.failFile(&row, ActionCalibrate, err)
	}
	if caldb == nil || caldb.Status != models.CaldbStatusReady {
		err := &DataReductionError{FileID: row.ID, Msg: "no ready calibration database for " + row.SourceName}
		olog.WithError(err).Warn("Calibration blocked")
		return p.failFile(&row, ActionCalibrate, err)
	}

	var res *transform.Result
	lockErr := p.locks.WithSource(row.SourceName, func() error {
		var terr error
		res, terr = p.tools.Calibrate(ctx, descriptor(&row), transform.Params{
			OutputDir: p.archiveDir(row.SourceName),
			TmpDir:    p.cfg.TmpDir,
			CaldbPath: caldb.Location(),
		})
		return terr
	})
	if lockErr != nil {
		olog.WithError(lockErr).Error("Calibration failed")
		return p.failFile(&row, ActionCalibrate, lockErr)
	}
	if res.CalFile == nil {
		err := &DataReductionError{FileID: row.ID, Msg: "tool reported no calibrator artifact"}
		return p.failFile(&row, ActionCalibrate, err)
	}
	calRow, err := p.store.FileByLocation(res.CalFile.Path, res.CalFile.Name)
	if err != nil {
		return p.failFile(&row, ActionCalibrate, err)
	}
	out, err := p.completeStage(&row, models.StageCalibrated, res, &calRow.ID)
	if err != nil {
		return p.failFile(&row, ActionCalibrate, err)
	}
	olog.Infof("Calibrated into %s against calibrator file %d", out.Location(), calRow.ID)
	return nil
}

// calibrateCalScan is the calibrator fast path: prepare the artifact, insert
// it as a new calibrated entry, then force an aggregate refresh so blocked
// pulsar files of the source re-enter the queue.
func (p *Pipeline) calibrateCalScan(ctx context.Context, row store.FileRow) error {
	olog, done := p.obsLog(&row)
	defer done()
	olog.Infof("Preparing calibrator %s", row.Location())

	res, err := p.tools.Calibrate(ctx, descriptor(&row), transform.Params{
		OutputDir:  p.archiveDir(row.SourceName),
		TmpDir:     p.cfg.TmpDir,
		Calibrator: true,
	})
	if err != nil {
		olog.WithError(err).Error("Calibrator preparation failed")
		return p.failFile(&row, ActionCalibrate, err)
	}
	out, err := p.completeStage(&row, models.StageCalibrated, res, nil)
	if err != nil {
		return p.failFile(&row, ActionCalibrate, err)
	}
	olog.Infof("Prepared calibrator entry %s (file %d)", out.Location(), out.ID)

	return p.locks.WithSource(row.SourceName, func() error {
		return p.resolver.UpdateCaldb(ctx, row.SourceName, true)
	})
}

// LoadFile pushes a finished artifact into the downstream archive database.
func (p *Pipeline) LoadFile(ctx context.Context, row store.FileRow) error {
	if row.Status != models.FileStatusSubmitted {
		return &BadStatusError{FileID: row.ID, Status: string(row.Status), Stage: string(row.Stage), Want: "status 'submitted'"}
	}
	if err := p.store.SetFileStatus(row.ID, models.FileStatusRunning); err != nil {
		return err
	}
	olog, done := p.obsLog(&row)
	defer done()
	olog.Infof("Loading %s", row.Location())

	id, err := p.tools.Load(ctx, descriptor(&row))
	if err != nil {
		olog.WithError(err).Error("Loading failed")
		return p.failFile(&row, ActionLoad, err)
	}
	note := fmt.Sprintf("Loaded as archive entry %d", id)
	if err := p.store.SetFileStatusNote(row.ID, models.FileStatusDone, note); err != nil {
		return err
	}
	olog.Info(note)
	return nil
}

func descriptor(row *store.FileRow) transform.Descriptor {
	return transform.Descriptor{Path: row.FilePath, Name: row.FileName}
}

func fileMeta(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), info.Size(), nil
}

func moveFile(src, dst string) error {
	if src == dst {
		return nil
	}
	return os.Rename(src, dst)
}
