package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/psrpipe/pipeline/internal/models"
	"gorm.io/gorm"
)

// Store wraps the relational entity state behind typed accessors. Every
// mutation happens inside a gorm transaction, either the implicit one around a
// single statement or an explicit scope opened with Transaction.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that need raw access.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside one database transaction. All effects commit
// together or roll back together on error.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// FileRow is a files row joined with the columns of its owning observation
// that the selector and workers need. Workers receive it as a snapshot, not a
// live record.
type FileRow struct {
	models.File
	SourceName string         `json:"sourceName"`
	ObsType    models.ObsType `json:"obsType"`
	StartMJD   float64        `json:"startMJD" gorm:"column:start_mjd"`
	DirID      uint           `json:"dirId"`
	Receiver   *string        `json:"receiver"`
}

const fileRowSelect = "files.*, observations.source_name, observations.obs_type, " +
	"observations.start_mjd, observations.dir_id, observations.receiver"

func (s *Store) fileRows() *gorm.DB {
	return s.db.Table("files").
		Select(fileRowSelect).
		Joins("LEFT JOIN observations ON observations.obs_id = files.obs_id")
}

// globToLike translates a glob-style pattern (*, ?) into a SQL LIKE pattern.
func globToLike(pattern string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`%`, `\%`,
		`_`, `\_`,
		`*`, `%`,
		`?`, `_`,
	)
	return r.Replace(pattern)
}

// SelectEligible returns the files eligible for dispatch at the given stages.
// Only status='new' rows are ever returned; qcOnly additionally requires an
// explicit qcpassed=true; priorities is a strict allow-list of glob patterns
// on the source name (empty = all sources). Ordered by file_id so repeated
// calls over unchanged state are deterministic. No side effects.
func (s *Store) SelectEligible(stages []models.FileStage, qcOnly bool, priorities []string) ([]FileRow, error) {
	q := s.fileRows().Where("files.status = ?", models.FileStatusNew)
	if len(stages) > 0 {
		q = q.Where("files.stage IN ?", stages)
	}
	if qcOnly {
		q = q.Where("files.qcpassed = ?", true)
	}
	q = withPriorities(q, priorities)

	var rows []FileRow
	if err := q.Order("files.file_id").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to select eligible files: %w", err)
	}
	return rows, nil
}

// FilesToLoad returns the rows eligible for the final-load step: calibrated
// pulsar files awaiting load, plus files explicitly routed around
// calibration. Calibrated cal files never load; they feed the aggregate.
func (s *Store) FilesToLoad(priorities []string) ([]FileRow, error) {
	q := s.fileRows().Where(
		"files.status = ? OR (files.status = ? AND files.stage = ? AND observations.obs_type = ?)",
		models.FileStatusToLoad, models.FileStatusNew, models.StageCalibrated, models.ObsTypePulsar,
	)
	q = withPriorities(q, priorities)

	var rows []FileRow
	if err := q.Order("files.file_id").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to select files to load: %w", err)
	}
	return rows, nil
}

func withPriorities(q *gorm.DB, priorities []string) *gorm.DB {
	if len(priorities) == 0 {
		return q
	}
	likes := make([]string, 0, len(priorities))
	args := make([]interface{}, 0, len(priorities))
	for _, p := range priorities {
		likes = append(likes, "observations.source_name LIKE ?")
		args = append(args, globToLike(p))
	}
	return q.Where(strings.Join(likes, " OR "), args...)
}

// FileByID returns the joined row for one file.
func (s *Store) FileByID(fileID uint) (*FileRow, error) {
	var rows []FileRow
	if err := s.fileRows().Where("files.file_id = ?", fileID).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch file %d: %w", fileID, err)
	}
	if len(rows) != 1 {
		return nil, &RowCountError{Entity: "files", Key: fmt.Sprintf("file_id=%d", fileID), Want: 1, Got: len(rows)}
	}
	return &rows[0], nil
}

// FileByLocation returns the single file stored at path/name. Exactly one row
// must match; anything else is corrupted state.
func (s *Store) FileByLocation(path, name string) (*models.File, error) {
	var files []models.File
	if err := s.db.Where("file_path = ? AND file_name = ?", path, name).Find(&files).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch file at %s/%s: %w", path, name, err)
	}
	if len(files) != 1 {
		return nil, &RowCountError{Entity: "files", Key: fmt.Sprintf("path=%s name=%s", path, name), Want: 1, Got: len(files)}
	}
	return &files[0], nil
}

// FilesForObservation returns every file row belonging to an observation.
func (s *Store) FilesForObservation(obsID uint) ([]FileRow, error) {
	var rows []FileRow
	if err := s.fileRows().Where("files.obs_id = ?", obsID).Order("files.file_id").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch files for obs %d: %w", obsID, err)
	}
	return rows, nil
}

// InsertFile creates a new file row.
func (s *Store) InsertFile(f *models.File) error {
	if err := s.db.Create(f).Error; err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

// InsertDiagnostics attaches diagnostic rows to a file.
func (s *Store) InsertDiagnostics(diags []models.Diagnostic) error {
	if len(diags) == 0 {
		return nil
	}
	if err := s.db.Create(&diags).Error; err != nil {
		return fmt.Errorf("failed to insert diagnostics: %w", err)
	}
	return nil
}

// SetFileStatus updates a file row's status.
func (s *Store) SetFileStatus(fileID uint, status models.FileStatus) error {
	return s.updateFile(fileID, map[string]interface{}{"status": status})
}

// SetFileStatusNote updates a file row's status together with its note.
func (s *Store) SetFileStatusNote(fileID uint, status models.FileStatus, note string) error {
	return s.updateFile(fileID, map[string]interface{}{"status": status, "note": note})
}

// SetFileQC records a QC verdict for a file.
func (s *Store) SetFileQC(fileID uint, passed bool, note string) error {
	vals := map[string]interface{}{"qcpassed": passed}
	if note != "" {
		vals["note"] = note
	}
	return s.updateFile(fileID, vals)
}

// MoveFileRow records a new storage location for a file.
func (s *Store) MoveFileRow(fileID uint, destDir, destName string) error {
	return s.updateFile(fileID, map[string]interface{}{"file_path": destDir, "file_name": destName})
}

func (s *Store) updateFile(fileID uint, vals map[string]interface{}) error {
	if err := s.db.Model(&models.File{}).Where("file_id = ?", fileID).Updates(vals).Error; err != nil {
		return fmt.Errorf("failed to update file %d: %w", fileID, err)
	}
	return nil
}

// ClaimFile flips a file from 'new' to 'submitted', returning whether this
// caller won the claim. The status predicate in the UPDATE makes two
// concurrent dispatch attempts resolve to exactly one winner.
func (s *Store) ClaimFile(fileID uint) (bool, error) {
	res := s.db.Model(&models.File{}).
		Where("file_id = ? AND status = ?", fileID, models.FileStatusNew).
		Update("status", models.FileStatusSubmitted)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim file %d: %w", fileID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimToLoad is ClaimFile for rows entering the final-load step, which may
// start from 'toload' as well as 'new'.
func (s *Store) ClaimToLoad(fileID uint) (bool, error) {
	res := s.db.Model(&models.File{}).
		Where("file_id = ? AND status IN ?", fileID, []models.FileStatus{models.FileStatusNew, models.FileStatusToLoad}).
		Update("status", models.FileStatusSubmitted)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim file %d for load: %w", fileID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// --- Directories ---

// InsertDirectory adds a newly discovered raw-data directory. A concurrent
// duplicate insert is not an error: the unique constraint on path rejects it
// and the caller learns the directory was already known.
func (s *Store) InsertDirectory(path string) (*models.Directory, bool, error) {
	dir := &models.Directory{Path: path, Status: models.DirectoryStatusNew}
	if err := s.db.Create(dir).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert directory %s: %w", path, err)
	}
	return dir, true, nil
}

// ClaimDirectory flips a directory from 'new' to 'running', returning
// whether this caller won the claim.
func (s *Store) ClaimDirectory(dirID uint) (bool, error) {
	res := s.db.Model(&models.Directory{}).
		Where("dir_id = ? AND status = ?", dirID, models.DirectoryStatusNew).
		Update("status", models.DirectoryStatusRunning)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim directory %d: %w", dirID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// LatestDirectoryTime returns the discovery time of the most recently added
// directory, or the zero time when none exist.
func (s *Store) LatestDirectoryTime() (time.Time, error) {
	var dir models.Directory
	err := s.db.Order("created_at DESC").First(&dir).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to fetch latest directory: %w", err)
	}
	return dir.CreatedAt, nil
}

// DirectoriesByStatus lists directory rows in a given state, oldest first.
func (s *Store) DirectoriesByStatus(status models.DirectoryStatus) ([]models.Directory, error) {
	var dirs []models.Directory
	if err := s.db.Where("status = ?", status).Order("dir_id").Find(&dirs).Error; err != nil {
		return nil, fmt.Errorf("failed to list directories with status %s: %w", status, err)
	}
	return dirs, nil
}

// GetDirectory returns one directory row.
func (s *Store) GetDirectory(dirID uint) (*models.Directory, error) {
	var dirs []models.Directory
	if err := s.db.Where("dir_id = ?", dirID).Find(&dirs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch directory %d: %w", dirID, err)
	}
	if len(dirs) != 1 {
		return nil, &RowCountError{Entity: "directories", Key: fmt.Sprintf("dir_id=%d", dirID), Want: 1, Got: len(dirs)}
	}
	return &dirs[0], nil
}

// SetDirectoryStatus updates a directory row's status and note.
func (s *Store) SetDirectoryStatus(dirID uint, status models.DirectoryStatus, note string) error {
	vals := map[string]interface{}{"status": status}
	if note != "" {
		vals["note"] = note
	}
	if err := s.db.Model(&models.Directory{}).Where("dir_id = ?", dirID).Updates(vals).Error; err != nil {
		return fmt.Errorf("failed to update directory %d: %w", dirID, err)
	}
	return nil
}

// --- Observations ---

// InsertObservation creates a new observation row.
func (s *Store) InsertObservation(obs *models.Observation) error {
	if err := s.db.Create(obs).Error; err != nil {
		return fmt.Errorf("failed to insert observation: %w", err)
	}
	return nil
}

// GetObservation returns one observation row.
func (s *Store) GetObservation(obsID uint) (*models.Observation, error) {
	var obs []models.Observation
	if err := s.db.Where("obs_id = ?", obsID).Find(&obs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch observation %d: %w", obsID, err)
	}
	if len(obs) != 1 {
		return nil, &RowCountError{Entity: "observations", Key: fmt.Sprintf("obs_id=%d", obsID), Want: 1, Got: len(obs)}
	}
	return &obs[0], nil
}

// SetObservationReceiver records the receiver determined by header correction.
func (s *Store) SetObservationReceiver(obsID uint, receiver string) error {
	if err := s.db.Model(&models.Observation{}).Where("obs_id = ?", obsID).
		Update("receiver", receiver).Error; err != nil {
		return fmt.Errorf("failed to set receiver for observation %d: %w", obsID, err)
	}
	return nil
}

// CalibratorFiles returns the files of calibrator observations that could
// pair with a pulsar scan: matching calibrator source name, start time inside
// the window, receiver equal or still unset.
func (s *Store) CalibratorFiles(calSource string, mjdLo, mjdHi float64, receiver *string) ([]FileRow, error) {
	q := s.fileRows().
		Where("observations.obs_type = ?", models.ObsTypeCal).
		Where("observations.source_name = ?", calSource).
		Where("observations.start_mjd BETWEEN ? AND ?", mjdLo, mjdHi)
	if receiver != nil {
		q = q.Where("observations.receiver = ? OR observations.receiver IS NULL", *receiver)
	}
	var rows []FileRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch calibrator files for %s: %w", calSource, err)
	}
	return rows, nil
}

// --- Calibration databases ---

// CaldbForSource returns the calibration database row for a canonical source
// name, or nil when the source has no aggregate yet.
func (s *Store) CaldbForSource(name string) (*models.CalibrationDatabase, error) {
	var rows []models.CalibrationDatabase
	if err := s.db.Where("source_name = ?", name).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch caldb for %s: %w", name, err)
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return &rows[0], nil
	default:
		return nil, &RowCountError{Entity: "calibration_databases", Key: "source_name=" + name, Want: 1, Got: len(rows)}
	}
}

// ListCaldbs returns every calibration database row.
func (s *Store) ListCaldbs() ([]models.CalibrationDatabase, error) {
	var rows []models.CalibrationDatabase
	if err := s.db.Order("source_name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list caldbs: %w", err)
	}
	return rows, nil
}

// InsertCaldb creates the calibration database row for a source.
func (s *Store) InsertCaldb(caldb *models.CalibrationDatabase) error {
	if err := s.db.Create(caldb).Error; err != nil {
		return fmt.Errorf("failed to insert caldb: %w", err)
	}
	return nil
}

// UpdateCaldb applies field updates to a calibration database row.
func (s *Store) UpdateCaldb(caldbID uint, vals map[string]interface{}) error {
	if err := s.db.Model(&models.CalibrationDatabase{}).Where("caldb_id = ?", caldbID).Updates(vals).Error; err != nil {
		return fmt.Errorf("failed to update caldb %d: %w", caldbID, err)
	}
	return nil
}

// NewCalibratorEntries counts calibrator files ready to enter a source's
// aggregate, and how many of them appeared after the aggregate's last update.
func (s *Store) NewCalibratorEntries(calSource string, since time.Time) (total int, fresh int, err error) {
	rows, err := s.calibratedCalFiles(calSource)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range rows {
		if r.CreatedAt.After(since) {
			fresh++
		}
	}
	return len(rows), fresh, nil
}

func (s *Store) calibratedCalFiles(calSource string) ([]FileRow, error) {
	var rows []FileRow
	err := s.fileRows().
		Where("files.status = ?", models.FileStatusNew).
		Where("files.stage = ?", models.StageCalibrated).
		Where("observations.obs_type = ?", models.ObsTypeCal).
		Where("observations.source_name = ?", calSource).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch calibrated cal files for %s: %w", calSource, err)
	}
	return rows, nil
}

// ResetCalFail flips every calfail'd, QC-passed cleaned file of the source
// back to 'new' so calibration is reattempted. Returns the number of rows
// reset; zero rows is a valid no-op.
func (s *Store) ResetCalFail(sourceName string) (int64, error) {
	sub := s.db.Model(&models.Observation{}).Select("obs_id").Where("source_name = ?", sourceName)
	res := s.db.Model(&models.File{}).
		Where("status = ?", models.FileStatusCalFail).
		Where("stage = ?", models.StageCleaned).
		Where("qcpassed = ?", true).
		Where("obs_id IN (?)", sub).
		Updates(map[string]interface{}{
			"status": models.FileStatusNew,
			"note":   "Reattempting calibration",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reset calfail files for %s: %w", sourceName, res.Error)
	}
	return res.RowsAffected, nil
}

// --- Review API queries ---

// PendingQCFiles lists cleaned files still awaiting a QC verdict.
func (s *Store) PendingQCFiles() ([]FileRow, error) {
	var rows []FileRow
	err := s.fileRows().
		Where("files.stage = ?", models.StageCleaned).
		Where("files.qcpassed IS NULL").
		Order("files.file_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list files pending QC: %w", err)
	}
	return rows, nil
}

// DiagnosticsForFile returns the inspection plots attached to a file.
func (s *Store) DiagnosticsForFile(fileID uint) ([]models.Diagnostic, error) {
	var diags []models.Diagnostic
	if err := s.db.Where("file_id = ?", fileID).Order("diagnostic_id").Find(&diags).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch diagnostics for file %d: %w", fileID, err)
	}
	return diags, nil
}

// StageStatusCount is one cell of the pipeline progress overview.
type StageStatusCount struct {
	Stage  models.FileStage  `json:"stage"`
	Status models.FileStatus `json:"status"`
	Count  int64             `json:"count"`
}

// CountByStageStatus summarises the files table for operator status views.
func (s *Store) CountByStageStatus() ([]StageStatusCount, error) {
	var counts []StageStatusCount
	err := s.db.Model(&models.File{}).
		Select("stage, status, COUNT(*) AS count").
		Group("stage").Group("status").
		Order("stage").Order("status").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count files by stage and status: %w", err)
	}
	return counts, nil
}

// --- Observation logs ---

// InsertObsLog creates the log row for an observation.
func (s *Store) InsertObsLog(l *models.ObsLog) error {
	if err := s.db.Create(l).Error; err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	return nil
}

// GetObsLog returns the single log row of an observation.
func (s *Store) GetObsLog(obsID uint) (*models.ObsLog, error) {
	var logs []models.ObsLog
	if err := s.db.Where("obs_id = ?", obsID).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch log for obs %d: %w", obsID, err)
	}
	if len(logs) != 1 {
		return nil, &RowCountError{Entity: "logs", Key: fmt.Sprintf("obs_id=%d", obsID), Want: 1, Got: len(logs)}
	}
	return &logs[0], nil
}

// MoveLogRow records a new storage location for an observation log.
func (s *Store) MoveLogRow(logID uint, destDir, destName string) error {
	if err := s.db.Model(&models.ObsLog{}).Where("log_id = ?", logID).
		Updates(map[string]interface{}{"log_path": destDir, "log_name": destName}).Error; err != nil {
		return fmt.Errorf("failed to move log row %d: %w", logID, err)
	}
	return nil
}
