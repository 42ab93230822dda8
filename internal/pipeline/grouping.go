package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/psrpipe/pipeline/internal/logger"
	"github.com/psrpipe/pipeline/internal/models"
	"github.com/psrpipe/pipeline/internal/store"
)

// GroupDirectory turns one claimed raw-data directory into pipeline state:
// the observation row, a grouped listing file naming the raw sub-files, and
// the observation's log, all committed in one transaction before the
// directory is marked processed.
func (p *Pipeline) GroupDirectory(ctx context.Context, dir models.Directory) error {
	if dir.Status != models.DirectoryStatusRunning {
		return &BadStatusError{DirID: dir.ID, Status: string(dir.Status), Want: "status 'running'"}
	}
	log := logger.WithDirectory(dir.ID, dir.Path)
	log.Info("Grouping raw-data directory")

	if err := p.groupDirectory(ctx, dir); err != nil {
		log.WithError(err).Error("Grouping failed")
		if serr := p.store.SetDirectoryStatus(dir.ID, models.DirectoryStatusFailed, failNote(ActionGroup, err)); serr != nil {
			log.WithError(serr).Error("Could not persist grouping failure")
		}
		return err
	}
	return p.store.SetDirectoryStatus(dir.ID, models.DirectoryStatusProcessed, "")
}

func (p *Pipeline) groupDirectory(ctx context.Context, dir models.Directory) error {
	raw, err := rawFiles(dir.Path)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return &DataReductionError{Msg: "no raw files in " + dir.Path}
	}

	hdr, err := p.headers.ReadHeader(ctx, raw[0])
	if err != nil {
		return err
	}

	base := fmt.Sprintf("%s_%s", strings.ToUpper(hdr.SourceName), filepath.Base(dir.Path))
	staging := p.stagingDir()
	if err := os.MkdirAll(staging, 0755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}

	listName := base + ".grouped"
	listPath := filepath.Join(staging, listName)
	if err := os.WriteFile(listPath, []byte(strings.Join(raw, "\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write grouped listing: %w", err)
	}
	sum, size, err := fileMeta(listPath)
	if err != nil {
		return err
	}

	logName := base + ".log"
	olog, closer, err := logger.ObsLogger(filepath.Join(staging, logName))
	if err != nil {
		return err
	}
	defer closer.Close()

	obs := &models.Observation{
		SourceName: hdr.SourceName,
		StartMJD:   hdr.StartMJD,
		ObsType:    models.ObsTypeForSource(hdr.SourceName),
		DirID:      dir.ID,
	}
	err = p.store.Transaction(func(tx *store.Store) error {
		if err := tx.InsertObservation(obs); err != nil {
			return err
		}
		if err := tx.InsertFile(&models.File{
			ObsID:    obs.ID,
			Stage:    models.StageGrouped,
			Status:   models.FileStatusNew,
			FilePath: staging,
			FileName: listName,
			MD5Sum:   sum,
			FileSize: size,
		}); err != nil {
			return err
		}
		return tx.InsertObsLog(&models.ObsLog{
			ObsID:   obs.ID,
			LogPath: staging,
			LogName: logName,
		})
	})
	if err != nil {
		return err
	}
	olog.Infof("Grouped %d raw files from %s as observation %d (%s, MJD %.5f)",
		len(raw), dir.Path, obs.ID, obs.ObsType, obs.StartMJD)
	return nil
}

// rawFiles lists the regular files of a raw-data directory, sorted so the
// listing is stable across runs.
func rawFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
