// Package discovery scans the raw-data tree for date-named observation
// directories and registers the new ones.
package discovery

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/psrpipe/pipeline/internal/logger"
	"github.com/psrpipe/pipeline/internal/store"
)

// Raw-data layout: <base>/<source>/<YYYYMMDD>/.
var datePattern = regexp.MustCompile(`^\d{8}$`)

// FindRawDirs returns every date-named directory two levels below base whose
// modification time is after since. A zero since returns everything.
func FindRawDirs(base string, since time.Time) ([]string, error) {
	sources, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	var found []string
	for _, src := range sources {
		if !src.IsDir() {
			continue
		}
		srcDir := filepath.Join(base, src.Name())
		days, err := os.ReadDir(srcDir)
		if err != nil {
			logger.Warn("Could not read source directory", map[string]interface{}{
				"path": srcDir, "error": err.Error(),
			})
			continue
		}
		for _, day := range days {
			if !day.IsDir() || !datePattern.MatchString(day.Name()) {
				continue
			}
			info, err := day.Info()
			if err != nil {
				continue
			}
			if !since.IsZero() && !info.ModTime().After(since) {
				continue
			}
			found = append(found, filepath.Join(srcDir, day.Name()))
		}
	}
	return found, nil
}

// Discover registers raw-data directories that appeared since the last run.
// The modification-time gate is an optimization only; the unique constraint
// on the path makes re-registering a known directory a no-op. Returns the
// number of directories added.
func Discover(st *store.Store, base string) (int, error) {
	since, err := st.LatestDirectoryTime()
	if err != nil {
		return 0, err
	}
	// Rescan a little further back than the newest row so a directory written
	// while the previous scan ran is not skipped forever.
	if !since.IsZero() {
		since = since.Add(-time.Hour)
	}
	paths, err := FindRawDirs(base, since)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, path := range paths {
		dir, created, err := st.InsertDirectory(path)
		if err != nil {
			return added, err
		}
		if created {
			added++
			logger.WithDirectory(dir.ID, path).Info("Registered raw-data directory")
		}
	}
	return added, nil
}
