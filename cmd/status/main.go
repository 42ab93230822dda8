// Command status prints a snapshot of pipeline progress: file counts per
// stage and status, directory backlog, and calibration-database state.
package main

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"github.com/psrpipe/pipeline/internal/config"
	"github.com/psrpipe/pipeline/internal/db"
	"github.com/psrpipe/pipeline/internal/models"
	"github.com/psrpipe/pipeline/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	conn, err := db.Open(config.Load())
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}
	st := store.New(conn)

	counts, err := st.CountByStageStatus()
	if err != nil {
		log.Fatalf("Could not summarise files: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tCOUNT")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%s\t%d\n", c.Stage, c.Status, c.Count)
	}
	w.Flush()

	for _, status := range []models.DirectoryStatus{
		models.DirectoryStatusNew,
		models.DirectoryStatusFailed,
	} {
		dirs, err := st.DirectoriesByStatus(status)
		if err != nil {
			log.Fatalf("Could not list directories: %v", err)
		}
		fmt.Printf("\nDirectories %s: %d\n", status, len(dirs))
		for _, d := range dirs {
			if d.Note != "" {
				fmt.Printf("  %s (%s)\n", d.Path, d.Note)
			} else {
				fmt.Printf("  %s\n", d.Path)
			}
		}
	}

	caldbs, err := st.ListCaldbs()
	if err != nil {
		log.Fatalf("Could not list calibration databases: %v", err)
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSTATUS\tENTRIES\tUPDATED")
	for _, c := range caldbs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.SourceName, c.Status, c.NumEntries,
			c.UpdatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
}
