package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/psrpipe/pipeline/internal/logger"
	"github.com/psrpipe/pipeline/internal/store"
)

// ReviewController is the door for the external QC review step: it lists
// cleaned files awaiting a verdict, records verdicts, and exposes the
// calibration-database state. It never runs transforms or rebuilds
// aggregates; the daemon owns those.
type ReviewController struct {
	store    *store.Store
	resolver CalReattempter
}

// CalReattempter releases calfail'd files of a source back into the queue.
type CalReattempter interface {
	ReattemptCalibration(sourceName string) error
}

func NewReviewController(st *store.Store, resolver CalReattempter) *ReviewController {
	return &ReviewController{store: st, resolver: resolver}
}

func (rc *ReviewController) GetPendingFiles(c *gin.Context) {
	rows, err := rc.store.PendingQCFiles()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list pending files"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"files":   rows,
	})
}

func (rc *ReviewController) GetFile(c *gin.Context) {
	fileID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file id"})
		return
	}
	row, err := rc.store.FileByID(uint(fileID))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	diags, err := rc.store.DiagnosticsForFile(row.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch diagnostics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"file":        row,
		"diagnostics": diags,
	})
}

type VerdictRequest struct {
	Passed *bool  `json:"passed" binding:"required"`
	Note   string `json:"note"`
}

// SetVerdict records a QC verdict on a cleaned file. A passing verdict makes
// the file eligible for calibration on the daemon's next tick.
func (rc *ReviewController) SetVerdict(c *gin.Context) {
	fileID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file id"})
		return
	}

	var req VerdictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	row, err := rc.store.FileByID(uint(fileID))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	if err := rc.store.SetFileQC(row.ID, *req.Passed, req.Note); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record verdict"})
		return
	}
	logger.Info("QC verdict recorded", map[string]interface{}{
		"file_id":     row.ID,
		"source_name": row.SourceName,
		"passed":      *req.Passed,
		"reviewer":    c.GetString("userEmail"),
	})
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Verdict recorded",
	})
}

func (rc *ReviewController) GetCaldbs(c *gin.Context) {
	caldbs, err := rc.store.ListCaldbs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list calibration databases"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"caldbs":  caldbs,
	})
}

// ReattemptCalibration releases a source's calfail'd files back to the
// queue. Useful after a manual fix outside the normal caldb-update path.
func (rc *ReviewController) ReattemptCalibration(c *gin.Context) {
	source := c.Param("source")
	if source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Source name required"})
		return
	}
	if err := rc.resolver.ReattemptCalibration(source); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reattempt calibration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Calibration reattempt queued",
	})
}

// GetStatus summarises pipeline progress per stage and status.
func (rc *ReviewController) GetStatus(c *gin.Context) {
	counts, err := rc.store.CountByStageStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to summarise pipeline state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"counts":  counts,
	})
}
