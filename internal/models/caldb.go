package models

import (
	"path/filepath"
	"time"
)

type CaldbStatus string

const (
	CaldbStatusUpdating CaldbStatus = "updating"
	CaldbStatusReady    CaldbStatus = "ready"
	CaldbStatusFailed   CaldbStatus = "failed"
)

// CalibrationDatabase is the per-source aggregate of validated calibrator
// files. One row per canonical source name, created on the first calibrator
// success for that source.
type CalibrationDatabase struct {
	ID         uint        `json:"caldbId" gorm:"primaryKey;column:caldb_id"`
	SourceName string      `json:"sourceName" gorm:"uniqueIndex;not null"`
	CaldbPath  string      `json:"caldbPath" gorm:"not null"`
	CaldbName  string      `json:"caldbName" gorm:"not null"`
	NumEntries int         `json:"numEntries" gorm:"default:0"`
	Status     CaldbStatus `json:"status" gorm:"not null;default:'ready'"`
	Note       string      `json:"note"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"lastModified"`
}

func (CalibrationDatabase) TableName() string {
	return "calibration_databases"
}

func (c *CalibrationDatabase) Location() string {
	return filepath.Join(c.CaldbPath, c.CaldbName)
}
