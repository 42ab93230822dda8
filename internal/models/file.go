package models

import (
	"path/filepath"
	"time"
)

type FileStage string

const (
	StageGrouped    FileStage = "grouped"
	StageCombined   FileStage = "combined"
	StageCorrected  FileStage = "corrected"
	StageCleaned    FileStage = "cleaned"
	StageCalibrated FileStage = "calibrated"
)

type FileStatus string

const (
	FileStatusNew       FileStatus = "new"
	FileStatusRunning   FileStatus = "running"
	FileStatusSubmitted FileStatus = "submitted"
	FileStatusProcessed FileStatus = "processed"
	FileStatusFailed    FileStatus = "failed"
	FileStatusCalFail   FileStatus = "calfail"
	FileStatusToLoad    FileStatus = "toload"
	FileStatusDone      FileStatus = "done"
)

// File is one artifact produced for an observation at a specific pipeline
// stage. The artifact and its stage never change after creation; only status,
// note and location fields are updated. ParentFileID forms a linear provenance
// chain, one parent per stage. CalFileID references the calibrator file used
// to calibrate a pulsar scan.
type File struct {
	ID           uint       `json:"fileId" gorm:"primaryKey;column:file_id"`
	ObsID        uint       `json:"obsId" gorm:"not null;index"`
	Stage        FileStage  `json:"stage" gorm:"not null;index"`
	Status       FileStatus `json:"status" gorm:"not null;default:'new';index"`
	FilePath     string     `json:"filePath" gorm:"not null"`
	FileName     string     `json:"fileName" gorm:"not null"`
	MD5Sum       string     `json:"md5sum" gorm:"column:md5sum"`
	FileSize     int64      `json:"fileSize"`
	QCPassed     *bool      `json:"qcpassed" gorm:"column:qcpassed"`
	ParentFileID *uint      `json:"parentFileId" gorm:"index"`
	CalFileID    *uint      `json:"calFileId"`
	Note         string     `json:"note"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"lastModified"`

	Observation *Observation `json:"observation,omitempty" gorm:"foreignKey:ObsID;references:ID"`
	Parent      *File        `json:"-" gorm:"foreignKey:ParentFileID;references:ID"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty" gorm:"foreignKey:FileID"`
}

func (File) TableName() string {
	return "files"
}

// Location returns the full path of the stored artifact.
func (f *File) Location() string {
	return filepath.Join(f.FilePath, f.FileName)
}
