package models

import (
	"path/filepath"
	"time"
)

// ObsLog points at the append-only text log for one observation's processing.
type ObsLog struct {
	ID        uint      `json:"logId" gorm:"primaryKey;column:log_id"`
	ObsID     uint      `json:"obsId" gorm:"not null;index"`
	LogPath   string    `json:"logPath" gorm:"not null"`
	LogName   string    `json:"logName" gorm:"not null"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"lastModified"`
}

func (ObsLog) TableName() string {
	return "logs"
}

func (l *ObsLog) Location() string {
	return filepath.Join(l.LogPath, l.LogName)
}
