package models

import (
	"time"
)

type DirectoryStatus string

const (
	DirectoryStatusNew       DirectoryStatus = "new"
	DirectoryStatusRunning   DirectoryStatus = "running"
	DirectoryStatusProcessed DirectoryStatus = "processed"
	DirectoryStatusFailed    DirectoryStatus = "failed"
)

// Directory is a discovered raw-data location. Rows are inserted by directory
// discovery and advanced by the grouping step; they are never deleted.
type Directory struct {
	ID        uint            `json:"dirId" gorm:"primaryKey;column:dir_id"`
	Path      string          `json:"path" gorm:"uniqueIndex;not null"`
	Status    DirectoryStatus `json:"status" gorm:"not null;default:'new'"`
	Note      string          `json:"note"`
	CreatedAt time.Time       `json:"discoveredAt"`
	UpdatedAt time.Time       `json:"lastModified"`
}

func (Directory) TableName() string {
	return "directories"
}
