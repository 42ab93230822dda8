package models

import (
	"path/filepath"
	"time"
)

// Diagnostic is a rendered inspection plot attached to a file. Created
// alongside its file, never mutated.
type Diagnostic struct {
	ID             uint      `json:"diagnosticId" gorm:"primaryKey;column:diagnostic_id"`
	FileID         uint      `json:"fileId" gorm:"not null;index"`
	DiagnosticPath string    `json:"diagnosticPath" gorm:"not null"`
	DiagnosticName string    `json:"diagnosticName" gorm:"not null"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (Diagnostic) TableName() string {
	return "diagnostics"
}

func (d *Diagnostic) Location() string {
	return filepath.Join(d.DiagnosticPath, d.DiagnosticName)
}
