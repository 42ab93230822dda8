package models

import (
	"strings"
	"time"
)

type ObsType string

const (
	ObsTypePulsar ObsType = "pulsar"
	ObsTypeCal    ObsType = "cal"
)

// CalSuffix marks the source name of a calibrator scan, e.g. "J1713+0747_R".
const CalSuffix = "_R"

// Observation is one astronomical scan, created when grouping succeeds. The
// receiver is unknown until header correction fills it in.
type Observation struct {
	ID         uint      `json:"obsId" gorm:"primaryKey;column:obs_id"`
	SourceName string    `json:"sourceName" gorm:"not null;index"`
	StartMJD   float64   `json:"startMJD" gorm:"column:start_mjd"`
	ObsType    ObsType   `json:"obsType" gorm:"not null"`
	Receiver   *string   `json:"receiver"`
	DirID      uint      `json:"dirId" gorm:"index"` // weak back-reference, not a constraint
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"lastModified"`
}

func (Observation) TableName() string {
	return "observations"
}

// CanonicalSource strips the calibrator suffix from a source name so pulsar
// and calibrator scans of the same source share one name.
func CanonicalSource(name string) string {
	return strings.TrimSuffix(name, CalSuffix)
}

// ObsTypeForSource classifies a source name by its calibrator suffix.
func ObsTypeForSource(name string) ObsType {
	if strings.HasSuffix(name, CalSuffix) {
		return ObsTypeCal
	}
	return ObsTypePulsar
}
