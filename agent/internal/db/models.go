package db

import "time"

// UpdateRecord is the archived form of one update session. A row with an
// empty CompletedAt marks a session that never reached a terminal state
// before the agent stopped; startup reconciliation turns it into a failure.
type UpdateRecord struct {
	ID              uint   `gorm:"primaryKey"`
	CorrelationID   string `gorm:"index;size:64"`
	Action          string `gorm:"size:32"`
	Package         string `gorm:"size:128"`
	TargetVersion   string `gorm:"size:64"`
	PreviousVersion string `gorm:"size:64"`
	State           string `gorm:"size:32"`
	Status          string `gorm:"size:16"`
	RolledBack      bool
	Degraded        bool
	Error           string
	StartedAt       time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BackupRecord mirrors one on-disk backup archive.
type BackupRecord struct {
	ID        uint   `gorm:"primaryKey"`
	HandleID  string `gorm:"uniqueIndex;size:64"`
	Package   string `gorm:"index;size:128"`
	Version   string `gorm:"size:64"`
	Path      string `gorm:"uniqueIndex"`
	Size      int64
	CreatedAt time.Time
}
