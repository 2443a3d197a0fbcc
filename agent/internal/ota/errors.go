package ota

import "errors"

// One sentinel per failure kind. Phase errors wrap these so the orchestrator
// can map an error back to the transition edge it drives.
var (
	ErrFetch            = errors.New("fetch failed")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrBackup           = errors.New("backup failed")
	ErrInstall          = errors.New("install failed")
	ErrRestart          = errors.New("restart failed")
	ErrHealthCheck      = errors.New("health check failed")
	ErrRestore          = errors.New("restore failed")
	ErrBusy             = errors.New("update already in progress")
	ErrValidation       = errors.New("invalid command")
)
