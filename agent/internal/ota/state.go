package ota

import "time"

// State is one phase of the update state machine.
type State string

const (
	StateIdle        State = "idle"
	StateDownloading State = "downloading"
	StateVerifying   State = "verifying"
	StateBackingUp   State = "backing_up"
	StateInstalling  State = "installing"
	StateRestarting  State = "restarting"
	StateHealthCheck State = "health_check"
	StateRollingBack State = "rolling_back"
	StateSuccess     State = "success"
	StateFailed      State = "failed"
)

// allowedTransitions covers the happy path, the pre-mutation failure edges
// (straight to failed) and the post-mutation failure edges (through
// rolling_back).
var allowedTransitions = map[State][]State{
	StateIdle:        {StateDownloading, StateRollingBack},
	StateDownloading: {StateVerifying, StateFailed},
	StateVerifying:   {StateBackingUp, StateFailed},
	StateBackingUp:   {StateInstalling, StateFailed},
	StateInstalling:  {StateRestarting, StateRollingBack},
	StateRestarting:  {StateHealthCheck, StateRollingBack},
	StateHealthCheck: {StateSuccess, StateRollingBack},
	StateRollingBack: {StateSuccess, StateFailed},
	StateSuccess:     {StateIdle},
	StateFailed:      {StateIdle},
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// destructive reports whether a failure in this state requires rollback:
// anything at or after installing has touched the live tree.
func destructive(s State) bool {
	return s == StateInstalling || s == StateRestarting || s == StateHealthCheck
}

// UpdateCommand is one inbound request, immutable once accepted.
type UpdateCommand struct {
	Action        string
	Package       string
	Version       string
	URL           string
	Checksum      string
	Force         bool
	CorrelationID string
}

// PackageArtifact is a downloaded package plus its measured digest.
type PackageArtifact struct {
	Path   string
	Digest string
	Size   int64
}

// VersionBackup is the handle to one archived version snapshot.
type VersionBackup struct {
	ID        string
	Package   string
	Version   string
	Path      string
	Size      int64
	CreatedAt time.Time
}

// UpdateSession tracks one in-flight update attempt.
type UpdateSession struct {
	Command         UpdateCommand
	State           State
	PreviousVersion string
	StartedAt       time.Time
	Transitions     []Transition
	Failure         error
	RolledBack      bool
	Degraded        bool

	recordID uint
	artifact *PackageArtifact
	backup   *VersionBackup
}

// Transition is one logged state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// UpdateReport is the terminal output of a session.
type UpdateReport struct {
	Action          string
	Status          string
	State           State
	Version         string
	PreviousVersion string
	Error           string
	RolledBack      bool
	Degraded        bool
	CorrelationID   string
	Timestamp       time.Time
}

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// StatusSnapshot is the side-effect-free answer to an ota_status query.
type StatusSnapshot struct {
	State          State
	CurrentVersion string
	TargetVersion  string
	Backups        []VersionBackup
}
