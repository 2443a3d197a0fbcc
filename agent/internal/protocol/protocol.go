// Package protocol decodes inbound update commands and encodes outbound
// status reports. It owns validation; nothing past this layer sees a
// malformed command.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nodi-agent/agent/internal/ota"
)

const (
	ActionUpdate   = "ota_update"
	ActionRollback = "ota_rollback"
	ActionStatus   = "ota_status"
)

// Command is the wire shape of one inbound request.
type Command struct {
	Action        string `json:"action"`
	Package       string `json:"package,omitempty"`
	Version       string `json:"version,omitempty"`
	URL           string `json:"url,omitempty"`
	Checksum      string `json:"checksum,omitempty"`
	Force         bool   `json:"force,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Auth          string `json:"auth,omitempty"`
}

// Report is the wire shape of one outbound status message.
type Report struct {
	Action          string `json:"action"`
	Status          string `json:"status"`
	Version         string `json:"version,omitempty"`
	PreviousVersion string `json:"previous_version,omitempty"`
	Error           string `json:"error,omitempty"`
	RolledBack      bool   `json:"rolled_back,omitempty"`
	Degraded        bool   `json:"degraded,omitempty"`
	CorrelationID   string `json:"correlation_id,omitempty"`
	Timestamp       string `json:"timestamp"`
}

// StatusResponse answers an ota_status query.
type StatusResponse struct {
	Action         string       `json:"action"`
	State          string       `json:"state"`
	CurrentVersion string       `json:"current_version,omitempty"`
	TargetVersion  string       `json:"target_version,omitempty"`
	Backups        []BackupInfo `json:"backups"`
	Timestamp      string       `json:"timestamp"`
}

type BackupInfo struct {
	Package   string `json:"package"`
	Version   string `json:"version"`
	Size      int64  `json:"size"`
	CreatedAt string `json:"created_at"`
}

// Codec validates and translates between wire messages and core types.
// Secret, when set, requires every command to carry a valid signed token.
type Codec struct {
	DeviceID string
	Secret   []byte
}

// Decode parses raw into a Command, rejecting malformed input before any
// session work happens. On rejection the partially decoded command is
// returned alongside the error, so the sender can still match the rejection
// by action and correlation id.
func (c *Codec) Decode(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ota.ErrValidation, err)
	}
	switch cmd.Action {
	case ActionUpdate:
		var missing []string
		if strings.TrimSpace(cmd.Package) == "" {
			missing = append(missing, "package")
		}
		if strings.TrimSpace(cmd.Version) == "" {
			missing = append(missing, "version")
		}
		if strings.TrimSpace(cmd.URL) == "" {
			missing = append(missing, "url")
		}
		if strings.TrimSpace(cmd.Checksum) == "" {
			missing = append(missing, "checksum")
		}
		if len(missing) > 0 {
			return cmd, fmt.Errorf("%w: missing required fields: %s", ota.ErrValidation, strings.Join(missing, ", "))
		}
	case ActionRollback, ActionStatus:
		// no required payload fields
	case "":
		return cmd, fmt.Errorf("%w: missing action", ota.ErrValidation)
	default:
		return cmd, fmt.Errorf("%w: unknown action %q", ota.ErrValidation, cmd.Action)
	}

	if len(c.Secret) > 0 {
		if err := c.authorize(cmd); err != nil {
			return cmd, err
		}
	}
	return cmd, nil
}

// ToUpdateCommand maps the wire command onto the orchestrator's type.
func (c *Codec) ToUpdateCommand(cmd Command) ota.UpdateCommand {
	return ota.UpdateCommand{
		Action:        cmd.Action,
		Package:       cmd.Package,
		Version:       cmd.Version,
		URL:           cmd.URL,
		Checksum:      cmd.Checksum,
		Force:         cmd.Force,
		CorrelationID: cmd.CorrelationID,
	}
}

// EncodeReport renders a terminal session report.
func EncodeReport(r ota.UpdateReport) []byte {
	out := Report{
		Action:          r.Action,
		Status:          r.Status,
		Version:         r.Version,
		PreviousVersion: r.PreviousVersion,
		Error:           r.Error,
		RolledBack:      r.RolledBack,
		Degraded:        r.Degraded,
		CorrelationID:   r.CorrelationID,
		Timestamp:       r.Timestamp.Format(time.RFC3339),
	}
	b, _ := json.Marshal(out)
	return b
}

// EncodeRejection renders the immediate response for a command that never
// became a session (busy or validation failure).
func EncodeRejection(action, correlationID string, err error) []byte {
	out := Report{
		Action:        action,
		Status:        ota.StatusFailed,
		Error:         err.Error(),
		CorrelationID: correlationID,
		Timestamp:     time.Now().Format(time.RFC3339),
	}
	b, _ := json.Marshal(out)
	return b
}

// EncodeStatus renders an ota_status snapshot.
func EncodeStatus(snap ota.StatusSnapshot) []byte {
	out := StatusResponse{
		Action:         ActionStatus,
		State:          string(snap.State),
		CurrentVersion: snap.CurrentVersion,
		TargetVersion:  snap.TargetVersion,
		Backups:        make([]BackupInfo, 0, len(snap.Backups)),
		Timestamp:      time.Now().Format(time.RFC3339),
	}
	for _, b := range snap.Backups {
		out.Backups = append(out.Backups, BackupInfo{
			Package:   b.Package,
			Version:   b.Version,
			Size:      b.Size,
			CreatedAt: b.CreatedAt.Format(time.RFC3339),
		})
	}
	b, _ := json.Marshal(out)
	return b
}

// ProgressEvent is the non-terminal phase notification published while a
// session runs.
type ProgressEvent struct {
	Action        string `json:"action"`
	State         string `json:"state"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Timestamp     string `json:"timestamp"`
}

func EncodeProgress(state ota.State, cmd ota.UpdateCommand) []byte {
	out := ProgressEvent{
		Action:        "ota_progress",
		State:         string(state),
		CorrelationID: cmd.CorrelationID,
		Timestamp:     time.Now().Format(time.RFC3339),
	}
	b, _ := json.Marshal(out)
	return b
}
