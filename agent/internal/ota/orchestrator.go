package ota

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"nodi-agent/agent/internal/db"
	"nodi-agent/agent/internal/logger"
	"nodi-agent/agent/internal/version"
)

// Config carries the orchestrator's own knobs; component-level limits
// (download size, install timeout, ...) live on the components.
type Config struct {
	Package         string
	Services        []string
	InstallDir      string
	DownloadRetries int
	RetryDelay      time.Duration
}

// Orchestrator owns the update state machine. Exactly one session may be
// in flight; commands arriving while non-idle are rejected, never queued.
// A session, once accepted, is not cancellable.
type Orchestrator struct {
	cfg        Config
	fetcher    *Fetcher
	store      *BackupStore
	installer  *Installer
	supervisor Supervisor
	health     *HealthChecker
	adb        *gorm.DB

	// OnTransition, when set, observes every non-terminal state change.
	OnTransition func(State, UpdateCommand)
	// OnReport receives the single terminal report of every accepted command.
	OnReport func(UpdateReport)

	mu      sync.Mutex
	session *UpdateSession
	wg      sync.WaitGroup
}

func NewOrchestrator(cfg Config, fetcher *Fetcher, store *BackupStore, installer *Installer, supervisor Supervisor, health *HealthChecker, adb *gorm.DB) *Orchestrator {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Orchestrator{
		cfg:        cfg,
		fetcher:    fetcher,
		store:      store,
		installer:  installer,
		supervisor: supervisor,
		health:     health,
		adb:        adb,
	}
}

// State returns the device state: idle, or the active session's phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return StateIdle
	}
	return o.session.State
}

// Status answers an ota_status query without side effects.
func (o *Orchestrator) Status() StatusSnapshot {
	snap := StatusSnapshot{
		State:          StateIdle,
		CurrentVersion: o.currentVersion(),
		Backups:        o.store.List(o.cfg.Package),
	}
	o.mu.Lock()
	if o.session != nil {
		snap.State = o.session.State
		snap.TargetVersion = o.session.Command.Version
	}
	o.mu.Unlock()
	return snap
}

// Accept starts a new update session for cmd on a worker goroutine. It
// returns ErrBusy when a session is already active and nil when the command
// was taken on; the terminal outcome arrives through OnReport. When idle, a
// command targeting the already-installed version completes immediately
// unless forced.
func (o *Orchestrator) Accept(cmd UpdateCommand) error {
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	current := o.currentVersion()

	// the busy guard comes before everything, including the same-version
	// short-circuit
	o.mu.Lock()
	if o.session != nil {
		state := o.session.State
		o.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrBusy, state)
	}

	if !cmd.Force && current != "" && version.Equal(cmd.Version, current) {
		o.mu.Unlock()
		logger.Infof("Already on version %s, nothing to do (correlation=%s)", cmd.Version, cmd.CorrelationID)
		o.emit(UpdateReport{
			Action:          cmd.Action,
			Status:          StatusSuccess,
			State:           StateSuccess,
			Version:         current,
			PreviousVersion: current,
			CorrelationID:   cmd.CorrelationID,
			Timestamp:       time.Now(),
		})
		return nil
	}

	sess := o.beginLocked(cmd, StateDownloading, current)
	o.mu.Unlock()

	o.announce(sess)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(sess)
	}()
	return nil
}

// RollbackLatest runs the rollback sub-path directly against the most recent
// backup, without a preceding install attempt.
func (o *Orchestrator) RollbackLatest(cmd UpdateCommand) error {
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	sess, err := o.begin(cmd, StateRollingBack, o.currentVersion())
	if err != nil {
		return err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runRollbackOnly(sess)
	}()
	return nil
}

// Wait blocks until any in-flight session finishes. Used at shutdown and in
// tests; it does not prevent new sessions.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// begin enforces the idle-only entry guard and creates the session record.
// force never bypasses this guard.
func (o *Orchestrator) begin(cmd UpdateCommand, first State, current string) (*UpdateSession, error) {
	o.mu.Lock()
	if o.session != nil {
		state := o.session.State
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrBusy, state)
	}
	sess := o.beginLocked(cmd, first, current)
	o.mu.Unlock()

	o.announce(sess)
	return sess, nil
}

// beginLocked fills the session slot. The caller holds o.mu and has already
// verified the slot is empty.
func (o *Orchestrator) beginLocked(cmd UpdateCommand, first State, current string) *UpdateSession {
	now := time.Now()
	sess := &UpdateSession{
		Command:         cmd,
		State:           first,
		PreviousVersion: current,
		StartedAt:       now,
		Transitions:     []Transition{{From: StateIdle, To: first, At: now}},
	}
	o.session = sess
	return sess
}

// announce persists and publishes a freshly accepted session, outside the
// lock so callbacks may read Status.
func (o *Orchestrator) announce(sess *UpdateSession) {
	o.persistStart(sess)
	cmd := sess.Command
	logger.Infof("Session accepted: action=%s package=%s version=%s correlation=%s", cmd.Action, cmd.Package, cmd.Version, cmd.CorrelationID)
	o.notify(sess.State, cmd)
}

// transition moves the active session to next, enforcing the edge table.
func (o *Orchestrator) transition(sess *UpdateSession, next State) {
	o.mu.Lock()
	from := sess.State
	if !canTransition(from, next) {
		// a hole in the table is a programming error; fail loudly in logs
		logger.Errorf("Illegal transition %s -> %s (correlation=%s)", from, next, sess.Command.CorrelationID)
	}
	sess.State = next
	sess.Transitions = append(sess.Transitions, Transition{From: from, To: next, At: time.Now()})
	o.mu.Unlock()

	logger.Infof("Phase %s -> %s (correlation=%s)", from, next, sess.Command.CorrelationID)
	o.persistState(sess, next)
	o.notify(next, sess.Command)
}

// run drives one full update session. Every path out of here emits exactly
// one terminal report and returns the device to idle.
func (o *Orchestrator) run(sess *UpdateSession) {
	cmd := sess.Command
	ctx := context.Background()

	// downloading
	var art *PackageArtifact
	err := o.retry(o.cfg.DownloadRetries, "download", func() error {
		a, ferr := o.fetcher.Fetch(ctx, cmd.URL)
		if ferr == nil {
			art = a
		}
		return ferr
	})
	if err != nil {
		o.finish(sess, err)
		return
	}
	sess.artifact = art
	defer o.discardArtifact(sess)

	// verifying: a mismatch is never retried
	o.transition(sess, StateVerifying)
	if err := VerifyChecksum(art, cmd.Checksum); err != nil {
		o.finish(sess, err)
		return
	}

	// backing up: must hold a verified-readable backup before any
	// destructive step
	o.transition(sess, StateBackingUp)
	backup, err := o.store.Backup(cmd.Package, sess.PreviousVersion, o.cfg.InstallDir)
	if err != nil {
		o.finish(sess, err)
		return
	}
	sess.backup = backup

	// installing: single attempt, a retry could double-apply migrations
	o.transition(sess, StateInstalling)
	if err := o.installer.Install(ctx, art); err != nil {
		o.rollback(sess, err)
		return
	}

	o.transition(sess, StateRestarting)
	if err := o.supervisor.Restart(ctx, o.cfg.Services); err != nil {
		o.rollback(sess, err)
		return
	}

	o.transition(sess, StateHealthCheck)
	if err := o.health.Check(ctx); err != nil {
		o.rollback(sess, err)
		return
	}

	o.writeVersion(cmd.Version)
	o.store.Prune(cmd.Package)
	o.transition(sess, StateSuccess)
	o.finish(sess, nil)
}

// rollback restores the pre-update snapshot after a destructive-phase
// failure, restarts the restored version and re-probes it. If any of that
// fails the device is left degraded: the one condition with no local
// recovery, reported loudly and never retried.
func (o *Orchestrator) rollback(sess *UpdateSession, cause error) {
	sess.Failure = cause
	o.transition(sess, StateRollingBack)

	if err := o.restoreAndRestart(sess.backup); err != nil {
		sess.Degraded = true
		logger.Errorf("DEGRADED: rollback failed, manual recovery required (correlation=%s): %v after %v",
			sess.Command.CorrelationID, err, cause)
		o.finishWith(sess, fmt.Errorf("%v; %v", cause, err))
		return
	}

	sess.RolledBack = true
	if sess.backup != nil {
		o.writeVersion(sess.backup.Version)
	}
	logger.Warnf("Rolled back to version %s after: %v", sess.PreviousVersion, cause)
	o.finish(sess, cause)
}

// runRollbackOnly is the ota_rollback path: no prior install attempt, the
// newest backup is the target.
func (o *Orchestrator) runRollbackOnly(sess *UpdateSession) {
	backup, ok := o.store.Latest(sess.Command.Package)
	if !ok {
		o.finishWith(sess, fmt.Errorf("%w: no backup available", ErrRestore))
		return
	}
	sess.backup = backup

	if err := o.restoreAndRestart(backup); err != nil {
		sess.Degraded = true
		logger.Errorf("DEGRADED: rollback failed, manual recovery required (correlation=%s): %v", sess.Command.CorrelationID, err)
		o.finishWith(sess, err)
		return
	}

	sess.RolledBack = true
	o.writeVersion(backup.Version)
	o.transition(sess, StateSuccess)
	o.finish(sess, nil)
}

// restoreAndRestart is the shared rollback tail: restore the snapshot,
// restart under it, confirm it comes up. Restart and health failures here
// count as restore failures; there is nothing older to fall back to.
func (o *Orchestrator) restoreAndRestart(backup *VersionBackup) error {
	ctx := context.Background()
	if err := o.store.Restore(backup, o.cfg.InstallDir); err != nil {
		return err
	}
	if err := o.supervisor.Restart(ctx, o.cfg.Services); err != nil {
		return fmt.Errorf("%w: restart of restored version: %v", ErrRestore, err)
	}
	if err := o.health.Check(ctx); err != nil {
		return fmt.Errorf("%w: restored version unhealthy: %v", ErrRestore, err)
	}
	return nil
}

// finish archives the session and emits its terminal report. cause nil means
// the session succeeded (or rolled back cleanly when sess.RolledBack is set
// by the caller along with a non-nil cause).
func (o *Orchestrator) finish(sess *UpdateSession, cause error) {
	if cause != nil {
		sess.Failure = cause
	}
	o.finishWith(sess, sess.Failure)
}

func (o *Orchestrator) finishWith(sess *UpdateSession, cause error) {
	terminal := StateSuccess
	status := StatusSuccess
	if cause != nil {
		terminal = StateFailed
		status = StatusFailed
	}

	o.mu.Lock()
	if sess.State != terminal {
		sess.Transitions = append(sess.Transitions, Transition{From: sess.State, To: terminal, At: time.Now()})
		sess.State = terminal
	}
	o.session = nil
	o.mu.Unlock()

	report := UpdateReport{
		Action:          sess.Command.Action,
		Status:          status,
		State:           terminal,
		Version:         sess.Command.Version,
		PreviousVersion: sess.PreviousVersion,
		RolledBack:      sess.RolledBack,
		Degraded:        sess.Degraded,
		CorrelationID:   sess.Command.CorrelationID,
		Timestamp:       time.Now(),
	}
	if sess.Command.Action == "ota_rollback" && sess.backup != nil {
		report.Version = sess.backup.Version
	}
	if cause != nil {
		report.Error = cause.Error()
	}

	o.persistFinish(sess, report)
	logger.Infof("Session finished: status=%s rolled_back=%v degraded=%v correlation=%s",
		status, sess.RolledBack, sess.Degraded, sess.Command.CorrelationID)
	o.emit(report)
}

// ReconcileStartup closes out any session the previous agent process left
// non-idle. An interrupted install cannot be trusted to continue, so it is
// archived as failed and, when it had already passed the point of mutation,
// rolled back before new commands are accepted.
func (o *Orchestrator) ReconcileStartup() {
	if o.adb == nil {
		return
	}
	var rows []db.UpdateRecord
	if err := o.adb.Where("completed_at IS NULL").Find(&rows).Error; err != nil {
		logger.Errorf("Startup reconcile query failed: %v", err)
		return
	}
	for _, row := range rows {
		logger.Warnf("Found interrupted session from previous run: state=%s correlation=%s", row.State, row.CorrelationID)
		now := time.Now()

		report := UpdateReport{
			Action:          row.Action,
			Status:          StatusFailed,
			State:           StateFailed,
			Version:         row.TargetVersion,
			PreviousVersion: row.PreviousVersion,
			Error:           "interrupted by agent restart",
			CorrelationID:   row.CorrelationID,
			Timestamp:       now,
		}

		interrupted := State(row.State)
		if destructive(interrupted) || interrupted == StateRollingBack {
			backup, ok := o.store.Latest(row.Package)
			if !ok {
				report.Degraded = true
				logger.Errorf("DEGRADED: interrupted session %s has no backup to restore", row.CorrelationID)
			} else if err := o.restoreAndRestart(backup); err != nil {
				report.Degraded = true
				logger.Errorf("DEGRADED: rollback of interrupted session %s failed: %v", row.CorrelationID, err)
			} else {
				report.RolledBack = true
				o.writeVersion(backup.Version)
				logger.Warnf("Interrupted session %s rolled back to %s", row.CorrelationID, backup.Version)
			}
		}

		row.State = string(StateFailed)
		row.Status = report.Status
		row.RolledBack = report.RolledBack
		row.Degraded = report.Degraded
		row.Error = report.Error
		row.CompletedAt = &now
		if err := o.adb.Save(&row).Error; err != nil {
			logger.Errorf("Cannot archive interrupted session %s: %v", row.CorrelationID, err)
		}
		o.emit(report)
	}
}

// retry runs fn up to 1+extra times with a growing delay.
func (o *Orchestrator) retry(extra int, phase string, fn func() error) error {
	const backoffFactor = 1.5
	delay := o.cfg.RetryDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= extra {
			return err
		}
		logger.Warnf("Phase %s attempt %d failed: %v, retrying in %v", phase, attempt+1, err, delay)
		time.Sleep(delay)
		delay = time.Duration(float64(delay) * backoffFactor)
	}
}

func (o *Orchestrator) discardArtifact(sess *UpdateSession) {
	if sess.artifact == nil {
		return
	}
	if err := os.Remove(sess.artifact.Path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("Cannot remove staged artifact %s: %v", sess.artifact.Path, err)
	}
}

func (o *Orchestrator) currentVersion() string {
	data, err := os.ReadFile(filepath.Join(o.cfg.InstallDir, "VERSION"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (o *Orchestrator) writeVersion(v string) {
	if v == "" {
		return
	}
	path := filepath.Join(o.cfg.InstallDir, "VERSION")
	if err := os.WriteFile(path, []byte(v+"\n"), 0o644); err != nil {
		logger.Warnf("Cannot write version marker: %v", err)
	}
}

func (o *Orchestrator) persistStart(sess *UpdateSession) {
	if o.adb == nil {
		return
	}
	rec := db.UpdateRecord{
		CorrelationID:   sess.Command.CorrelationID,
		Action:          sess.Command.Action,
		Package:         sess.Command.Package,
		TargetVersion:   sess.Command.Version,
		PreviousVersion: sess.PreviousVersion,
		State:           string(sess.State),
		StartedAt:       sess.StartedAt,
	}
	if err := o.adb.Create(&rec).Error; err != nil {
		logger.Warnf("Cannot persist session start: %v", err)
		return
	}
	sess.recordID = rec.ID
}

func (o *Orchestrator) persistState(sess *UpdateSession, s State) {
	if o.adb == nil || sess.recordID == 0 {
		return
	}
	if err := o.adb.Model(&db.UpdateRecord{}).Where("id = ?", sess.recordID).
		Update("state", string(s)).Error; err != nil {
		logger.Warnf("Cannot persist session state: %v", err)
	}
}

func (o *Orchestrator) persistFinish(sess *UpdateSession, report UpdateReport) {
	if o.adb == nil || sess.recordID == 0 {
		return
	}
	now := report.Timestamp
	updates := map[string]interface{}{
		"state":        string(report.State),
		"status":       report.Status,
		"rolled_back":  report.RolledBack,
		"degraded":     report.Degraded,
		"error":        report.Error,
		"completed_at": &now,
	}
	if err := o.adb.Model(&db.UpdateRecord{}).Where("id = ?", sess.recordID).
		Updates(updates).Error; err != nil {
		logger.Warnf("Cannot archive session: %v", err)
	}
}

func (o *Orchestrator) notify(s State, cmd UpdateCommand) {
	if o.OnTransition != nil {
		o.OnTransition(s, cmd)
	}
}

func (o *Orchestrator) emit(report UpdateReport) {
	if o.OnReport != nil {
		o.OnReport(report)
	}
}
