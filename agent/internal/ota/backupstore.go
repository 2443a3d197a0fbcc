package ota

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nodi-agent/agent/internal/db"
	"nodi-agent/agent/internal/logger"
)

// BackupStore owns the bounded history of version snapshots under one
// directory. Metadata is mirrored to sqlite so the history survives agent
// restarts; the directory contents stay authoritative.
type BackupStore struct {
	dir       string
	retention int
	adb       *gorm.DB

	mu    sync.Mutex
	index []VersionBackup

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewBackupStore(dir string, retention int, adb *gorm.DB) (*BackupStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir backup dir: %v", ErrBackup, err)
	}
	s := &BackupStore{dir: dir, retention: retention, adb: adb, stop: make(chan struct{})}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadIndex rebuilds the in-memory index from the directory, reconciling the
// sqlite mirror against what actually exists on disk.
func (s *BackupStore) loadIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: read backup dir: %v", ErrBackup, err)
	}

	known := map[string]db.BackupRecord{}
	if s.adb != nil {
		var rows []db.BackupRecord
		if err := s.adb.Find(&rows).Error; err == nil {
			for _, r := range rows {
				known[r.Path] = r
			}
		}
	}

	var index []VersionBackup
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tar.gz") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		b := VersionBackup{
			Path:      path,
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		}
		if rec, ok := known[path]; ok {
			b.ID = rec.HandleID
			b.Package = rec.Package
			b.Version = rec.Version
			b.CreatedAt = rec.CreatedAt
			delete(known, path)
		} else {
			b.ID = uuid.NewString()
			b.Package, b.Version = parseBackupName(e.Name())
			s.persist(b)
		}
		index = append(index, b)
	}

	// rows whose archive vanished while the agent was down
	for path, rec := range known {
		logger.Warnf("Backup archive missing on disk, dropping record: %s", path)
		if s.adb != nil {
			s.adb.Delete(&db.BackupRecord{}, "handle_id = ?", rec.HandleID)
		}
	}

	sortBackups(index)
	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

// Backup snapshots srcDir as <pkg>-<version>-<timestamp>.tar.gz and verifies
// the archive is readable before returning the handle. The update must not
// reach the install phase without this handle.
func (s *BackupStore) Backup(pkg, version, srcDir string) (*VersionBackup, error) {
	if version == "" {
		version = "unknown"
	}
	if _, err := os.Stat(srcDir); err != nil {
		return nil, fmt.Errorf("%w: install tree not readable: %v", ErrBackup, err)
	}

	ts := time.Now().Format("20060102_150405")
	name := fmt.Sprintf("%s-%s-%s.tar.gz", pkg, version, ts)
	path := filepath.Join(s.dir, name)

	if err := createTarGz(srcDir, pkg, path); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrBackup, err)
	}
	if err := readTarGz(path); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: archive not readable after write: %v", ErrBackup, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat archive: %v", ErrBackup, err)
	}
	b := VersionBackup{
		ID:        uuid.NewString(),
		Package:   pkg,
		Version:   version,
		Path:      path,
		Size:      info.Size(),
		CreatedAt: time.Now(),
	}
	s.persist(b)

	s.mu.Lock()
	s.index = append([]VersionBackup{b}, s.index...)
	s.mu.Unlock()

	logger.Infof("Backup created: %s (%d bytes)", name, b.Size)
	return &b, nil
}

// Restore unpacks the snapshot over destDir.
func (s *BackupStore) Restore(b *VersionBackup, destDir string) error {
	if b == nil {
		return fmt.Errorf("%w: no backup handle", ErrRestore)
	}
	if _, err := os.Stat(b.Path); err != nil {
		return fmt.Errorf("%w: backup missing: %v", ErrRestore, err)
	}
	if err := readTarGz(b.Path); err != nil {
		return fmt.Errorf("%w: backup corrupted: %v", ErrRestore, err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrRestore, err)
	}
	if err := extractTarGz(b.Path, destDir); err != nil {
		return fmt.Errorf("%w: %v", ErrRestore, err)
	}
	logger.Infof("Restored %s version %s into %s", b.Package, b.Version, destDir)
	return nil
}

// Latest returns the most recent backup for pkg.
func (s *BackupStore) Latest(pkg string) (*VersionBackup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.index {
		if s.index[i].Package == pkg {
			b := s.index[i]
			return &b, true
		}
	}
	return nil, false
}

// List returns backups for pkg, newest first. Empty pkg lists everything.
func (s *BackupStore) List(pkg string) []VersionBackup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VersionBackup, 0, len(s.index))
	for _, b := range s.index {
		if pkg == "" || b.Package == pkg {
			out = append(out, b)
		}
	}
	return out
}

// Prune evicts the oldest backups for pkg beyond the retention count.
// Eviction is best effort and never fails the update that triggered it.
func (s *BackupStore) Prune(pkg string) {
	s.mu.Lock()
	var kept, evict []VersionBackup
	count := 0
	for _, b := range s.index {
		if b.Package != pkg {
			kept = append(kept, b)
			continue
		}
		count++
		if count > s.retention {
			evict = append(evict, b)
		} else {
			kept = append(kept, b)
		}
	}
	s.index = kept
	s.mu.Unlock()

	for _, b := range evict {
		if err := os.Remove(b.Path); err != nil {
			logger.Warnf("Prune: cannot remove %s: %v", b.Path, err)
			continue
		}
		if s.adb != nil {
			s.adb.Delete(&db.BackupRecord{}, "handle_id = ?", b.ID)
		}
		logger.Infof("Pruned backup %s-%s", b.Package, b.Version)
	}
}

// Watch starts an fsnotify watcher on the backup directory so the index does
// not go stale when archives are removed out of band.
func (s *BackupStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.watchLoop()
	return nil
}

func (s *BackupStore) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.dropByPath(ev.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Errorf("Backup watcher error: %v", err)
		}
	}
}

func (s *BackupStore) dropByPath(path string) {
	s.mu.Lock()
	var dropped *VersionBackup
	kept := s.index[:0]
	for _, b := range s.index {
		if b.Path == path {
			d := b
			dropped = &d
			continue
		}
		kept = append(kept, b)
	}
	s.index = kept
	s.mu.Unlock()

	if dropped != nil {
		logger.Warnf("Backup removed externally: %s", path)
		if s.adb != nil {
			s.adb.Delete(&db.BackupRecord{}, "handle_id = ?", dropped.ID)
		}
	}
}

// Close stops the watcher, if running.
func (s *BackupStore) Close() {
	s.once.Do(func() {
		close(s.stop)
		if s.watcher != nil {
			s.watcher.Close()
		}
		s.wg.Wait()
	})
}

func (s *BackupStore) persist(b VersionBackup) {
	if s.adb == nil {
		return
	}
	rec := db.BackupRecord{
		HandleID:  b.ID,
		Package:   b.Package,
		Version:   b.Version,
		Path:      b.Path,
		Size:      b.Size,
		CreatedAt: b.CreatedAt,
	}
	if err := s.adb.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		UpdateAll: true,
	}).Create(&rec).Error; err != nil {
		logger.Warnf("Cannot persist backup record %s: %v", b.Path, err)
	}
}

func sortBackups(index []VersionBackup) {
	sort.Slice(index, func(i, j int) bool {
		return index[i].CreatedAt.After(index[j].CreatedAt)
	})
}

// parseBackupName recovers package and version from
// "<pkg>-<version>-<yyyymmdd_hhmmss>.tar.gz". Package names may themselves
// contain dashes, so parse from the right.
func parseBackupName(name string) (pkg, version string) {
	base := strings.TrimSuffix(name, ".tar.gz")
	i := strings.LastIndexByte(base, '-')
	if i < 0 {
		return base, "unknown"
	}
	base = base[:i] // drop timestamp
	j := strings.LastIndexByte(base, '-')
	if j < 0 {
		return base, "unknown"
	}
	return base[:j], base[j+1:]
}
