// Package storage implements the Task Store (C8): a durable, crash-safe
// single-writer record of every task, backed by gorm + a pure-Go SQLite
// driver (gorm.Open(sqlite.Open(...))) so Enqueue/Claim/Complete share one
// transactional connection.
package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the database handle plus the checkpoint bookkeeping: a
// checkpoint fires every N transitions or T seconds, rotating a `.bak`
// copy of the primary database file.
type Store struct {
	DB *gorm.DB

	path string

	mu                 sync.Mutex
	transitionsSinceCP int
	lastCheckpoint     time.Time

	checkpointEvery    int
	checkpointInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// CheckpointDefaults are the defaults (every 50 transitions or 5s).
const (
	DefaultCheckpointTransitions = 50
	DefaultCheckpointInterval    = 5 * time.Second
)

// Open opens (creating if absent) the sqlite-backed task store at path,
// falling back to path+".bak" if the primary fails to open or migrate.
func Open(path string) (*Store, error) {
	db, err := openAndMigrate(path)
	if err != nil {
		backupDB, backupErr := openAndMigrate(path + ".bak")
		if backupErr != nil {
			return nil, fmt.Errorf("storage: primary open failed (%v) and backup open failed (%w)", err, backupErr)
		}
		db = backupDB
	}

	s := &Store{
		DB:                 db,
		path:               path,
		lastCheckpoint:     time.Now(),
		checkpointEvery:    DefaultCheckpointTransitions,
		checkpointInterval: DefaultCheckpointInterval,
		stopCh:             make(chan struct{}),
	}
	go s.checkpointLoop()
	return s, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory() (*Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening in-memory db: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &Store{DB: db, lastCheckpoint: time.Now(), checkpointEvery: DefaultCheckpointTransitions, checkpointInterval: DefaultCheckpointInterval, stopCh: make(chan struct{})}, nil
}

func openAndMigrate(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", path, err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	if err := migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Task{}, &DailyStat{}, &AppSetting{}, &EnumeratedInput{}); err != nil {
		return fmt.Errorf("storage: migrating schema: %w", err)
	}
	return nil
}

// Close stops the checkpoint goroutine and closes the underlying handle.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Enqueue inserts a task, idempotent by (kind, remote-id, target-path).
// If a task with the same dedup key already exists, Enqueue is a
// no-op and returns the existing id.
func (s *Store) Enqueue(kind TaskKind, remoteID, targetPath string, payload TaskPayload) (string, error) {
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	var existing Task
	err = s.DB.Where("kind = ? AND remote_id = ? AND target_path = ?", kind, remoteID, targetPath).First(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("storage: checking for existing task: %w", err)
	}

	task := Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payloadJSON,
		RemoteID:   remoteID,
		TargetPath: targetPath,
		Status:     StatusPending,
	}
	if err := s.DB.Create(&task).Error; err != nil {
		// A unique-constraint race lost to a concurrent enumerator call;
		// treat it the same as the already-exists path.
		var again Task
		if lookupErr := s.DB.Where("kind = ? AND remote_id = ? AND target_path = ?", kind, remoteID, targetPath).First(&again).Error; lookupErr == nil {
			return again.ID, nil
		}
		return "", fmt.Errorf("storage: enqueueing task: %w", err)
	}
	s.recordTransition()
	return task.ID, nil
}

// Claim atomically marks up to `limit` pending tasks for a pipeline as
// in-flight and returns them, FIFO by (creation-time, id).
func (s *Store) Claim(pipeline Pipeline, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []Task
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		kinds := kindsForPipeline(pipeline)
		var candidates []Task
		now := time.Now()
		if err := tx.Where("status = ? AND kind IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", StatusPending, kinds, now).
			Order("created_at asc, id asc").
			Limit(limit).
			Find(&candidates).Error; err != nil {
			return fmt.Errorf("storage: selecting claimable tasks: %w", err)
		}
		for _, t := range candidates {
			res := tx.Model(&Task{}).Where("id = ? AND status = ?", t.ID, StatusPending).Update("status", StatusInFlight)
			if res.Error != nil {
				return fmt.Errorf("storage: claiming task %s: %w", t.ID, res.Error)
			}
			if res.RowsAffected == 1 {
				t.Status = StatusInFlight
				claimed = append(claimed, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		s.recordTransition()
	}
	return claimed, nil
}

func kindsForPipeline(p Pipeline) []TaskKind {
	if p == PipelineModel {
		return []TaskKind{KindMetadataFetch, KindModelFile}
	}
	return []TaskKind{KindPreviewImage, KindGalleryImage, KindUserImage}
}

// Complete transitions a task to a terminal status (done, failed,
// quarantined, skipped) and records an optional error.
func (s *Store) Complete(id string, status TaskStatus, errClass, errMessage string) error {
	if !isTerminal(status) {
		return fmt.Errorf("storage: Complete called with non-terminal status %q", status)
	}
	err := s.DB.Model(&Task{}).Where("id = ?", id).Updates(map[string]any{
		"status":             status,
		"last_error_class":   errClass,
		"last_error_message": errMessage,
	}).Error
	if err != nil {
		return fmt.Errorf("storage: completing task %s: %w", id, err)
	}
	s.recordTransition()
	return nil
}

func isTerminal(s TaskStatus) bool {
	switch s {
	case StatusDone, StatusFailed, StatusQuarantined, StatusSkipped:
		return true
	default:
		return false
	}
}

// Requeue returns a task to pending after a retry delay, bumping its
// attempt count and recording the error that caused the retry.
func (s *Store) Requeue(id string, nextAttemptDelay time.Duration, errClass, errMessage string) error {
	err := s.DB.Model(&Task{}).Where("id = ?", id).Updates(map[string]any{
		"status":             StatusPending,
		"attempts":           gorm.Expr("attempts + 1"),
		"next_attempt_at":    time.Now().Add(nextAttemptDelay),
		"last_error_class":   errClass,
		"last_error_message": errMessage,
	}).Error
	if err != nil {
		return fmt.Errorf("storage: requeueing task %s: %w", id, err)
	}
	s.recordTransition()
	return nil
}

// Resume moves all in-flight tasks back to pending at startup and returns how many were reset.
func (s *Store) Resume() (int, error) {
	res := s.DB.Model(&Task{}).Where("status = ?", StatusInFlight).Update("status", StatusPending)
	if res.Error != nil {
		return 0, fmt.Errorf("storage: resuming in-flight tasks: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.recordTransition()
	}
	return int(res.RowsAffected), nil
}

// Get fetches a single task by id.
func (s *Store) Get(id string) (Task, error) {
	var t Task
	if err := s.DB.Where("id = ?", id).First(&t).Error; err != nil {
		return Task{}, fmt.Errorf("storage: fetching task %s: %w", id, err)
	}
	return t, nil
}

// PendingCount returns how many tasks remain pending or in-flight for a
// pipeline (used by pipeline.stats events).
func (s *Store) PendingCount(pipeline Pipeline) (int64, error) {
	var count int64
	err := s.DB.Model(&Task{}).Where("kind IN ? AND status IN ?", kindsForPipeline(pipeline), []TaskStatus{StatusPending, StatusInFlight}).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("storage: counting pending tasks: %w", err)
	}
	return count, nil
}

// TerminalTasks returns every task already in a terminal state (done,
// failed, quarantined or skipped).
func (s *Store) TerminalTasks() ([]Task, error) {
	var tasks []Task
	err := s.DB.Where("status IN ?", []TaskStatus{StatusDone, StatusFailed, StatusQuarantined, StatusSkipped}).Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("storage: listing terminal tasks: %w", err)
	}
	return tasks, nil
}

// FailedSummary returns every task in a failed/quarantined terminal state,
// for the failed.txt shutdown report.
func (s *Store) FailedSummary() ([]Task, error) {
	var tasks []Task
	err := s.DB.Where("status IN ?", []TaskStatus{StatusFailed, StatusQuarantined}).Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("storage: listing failed tasks: %w", err)
	}
	return tasks, nil
}

// recordTransition bumps the checkpoint counter and fires a checkpoint
// immediately if the transition threshold is hit (the time-based trigger
// is handled by checkpointLoop).
func (s *Store) recordTransition() {
	s.mu.Lock()
	s.transitionsSinceCP++
	due := s.transitionsSinceCP >= s.checkpointEvery
	if due {
		s.transitionsSinceCP = 0
		s.lastCheckpoint = time.Now()
	}
	s.mu.Unlock()
	if due {
		_ = s.Checkpoint()
	}
}

func (s *Store) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			elapsed := time.Since(s.lastCheckpoint) >= s.checkpointInterval && s.transitionsSinceCP > 0
			if elapsed {
				s.transitionsSinceCP = 0
				s.lastCheckpoint = time.Now()
			}
			s.mu.Unlock()
			if elapsed {
				_ = s.Checkpoint()
			}
		}
	}
}

// Checkpoint rotates a `.bak` copy of the primary database file via
// VACUUM INTO, matching the Engine.Shutdown "Force Checkpoint"
// call as the model for a deliberate flush point.
func (s *Store) Checkpoint() error {
	if s.path == "" {
		return nil // in-memory store: nothing to rotate
	}
	tmp := s.path + ".bak.tmp"
	if err := s.DB.Exec("VACUUM INTO ?", tmp).Error; err != nil {
		return fmt.Errorf("storage: checkpoint vacuum: %w", err)
	}
	if err := atomicReplace(tmp, s.path+".bak"); err != nil {
		return fmt.Errorf("storage: rotating backup: %w", err)
	}
	return nil
}

// --- AppSetting key/value helpers ---

// SetString upserts a key/value app setting.
func (s *Store) SetString(key, value string) error {
	return s.DB.Clauses(upsertClause("key")).Create(&AppSetting{Key: key, Value: value}).Error
}

// GetString returns a setting's value, or "" if unset.
func (s *Store) GetString(key string) (string, error) {
	var row AppSetting
	err := s.DB.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: reading setting %s: %w", key, err)
	}
	return row.Value, nil
}

// --- Daily stats (DailyStat accounting) ---

// IncrementDailyBytes adds delta bytes to today's counter.
func (s *Store) IncrementDailyBytes(delta int64) error {
	return s.bumpDailyStat(func(d *DailyStat) { d.Bytes += delta })
}

// IncrementDailyFiles increments today's completed-file counter.
func (s *Store) IncrementDailyFiles() error {
	return s.bumpDailyStat(func(d *DailyStat) { d.Files++ })
}

func (s *Store) bumpDailyStat(mutate func(*DailyStat)) error {
	today := time.Now().Format("2006-01-02")
	var stat DailyStat
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("date = ?", today).First(&stat).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			stat = DailyStat{Date: today}
		} else if err != nil {
			return err
		}
		mutate(&stat)
		return tx.Clauses(upsertClause("date")).Create(&stat).Error
	})
	if err != nil {
		return fmt.Errorf("storage: updating daily stat: %w", err)
	}
	return nil
}

// GetTotalLifetime sums bytes across all recorded days.
func (s *Store) GetTotalLifetime() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("storage: summing lifetime bytes: %w", err)
	}
	return total, nil
}

// EnumeratedInputExists reports whether a remote id has already been
// recorded as enumerated.
func (s *Store) EnumeratedInputExists(remoteID string) (bool, error) {
	var count int64
	err := s.DB.Model(&EnumeratedInput{}).Where("remote_id = ?", remoteID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("storage: checking enumerated input: %w", err)
	}
	return count > 0, nil
}

// MarkEnumerated records a remote id as having been walked already.
func (s *Store) MarkEnumerated(remoteID, kind string) error {
	return s.DB.Clauses(upsertClause("remote_id")).Create(&EnumeratedInput{RemoteID: remoteID, Kind: kind}).Error
}
