package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"autonomous-trader/internal/logger"
	"autonomous-trader/internal/types"
)

// SchemaVersion tags every persisted snapshot. Loads accept records at
// or below the current version; json.Unmarshal drops fields newer code
// no longer knows.
const SchemaVersion = 1

// ErrPersistenceFailure is returned when a snapshot could not be written
// after all retries. The caller decides whether to halt.
var ErrPersistenceFailure = errors.New("state: persistence failure")

// snapshotRecord is one atomic LoopState snapshot. The latest row per
// session is authoritative; older rows are history.
type snapshotRecord struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index"`
	Version   int
	Data      string // LoopState as JSON
	CreatedAt time.Time
}

// decisionRecord is the audit trail: every decision with the snapshot
// it was derived from.
type decisionRecord struct {
	ID         uint   `gorm:"primaryKey"`
	DecisionID string `gorm:"uniqueIndex"`
	SessionID  string `gorm:"index"`
	Action     string
	Confidence float64
	RiskScore  float64
	Source     string
	Reason     string
	Snapshot   string // FeatureSnapshot as JSON
	CreatedAt  time.Time
}

// sessionRecord tracks one loop run end to end.
type sessionRecord struct {
	ID        string `gorm:"primaryKey"`
	Symbol    string
	Strategy  string
	StartTime time.Time
	EndTime   *time.Time
	Totals    string // SessionTotals as JSON
}

// Store persists loop state, decisions and sessions in SQLite.
type Store struct {
	db      *gorm.DB
	retries int
}

// Open connects to the database at path, creating the directory and
// schema as needed.
func Open(path string, writeRetries int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("state: create db directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		// Translate driver errors so duplicate-key detection in
		// RecordDecision matches gorm.ErrDuplicatedKey.
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("state: open database: %w", err)
	}

	if err := db.AutoMigrate(&snapshotRecord{}, &decisionRecord{}, &sessionRecord{}); err != nil {
		return nil, fmt.Errorf("state: migrate schema: %w", err)
	}

	if writeRetries <= 0 {
		writeRetries = 3
	}
	return &Store{db: db, retries: writeRetries}, nil
}

// Snapshot atomically persists the loop state. Either the new snapshot
// is fully written or the previous one remains authoritative.
func (s *Store) Snapshot(ctx context.Context, state *types.LoopState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPersistenceFailure, err)
	}

	rec := snapshotRecord{
		SessionID: state.SessionID,
		Version:   SchemaVersion,
		Data:      string(data),
		CreatedAt: time.Now().UTC(),
	}

	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		lastErr = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Create(&rec).Error
		})
		if lastErr == nil {
			return nil
		}
		logger.Warn(ctx, "Snapshot write failed, retrying",
			"attempt", attempt+1, "error", lastErr.Error())
		select {
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrPersistenceFailure, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %v", ErrPersistenceFailure, lastErr)
}

// Load returns the most recent snapshot, or nil when the store is fresh.
func (s *Store) Load(ctx context.Context) (*types.LoopState, error) {
	var rec snapshotRecord
	err := s.db.WithContext(ctx).Order("id DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load snapshot: %w", err)
	}
	if rec.Version > SchemaVersion {
		return nil, fmt.Errorf("state: snapshot schema v%d is newer than supported v%d", rec.Version, SchemaVersion)
	}

	var state types.LoopState
	if err := json.Unmarshal([]byte(rec.Data), &state); err != nil {
		return nil, fmt.Errorf("state: decode snapshot: %w", err)
	}
	if state.OpenOrders == nil {
		state.OpenOrders = map[string]types.Order{}
	}
	if state.ResolvedOrders == nil {
		state.ResolvedOrders = map[string]int64{}
	}
	return &state, nil
}

// RecordDecision appends to the decision audit trail. The unique index
// on decision ID makes replays idempotent.
func (s *Store) RecordDecision(ctx context.Context, sessionID string, d types.Decision, snap types.FeatureSnapshot) error {
	sb, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("state: marshal snapshot: %w", err)
	}
	rec := decisionRecord{
		DecisionID: d.ID,
		SessionID:  sessionID,
		Action:     d.Action,
		Confidence: d.Confidence,
		RiskScore:  d.RiskScore,
		Source:     d.Source,
		Reason:     d.Reason,
		Snapshot:   string(sb),
		CreatedAt:  time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Create(&rec).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// StartSession records the beginning of a loop run.
func (s *Store) StartSession(ctx context.Context, sess types.Session) error {
	tb, _ := json.Marshal(sess.Totals)
	rec := sessionRecord{
		ID:        sess.ID,
		Symbol:    sess.Symbol,
		Strategy:  sess.Strategy,
		StartTime: sess.StartTime,
		Totals:    string(tb),
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// EndSession closes a session with its final totals.
func (s *Store) EndSession(ctx context.Context, sessionID string, totals types.SessionTotals) error {
	tb, _ := json.Marshal(totals)
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&sessionRecord{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{"end_time": &now, "totals": string(tb)}).Error
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
