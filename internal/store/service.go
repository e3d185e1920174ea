package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingKey      = errors.New("query key is required")
	errMissingUserID   = errors.New("user identifier is required")
	errMissingID       = errors.New("mutation identifier is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "store.service.new"
	opLoadQuery      = "store.load_query"
	opSaveQuery      = "store.save_query"
	opAppendMutation = "store.append_mutation"
	opListMutations  = "store.list_mutations"
	opPruneSnapshots = "store.prune_snapshots"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists query snapshots and the mutation log. It satisfies
// query.Persister.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// LoadQuery returns the persisted payload for key.
func (s *Service) LoadQuery(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	if s.db == nil {
		return nil, time.Time{}, false, newServiceError(opLoadQuery, "missing_database", errMissingDatabase)
	}
	if key == "" {
		return nil, time.Time{}, false, newServiceError(opLoadQuery, "missing_key", errMissingKey)
	}

	var snapshot QuerySnapshot
	err := s.db.WithContext(ctx).Where("query_key = ?", key).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		s.logError(opLoadQuery, "query_failed", err, zap.String("query_key", key))
		return nil, time.Time{}, false, newServiceError(opLoadQuery, "query_failed", err)
	}
	return []byte(snapshot.PayloadJSON), time.UnixMilli(snapshot.FetchedAtMillis), true, nil
}

// SaveQuery upserts the payload for key.
func (s *Service) SaveQuery(ctx context.Context, key string, raw []byte, fetchedAt time.Time) error {
	if s.db == nil {
		return newServiceError(opSaveQuery, "missing_database", errMissingDatabase)
	}
	if key == "" {
		return newServiceError(opSaveQuery, "missing_key", errMissingKey)
	}

	snapshot := QuerySnapshot{
		QueryKey:        key,
		PayloadJSON:     string(raw),
		FetchedAtMillis: fetchedAt.UnixMilli(),
		SavedAtSeconds:  s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "query_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload_json", "fetched_at_ms", "saved_at_s"}),
	}).Create(&snapshot).Error
	if err != nil {
		s.logError(opSaveQuery, "upsert_failed", err, zap.String("query_key", key))
		return newServiceError(opSaveQuery, "upsert_failed", err)
	}
	return nil
}

// PruneSnapshots deletes snapshots saved before cutoff and returns how many were removed.
func (s *Service) PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, newServiceError(opPruneSnapshots, "missing_database", errMissingDatabase)
	}
	result := s.db.WithContext(ctx).Where("saved_at_s < ?", cutoff.UTC().Unix()).Delete(&QuerySnapshot{})
	if result.Error != nil {
		s.logError(opPruneSnapshots, "delete_failed", result.Error)
		return 0, newServiceError(opPruneSnapshots, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// AppendMutation records a settled mutation.
func (s *Service) AppendMutation(ctx context.Context, record MutationRecord) error {
	if s.db == nil {
		return newServiceError(opAppendMutation, "missing_database", errMissingDatabase)
	}
	if record.MutationID == "" {
		return newServiceError(opAppendMutation, "missing_mutation_id", errMissingID)
	}
	if record.UserID == "" {
		return newServiceError(opAppendMutation, "missing_user_id", errMissingUserID)
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opAppendMutation, "insert_failed", err,
			zap.String("mutation_id", record.MutationID),
			zap.String("user_id", record.UserID))
		return newServiceError(opAppendMutation, "insert_failed", err)
	}
	return nil
}

// ListMutations returns the most recent mutations for userID, newest first.
func (s *Service) ListMutations(ctx context.Context, userID string, limit int) ([]MutationRecord, error) {
	if s.db == nil {
		return nil, newServiceError(opListMutations, "missing_database", errMissingDatabase)
	}
	if userID == "" {
		return nil, newServiceError(opListMutations, "missing_user_id", errMissingUserID)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var records []MutationRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("settled_at_ms DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opListMutations, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListMutations, "query_failed", err)
	}
	return records, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("store service error", attrs...)
}
