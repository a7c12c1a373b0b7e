package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"knockknock-core/internal/domain"
	"knockknock-core/pkg/constants"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CallStore persists the call record and the active transport set as JSON
// blobs under fixed keys. Every write replaces the whole blob.
type CallStore struct {
	db *sql.DB
}

// NewCallStore creates a new CallStore
func NewCallStore(db *sql.DB) *CallStore {
	return &CallStore{db: db}
}

// SaveCallRecord overwrites the persisted call record
func (s *CallStore) SaveCallRecord(ctx context.Context, rec *domain.CallRecord) error {
	return s.put(ctx, constants.CallStateKey, rec)
}

// LoadCallRecord returns the persisted call record, or nil if none exists
func (s *CallStore) LoadCallRecord(ctx context.Context) (*domain.CallRecord, error) {
	var rec domain.CallRecord
	ok, err := s.get(ctx, constants.CallStateKey, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// ClearCallRecord deletes the persisted call record
func (s *CallStore) ClearCallRecord(ctx context.Context) error {
	return s.del(ctx, constants.CallStateKey)
}

// SaveTransportSet overwrites the persisted transport set
func (s *CallStore) SaveTransportSet(ctx context.Context, set *domain.ActiveTransportSet) error {
	return s.put(ctx, constants.ActiveCallDataKey, set)
}

// LoadTransportSet returns the persisted transport set, or nil if none exists
func (s *CallStore) LoadTransportSet(ctx context.Context) (*domain.ActiveTransportSet, error) {
	var set domain.ActiveTransportSet
	ok, err := s.get(ctx, constants.ActiveCallDataKey, &set)
	if err != nil || !ok {
		return nil, err
	}
	return &set, nil
}

// ClearTransportSet deletes the persisted transport set
func (s *CallStore) ClearTransportSet(ctx context.Context) error {
	return s.del(ctx, constants.ActiveCallDataKey)
}

func (s *CallStore) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`,
		key, string(data))
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (s *CallStore) get(ctx context.Context, key string, v any) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *CallStore) del(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to clear %s: %w", key, err)
	}
	return nil
}
