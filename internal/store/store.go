// Package store provides storage backends for ResearchPipe.
//
// Each backend holds opaque state records keyed by name. The state machine
// persists its whole snapshot as one record under a versioned key.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrStateNotFound is returned when no record exists under the requested key.
var ErrStateNotFound = errors.New("state record not found")

// Store is the durable record storage used by the state machine.
type Store interface {
	// LoadState returns the record stored under key, or ErrStateNotFound.
	LoadState(ctx context.Context, key string) ([]byte, error)
	// SaveState creates or replaces the record stored under key.
	SaveState(ctx context.Context, key string, data []byte) error
	// DeleteState removes the record stored under key. Missing keys are not an error.
	DeleteState(ctx context.Context, key string) error
	// Close releases any resources held by the store.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for a DSN: "postgres" for
// PostgreSQL URLs and key/value strings, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend selected by the DSN. An empty DSN yields an in-memory store.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Debug("store.New: no DSN, using in-memory store")
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		s, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

type memRecord struct {
	data      []byte
	updatedAt time.Time
}

// InMemoryStore keeps records in process memory. It is used when no DSN is
// configured and in tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]memRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]memRecord)}
}

// LoadState returns a copy of the record stored under key.
func (s *InMemoryStore) LoadState(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrStateNotFound
	}
	out := make([]byte, len(rec.data))
	copy(out, rec.data)
	return out, nil
}

// SaveState stores a copy of data under key.
func (s *InMemoryStore) SaveState(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.mu.Lock()
	s.records[key] = memRecord{data: buf, updatedAt: time.Now()}
	s.mu.Unlock()
	slog.Debug("InMemoryStore.SaveState: saved", "key", key, "bytes", len(data))
	return nil
}

// DeleteState removes the record stored under key.
func (s *InMemoryStore) DeleteState(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
