package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ResearchPipe/internal/store"
)

// ErrUnsupportedSnapshot is returned when a persisted snapshot has an unknown version.
var ErrUnsupportedSnapshot = errors.New("unsupported snapshot version")

// StoreBasedStateManager implements StateManager using a Store backend.
type StoreBasedStateManager struct {
	store store.Store
	key   string
}

// NewStoreBasedStateManager creates a new StateManager backed by a Store.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager", "key", StateKey)
	return &StoreBasedStateManager{store: st, key: StateKey}
}

// LoadSnapshot reads and decodes the persisted snapshot.
func (sm *StoreBasedStateManager) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	data, err := sm.store.LoadState(ctx, sm.key)
	if err != nil {
		if errors.Is(err, store.ErrStateNotFound) {
			slog.Debug("StateManager LoadSnapshot not found", "key", sm.key)
		} else {
			slog.Error("StateManager LoadSnapshot error", "error", err, "key", sm.key)
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Error("StateManager LoadSnapshot decode error", "error", err, "key", sm.key)
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		slog.Warn("StateManager LoadSnapshot version mismatch", "key", sm.key, "version", snap.Version, "expected", SnapshotVersion)
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, snap.Version)
	}

	slog.Debug("StateManager LoadSnapshot succeeded", "key", sm.key, "sessions", len(snap.Sessions), "state", snap.State)
	return &snap, nil
}

// SaveSnapshot encodes and stores the snapshot.
func (sm *StoreBasedStateManager) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	snap.Version = SnapshotVersion
	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("StateManager SaveSnapshot encode error", "error", err)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := sm.store.SaveState(ctx, sm.key, data); err != nil {
		slog.Error("StateManager SaveSnapshot error", "error", err, "key", sm.key)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	slog.Debug("StateManager SaveSnapshot succeeded", "key", sm.key, "bytes", len(data))
	return nil
}

// ResetState removes the persisted snapshot.
func (sm *StoreBasedStateManager) ResetState(ctx context.Context) error {
	if err := sm.store.DeleteState(ctx, sm.key); err != nil {
		slog.Error("StateManager ResetState error", "error", err, "key", sm.key)
		return err
	}
	slog.Info("StateManager ResetState succeeded", "key", sm.key)
	return nil
}
