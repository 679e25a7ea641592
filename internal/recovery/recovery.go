// Package recovery orchestrates restoring component state on application
// startup and signals when the application is ready to serve.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// ComponentResult records the outcome of recovering one component.
type ComponentResult struct {
	Component string        `json:"component"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store store.Store

	mu         sync.Mutex
	readyHooks []func()
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(st store.Store) *RecoveryRegistry {
	return &RecoveryRegistry{store: st}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.Store {
	return r.store
}

// OnReady registers fn to run once every component has been recovered.
func (r *RecoveryRegistry) OnReady(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readyHooks = append(r.readyHooks, fn)
}

func (r *RecoveryRegistry) runReadyHooks() {
	r.mu.Lock()
	hooks := append([]func(){}, r.readyHooks...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable

	mu      sync.Mutex
	results []ComponentResult

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(st store.Store) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(st),
		recoverables: make([]Recoverable, 0),
		ready:        make(chan struct{}),
	}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll recovers every registered component in registration order, then
// signals readiness. Readiness is signalled even when some components fail so
// the application can continue in a degraded mode.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))
	defer rm.markReady()

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		name := ComponentName(recoverable)
		start := time.Now()
		err := recoverable.RecoverState(ctx, rm.registry)
		result := ComponentResult{Component: name, Duration: time.Since(start)}
		if err != nil {
			slog.Error("Component recovery failed", "error", err, "component", name)
			result.Error = err.Error()
			errorCount++
		} else {
			recoveredCount++
		}
		rm.mu.Lock()
		rm.results = append(rm.results, result)
		rm.mu.Unlock()
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}

func (rm *RecoveryManager) markReady() {
	rm.readyOnce.Do(func() {
		close(rm.ready)
		rm.registry.runReadyHooks()
	})
}

// Ready is closed once RecoverAll has finished.
func (rm *RecoveryManager) Ready() <-chan struct{} {
	return rm.ready
}

// Results returns the per-component outcomes of the last RecoverAll call.
func (rm *RecoveryManager) Results() []ComponentResult {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]ComponentResult{}, rm.results...)
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
