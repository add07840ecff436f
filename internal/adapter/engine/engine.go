// Package engine holds the entity-resolution engine binding. The engine is a
// collaborator: the replicator only needs current entity state for the ids
// named by INFO messages, so the binding is a narrow client interface with
// the initialization settings passed through opaquely.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/datamart-replicator/internal/config"
	"github.com/fairyhunter13/datamart-replicator/internal/datamart"
)

// Settings is the opaque engine initialization passthrough.
type Settings struct {
	IniFile    string
	InitFile   string
	InitJSON   string
	ModuleName string
	Verbose    bool
}

// SettingsFromConfig extracts the engine passthrough from the app config.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		IniFile:    cfg.EngineIniFile,
		InitFile:   cfg.EngineInitFile,
		InitJSON:   cfg.EngineInitJSON,
		ModuleName: cfg.EngineModuleName,
		Verbose:    cfg.EngineVerbose,
	}
}

// NullClient reports every entity as gone. It stands in where no engine SDK
// is linked; refreshes degrade to deletions, which keeps the mart consistent
// with an engine that is being drained.
type NullClient struct{}

// GetEntity always reports the entity as not found.
func (NullClient) GetEntity(_ context.Context, _ int64) (datamart.EntityState, bool, error) {
	return datamart.EntityState{}, false, nil
}

// StaticClient serves entity state from an in-memory map. It backs local
// development and tests.
type StaticClient struct {
	mu       sync.RWMutex
	entities map[int64]datamart.EntityState
}

// NewStaticClient constructs an empty StaticClient.
func NewStaticClient() *StaticClient {
	return &StaticClient{entities: make(map[int64]datamart.EntityState)}
}

// Put installs or replaces an entity's state.
func (c *StaticClient) Put(state datamart.EntityState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[state.EntityID] = state
}

// Remove deletes an entity's state.
func (c *StaticClient) Remove(entityID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entities, entityID)
}

// GetEntity returns the stored state for entityID.
func (c *StaticClient) GetEntity(_ context.Context, entityID int64) (datamart.EntityState, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.entities[entityID]
	return state, ok, nil
}

// New returns the engine client for the configured settings. No engine SDK is
// linked in this build, so every configuration resolves to NullClient and
// entity lookups report entities as removed; replacing this constructor is
// the integration point for a real SDK binding. StaticClient remains
// available to tests and local tooling that need scripted entity state.
func New(settings Settings) datamart.EngineClient {
	if settings.InitJSON == "" && settings.IniFile == "" && settings.InitFile == "" {
		slog.Warn("no engine initialization provided; entity lookups will report entities as removed")
	} else {
		slog.Warn("engine settings provided but no engine SDK is linked; entity lookups will report entities as removed",
			slog.String("module", settings.ModuleName),
			slog.Bool("verbose", settings.Verbose))
	}
	return NullClient{}
}
