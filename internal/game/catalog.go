package game

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownGame is returned when no factory is registered for a game id.
// It is recoverable and reported to the command issuer, never fatal.
var ErrUnknownGame = errors.New("unknown game")

// Catalog maps game ids to unit factories. Registration happens once at
// startup; lookups are read-only and safe under concurrent access from many
// sessions.
type Catalog struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under the id of the unit it produces.
// Registering the same id twice replaces the earlier factory.
func (c *Catalog) Register(f Factory) error {
	if f == nil {
		return fmt.Errorf("cannot register nil factory")
	}
	u := f()
	if u == nil || u.ID() == "" {
		return fmt.Errorf("factory must produce a unit with a non-empty id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[u.ID()] = f
	return nil
}

// Create builds a fresh unit instance for the given game id.
func (c *Catalog) Create(gameID string) (Unit, error) {
	c.mu.RLock()
	f, ok := c.factories[gameID]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGame, gameID)
	}
	return f(), nil
}

// IDs returns all registered game ids.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.factories))
	for id := range c.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered games.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.factories)
}
