// Package unlock tracks which private sites have been unlocked in the
// current session and drives the password prompt for them.
package unlock

import (
	"fmt"
	"slices"
	"sync"

	"github.com/heartreel/heartreel/site"
)

// Storage persists the unlocked site IDs for the lifetime of a session.
type Storage interface {
	Load() ([]string, error)
	Save(ids []string) error
}

// Cache is an ordered set of unlocked site IDs. Entries are only ever
// added. It decides what is re-displayed without a prompt; the server
// remains the authority on passwords. The content released by an unlock is
// held in memory only.
type Cache struct {
	mu      sync.RWMutex
	ids     []string
	set     map[string]struct{}
	sites   map[string]*site.Site
	storage Storage
}

// NewCache loads previously unlocked IDs from storage. A nil storage keeps
// the set in memory only.
func NewCache(storage Storage) (*Cache, error) {
	c := &Cache{set: make(map[string]struct{}), sites: make(map[string]*site.Site), storage: storage}
	if storage == nil {
		return c, nil
	}
	ids, err := storage.Load()
	if err != nil {
		return c, fmt.Errorf("loading unlocked sites: %w", err)
	}
	for _, id := range ids {
		c.addLocked(id)
	}
	return c, nil
}

func (c *Cache) addLocked(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := c.set[id]; ok {
		return false
	}
	c.set[id] = struct{}{}
	c.ids = append(c.ids, id)
	return true
}

// Has reports whether id has been unlocked.
func (c *Cache) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.set[id]
	return ok
}

// Add records id as unlocked and persists the set. The in-memory set keeps
// the entry even if persisting fails.
func (c *Cache) Add(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.addLocked(id) {
		return nil
	}
	if c.storage == nil {
		return nil
	}
	if err := c.storage.Save(slices.Clone(c.ids)); err != nil {
		return fmt.Errorf("saving unlocked sites: %w", err)
	}
	return nil
}

// Remember records s as unlocked together with its content.
func (c *Cache) Remember(s *site.Site) error {
	if s == nil || s.ID == "" {
		return nil
	}
	c.mu.Lock()
	cp := *s
	c.sites[s.ID] = &cp
	c.mu.Unlock()
	return c.Add(s.ID)
}

// Site returns the content released when id was unlocked, or nil when id is
// not unlocked or was restored from storage without content.
func (c *Cache) Site(id string) *site.Site {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.set[id]; !ok {
		return nil
	}
	s := c.sites[id]
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// IDs returns the unlocked IDs in unlock order.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.ids)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}
