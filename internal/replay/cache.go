package replay

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/loom/pkg/schema"
)

// DefaultCacheSize bounds the number of parked workflow goroutines.
const DefaultCacheSize = 1000

// Cache keeps recently used States so a run does not replay its whole
// history on every workflow task. Evicted States are closed.
type Cache struct {
	states *lru.Cache[string, *State]
}

// NewCache creates a Cache holding up to size States.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	states, err := lru.NewWithEvict[string, *State](size, func(_ string, s *State) {
		s.Close()
	})
	if err != nil {
		return nil, err
	}
	return &Cache{states: states}, nil
}

// Get returns the cached State for ref.
func (c *Cache) Get(ref schema.ExecutionRef) (*State, bool) {
	return c.states.Get(ref.Key())
}

// Put caches s, evicting the least recently used State when full. A
// different State cached under the same run is closed.
func (c *Cache) Put(s *State) {
	key := s.ref.Key()
	if old, ok := c.states.Peek(key); ok && old != s {
		c.states.Remove(key)
	}
	c.states.Add(key, s)
}

// Evict drops and closes the State for ref.
func (c *Cache) Evict(ref schema.ExecutionRef) {
	c.states.Remove(ref.Key())
}

// Len returns the number of cached States.
func (c *Cache) Len() int {
	return c.states.Len()
}

// Purge closes every cached State.
func (c *Cache) Purge() {
	c.states.Purge()
}
