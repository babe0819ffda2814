package config

import "sync"

// Cache memoizes configurations by path so repeated lookups within one process
// share a single parsed value. Reset clears it, which tests rely on for isolation.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Config
	load    func(string) (*Config, error)
}

// NewCache returns a Cache backed by Load.
func NewCache() *Cache {
	return &Cache{load: Load}
}

// Get returns the cached configuration for path, loading it on first use.
// Failed loads are not cached.
func (c *Cache) Get(path string) (*Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg, ok := c.entries[path]; ok {
		return cfg, nil
	}
	cfg, err := c.load(path)
	if err != nil {
		return nil, err
	}
	if c.entries == nil {
		c.entries = make(map[string]*Config)
	}
	c.entries[path] = cfg
	return cfg, nil
}

// Reset drops every cached configuration.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}
