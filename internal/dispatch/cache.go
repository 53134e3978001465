package dispatch

import "sync"

// appCache holds instantiated tenant modules keyed by "<version>/<app>" (or
// "preview/<app>" for the pinned slot). Concurrent first loads for the same
// key execute the loader once; failed loads are not cached so the next call
// retries.
type appCache struct {
	mu    sync.Mutex
	slots map[string]*appSlot
}

type appSlot struct {
	ready chan struct{}
	app   *LoadedApp
	err   error
}

func newAppCache() *appCache {
	return &appCache{slots: make(map[string]*appSlot)}
}

func (c *appCache) get(key string, load func() (*LoadedApp, error)) (*LoadedApp, error) {
	c.mu.Lock()
	if slot, ok := c.slots[key]; ok {
		c.mu.Unlock()
		<-slot.ready
		return slot.app, slot.err
	}
	slot := &appSlot{ready: make(chan struct{})}
	c.slots[key] = slot
	c.mu.Unlock()

	slot.app, slot.err = load()
	close(slot.ready)

	if slot.err != nil {
		c.mu.Lock()
		if c.slots[key] == slot {
			delete(c.slots, key)
		}
		c.mu.Unlock()
	}
	return slot.app, slot.err
}

// invalidate drops a key so the next dispatch reloads from the cache tiers.
func (c *appCache) invalidate(key string) {
	c.mu.Lock()
	delete(c.slots, key)
	c.mu.Unlock()
}

// invalidateAll empties the cache.
func (c *appCache) invalidateAll() {
	c.mu.Lock()
	c.slots = make(map[string]*appSlot)
	c.mu.Unlock()
}

// size reports the number of loaded apps, for the overview page.
func (c *appCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}
