package store

// clockRing tracks hot keys for Clock (second chance) eviction. It holds the
// keys in a flat ring with a sweep hand; the per-entry reference bits live on
// the entries themselves so reads can set them without taking the write
// lock. All ring methods are called with the shard write lock held.
//
// Removal swap-deletes, which perturbs ring order slightly. Clock is an
// approximate-LRU policy, so that costs accuracy, not correctness.
type clockRing struct {
	keys []string
	pos  map[string]int
	hand int
}

func newClockRing() *clockRing {
	return &clockRing{pos: make(map[string]int)}
}

// Add registers a key. Adding an existing key is a no-op.
func (c *clockRing) Add(key string) {
	if _, ok := c.pos[key]; ok {
		return
	}
	c.pos[key] = len(c.keys)
	c.keys = append(c.keys, key)
}

// Remove forgets a key. Removing an unknown key is a no-op.
func (c *clockRing) Remove(key string) {
	i, ok := c.pos[key]
	if !ok {
		return
	}
	last := len(c.keys) - 1
	c.keys[i] = c.keys[last]
	c.pos[c.keys[i]] = i
	c.keys = c.keys[:last]
	delete(c.pos, key)
	if c.hand > last {
		c.hand = 0
	}
}

func (c *clockRing) Len() int { return len(c.keys) }

// Victim sweeps the hand and returns the next key whose reference bit is
// clear, clearing set bits as it passes them. Keys matching exclude are
// skipped. Returns "" when no candidate exists.
func (c *clockRing) Victim(hot map[string]*Entry, exclude string) string {
	if len(c.keys) == 0 {
		return ""
	}
	// Two full revolutions guarantee termination: the first clears every
	// set bit, the second must find a victim unless everything is excluded.
	for i := 0; i < 2*len(c.keys); i++ {
		if c.hand >= len(c.keys) {
			c.hand = 0
		}
		key := c.keys[c.hand]
		c.hand++
		if key == exclude {
			continue
		}
		e, ok := hot[key]
		if !ok {
			continue
		}
		if e.referenced.Swap(false) {
			continue
		}
		return key
	}
	return ""
}
