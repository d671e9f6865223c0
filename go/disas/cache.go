package disas

import (
	"sync"

	"github.com/zeebo/xxh3"
)

type cacheKey struct {
	addr uint64
	sum  uint64
}

// Cache remembers decoded runs keyed by address and content hash, so code
// that gets patched is decoded again.
type Cache struct {
	sync.RWMutex
	cache map[cacheKey][]*Ins
}

func NewCache() *Cache {
	return &Cache{cache: make(map[cacheKey][]*Ins)}
}

func (c *Cache) Decode(mem []byte, addr uint64) []*Ins {
	key := cacheKey{addr, xxh3.Hash(mem)}
	c.RLock()
	ins, ok := c.cache[key]
	c.RUnlock()
	if ok {
		return ins
	}
	ins = Decode(mem, addr)
	c.Lock()
	c.cache[key] = ins
	c.Unlock()
	return ins
}

func (c *Cache) Len() int {
	c.RLock()
	defer c.RUnlock()
	return len(c.cache)
}
