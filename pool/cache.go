package pool

import (
	"code.hybscloud.com/iox"

	"github.com/behrlich/go-pktio/internal/constants"
	"github.com/behrlich/go-pktio/internal/locks"
)

// Cache is a per-thread stash of free buffer indexes. A worker attaches one
// cache per pool and allocates and frees through it; the cache refills from
// and spills to the pool's shared ring in bursts of CacheBurst, keeping ring
// traffic off the per-packet path.
//
// A cache is meant for a single goroutine. The internal lock exists so that
// pool destroy can drain caches safely, not to make the hot path shared.
type Cache struct {
	lock locks.Spin
	pool *pool
	idx  [constants.CacheSize]uint32
	num  int
	dead bool
}

// NewCache attaches a thread cache to the pool.
func (h Handle) NewCache() (*Cache, error) {
	p := entry(h)
	if p == nil {
		return nil, ErrBadParams
	}
	if !p.reserved {
		return nil, ErrNotCreated
	}
	c := &Cache{pool: p}
	p.cacheMu.Lock()
	p.caches = append(p.caches, c)
	p.cacheMu.Unlock()
	return c, nil
}

// Alloc takes one buffer, refilling the cache from the ring when empty.
// It returns nil when both the cache and the ring are empty; it never
// blocks.
func (c *Cache) Alloc() *Buffer {
	c.lock.Lock()
	b := c.allocLocked()
	c.lock.Unlock()
	return b
}

func (c *Cache) allocLocked() *Buffer {
	if c.dead {
		return nil
	}
	if c.num == 0 {
		n := c.pool.ring.DeqMulti(c.idx[:constants.CacheBurst])
		if n == 0 {
			return nil
		}
		c.num = n
	}
	c.num--
	b := &c.pool.hdrs[c.idx[c.num]]
	b.reset()
	return b
}

// AllocMulti fills out with buffers, returning the number allocated.
func (c *Cache) AllocMulti(out []*Buffer) int {
	c.lock.Lock()
	n := 0
	for ; n < len(out); n++ {
		b := c.allocLocked()
		if b == nil {
			break
		}
		out[n] = b
	}
	c.lock.Unlock()
	return n
}

// Free returns one buffer through the cache, spilling a burst to the ring
// when the cache runs out of headroom for the next refill.
func (c *Cache) Free(b *Buffer) {
	c.lock.Lock()
	c.freeLocked(b)
	c.lock.Unlock()
}

func (c *Cache) freeLocked(b *Buffer) {
	if c.dead || b.pool != c.pool.handle {
		// Foreign or late free goes straight to the owning ring.
		Free(b)
		return
	}
	if c.num > constants.CacheSize-constants.CacheBurst {
		spill := c.num - constants.CacheBurst
		c.pool.ring.EnqMulti(c.idx[spill:c.num])
		c.num = spill
	}
	c.idx[c.num] = b.index
	c.num++
}

// FreeMulti returns a batch of buffers through the cache.
func (c *Cache) FreeMulti(bufs []*Buffer) {
	c.lock.Lock()
	for _, b := range bufs {
		c.freeLocked(b)
	}
	c.lock.Unlock()
}

// Len reports the cache occupancy.
func (c *Cache) Len() int {
	c.lock.Lock()
	n := c.num
	c.lock.Unlock()
	return n
}

// Close flushes the cache back to the ring and detaches it from the pool.
// Workers must close their caches on teardown so no index stays stranded.
func (c *Cache) Close() {
	c.lock.Lock()
	c.flushLocked()
	c.dead = true
	c.lock.Unlock()

	p := c.pool
	p.cacheMu.Lock()
	for i, o := range p.caches {
		if o == c {
			p.caches = append(p.caches[:i], p.caches[i+1:]...)
			break
		}
	}
	p.cacheMu.Unlock()
}

func (c *Cache) flushLocked() {
	if c.num > 0 {
		c.pool.ring.EnqMulti(c.idx[:c.num])
		c.num = 0
	}
}

// drain empties the cache from the destroy path. A cache whose owner is mid
// operation is retried briefly before giving up.
func (c *Cache) drain() bool {
	var aw iox.Backoff
	for try := 0; try < 64; try++ {
		if c.lock.TryLock() {
			c.flushLocked()
			c.dead = true
			c.lock.Unlock()
			return true
		}
		aw.Wait()
	}
	return false
}
