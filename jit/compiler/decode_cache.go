package compiler

import (
	"bytes"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDecodeCacheSize is the number of decoded blocks kept by default.
const DefaultDecodeCacheSize = 4096

// DecodeCache memoizes DiscoverBlock. A cached block is only reused while
// the guest bytes it was decoded from are unchanged, so it never needs to be
// told about writes.
type DecodeCache struct {
	blocks *lru.Cache[uint64, *Block]
	limits Limits

	hits   atomic.Uint64
	misses atomic.Uint64
	stale  atomic.Uint64
}

func NewDecodeCache(size int, limits Limits) (*DecodeCache, error) {
	if size <= 0 {
		size = DefaultDecodeCacheSize
	}
	blocks, err := lru.New[uint64, *Block](size)
	if err != nil {
		return nil, err
	}
	return &DecodeCache{blocks: blocks, limits: limits}, nil
}

// Discover returns the block at rip, decoding it only when no cached block
// matches the current guest bytes.
func (c *DecodeCache) Discover(src CodeSource, rip uint64) (*Block, error) {
	if b, ok := c.blocks.Get(rip); ok {
		current, err := src.Fetch(b.Paddr, len(b.Bytes))
		if err == nil && bytes.Equal(current, b.Bytes) {
			c.hits.Add(1)
			return b, nil
		}
		c.stale.Add(1)
		c.blocks.Remove(rip)
	}
	c.misses.Add(1)
	b, err := DiscoverBlock(src, rip, c.limits)
	if err != nil {
		return nil, err
	}
	c.blocks.Add(rip, b)
	return b, nil
}

// DecodeCacheStats counts cache outcomes.
type DecodeCacheStats struct {
	Len    int    `json:"len"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Stale  uint64 `json:"stale"`
}

func (c *DecodeCache) Stats() DecodeCacheStats {
	return DecodeCacheStats{
		Len:    c.blocks.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Stale:  c.stale.Load(),
	}
}

func (c *DecodeCache) Purge() { c.blocks.Purge() }
