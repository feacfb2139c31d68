package jit

// cacheEntry is a cached translation with LRU chain pointers.
type cacheEntry struct {
	handle CompiledBlockHandle

	prev *cacheEntry
	next *cacheEntry
}

// CodeCache maps guest entry RIPs to compiled blocks. It is bounded by entry
// count and by the sum of ByteLen over live entries (0 disables a bound) and
// evicts least recently used entries first.
//
// CodeCache is not safe for concurrent use.
type CodeCache struct {
	entries map[uint64]*cacheEntry

	// LRU tracking (intrusive doubly-linked list)
	head *cacheEntry // Most recently used
	tail *cacheEntry // Least recently used

	// page -> set of entry RIPs whose code span touches the page
	pages map[uint64]map[uint64]struct{}

	maxBlocks    int
	maxBytes     int
	currentBytes int
}

// NewCodeCache creates a cache. A zero bound means unlimited.
func NewCodeCache(maxBlocks, maxBytes int) *CodeCache {
	if maxBlocks < 0 {
		maxBlocks = 0
	}
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &CodeCache{
		entries:   make(map[uint64]*cacheEntry),
		pages:     make(map[uint64]map[uint64]struct{}),
		maxBlocks: maxBlocks,
		maxBytes:  maxBytes,
	}
}

// Fits reports whether a block of byteLen bytes can ever be held by the cache.
func (c *CodeCache) Fits(byteLen uint32) bool {
	return c.maxBytes == 0 || uint64(byteLen) <= uint64(c.maxBytes)
}

// Insert adds h, replacing any entry with the same EntryRIP, and returns the
// RIPs evicted to make room, least recently used first.
func (c *CodeCache) Insert(h CompiledBlockHandle) []uint64 {
	evicted, _ := c.insert(h)
	if len(evicted) == 0 {
		return nil
	}
	out := make([]uint64, len(evicted))
	for i, e := range evicted {
		out[i] = e.EntryRIP
	}
	return out
}

// insert does the work of Insert and also returns the handle that h replaced.
// A handle that can never fit is refused and nothing is evicted.
func (c *CodeCache) insert(h CompiledBlockHandle) (evicted []CompiledBlockHandle, replaced *CompiledBlockHandle) {
	if !c.Fits(h.Meta.ByteLen) {
		return nil, nil
	}
	h = h.Clone()
	newBytes := int(h.Meta.ByteLen)

	existing, replacing := c.entries[h.EntryRIP]
	count := len(c.entries)
	if replacing {
		old := existing.handle
		replaced = &old
		c.currentBytes -= int(old.Meta.ByteLen)
		c.unindex(&old)
	} else {
		count++
	}

	for (c.maxBlocks != 0 && count > c.maxBlocks) ||
		(c.maxBytes != 0 && c.currentBytes+newBytes > c.maxBytes) {
		victim := c.tail
		if victim == existing && victim != nil {
			victim = victim.prev
		}
		if victim == nil {
			break
		}
		c.removeEntry(victim)
		evicted = append(evicted, victim.handle)
		count--
	}

	if replacing {
		existing.handle = h
		c.moveToFront(existing)
	} else {
		entry := &cacheEntry{handle: h}
		c.entries[h.EntryRIP] = entry
		c.addToFront(entry)
	}
	c.currentBytes += newBytes
	c.index(&h)
	return evicted, replaced
}

// GetCloned returns a deep copy of the handle for rip and marks it most
// recently used. The cache keeps the canonical entry; nothing the caller does
// to the copy reaches it. The only allocation is the PageVersions copy.
func (c *CodeCache) GetCloned(rip uint64) (CompiledBlockHandle, bool) {
	entry, ok := c.entries[rip]
	if !ok {
		return CompiledBlockHandle{}, false
	}
	c.moveToFront(entry)
	return entry.handle.Clone(), true
}

// Peek returns a deep copy of the handle for rip without touching LRU order.
func (c *CodeCache) Peek(rip uint64) (CompiledBlockHandle, bool) {
	entry, ok := c.entries[rip]
	if !ok {
		return CompiledBlockHandle{}, false
	}
	return entry.handle.Clone(), true
}

// Contains reports whether rip is cached without touching LRU order.
func (c *CodeCache) Contains(rip uint64) bool {
	_, ok := c.entries[rip]
	return ok
}

// Remove drops rip from the cache and returns the removed handle.
func (c *CodeCache) Remove(rip uint64) (CompiledBlockHandle, bool) {
	entry, ok := c.entries[rip]
	if !ok {
		return CompiledBlockHandle{}, false
	}
	c.removeEntry(entry)
	return entry.handle, true
}

// InvalidateOverlapping removes every block whose code span touches page and
// returns the removed handles.
func (c *CodeCache) InvalidateOverlapping(page uint64) []CompiledBlockHandle {
	rips, ok := c.pages[page]
	if !ok {
		return nil
	}
	out := make([]CompiledBlockHandle, 0, len(rips))
	for rip := range rips {
		if entry, ok := c.entries[rip]; ok {
			out = append(out, entry.handle)
		}
	}
	for _, h := range out {
		c.removeEntry(c.entries[h.EntryRIP])
	}
	return out
}

// HasCodeOnPage reports whether any cached block touches page.
func (c *CodeCache) HasCodeOnPage(page uint64) bool {
	_, ok := c.pages[page]
	return ok
}

// Handles returns copies of every cached handle from most to least recently used.
func (c *CodeCache) Handles() []CompiledBlockHandle {
	out := make([]CompiledBlockHandle, 0, len(c.entries))
	for e := c.head; e != nil; e = e.next {
		out = append(out, e.handle.Clone())
	}
	return out
}

func (c *CodeCache) Len() int          { return len(c.entries) }
func (c *CodeCache) CurrentBytes() int { return c.currentBytes }
func (c *CodeCache) MaxBytes() int     { return c.maxBytes }
func (c *CodeCache) MaxBlocks() int    { return c.maxBlocks }

// removeEntry unlinks entry and drops all of its bookkeeping.
func (c *CodeCache) removeEntry(entry *cacheEntry) {
	delete(c.entries, entry.handle.EntryRIP)
	c.removeFromList(entry)
	c.currentBytes -= int(entry.handle.Meta.ByteLen)
	c.unindex(&entry.handle)
}

func (c *CodeCache) index(h *CompiledBlockHandle) {
	for _, pv := range h.Meta.PageVersions {
		set, ok := c.pages[pv.Page]
		if !ok {
			set = make(map[uint64]struct{}, 1)
			c.pages[pv.Page] = set
		}
		set[h.EntryRIP] = struct{}{}
	}
}

func (c *CodeCache) unindex(h *CompiledBlockHandle) {
	for _, pv := range h.Meta.PageVersions {
		set, ok := c.pages[pv.Page]
		if !ok {
			continue
		}
		delete(set, h.EntryRIP)
		if len(set) == 0 {
			delete(c.pages, pv.Page)
		}
	}
}

// moveToFront moves an entry to the front of the LRU list.
func (c *CodeCache) moveToFront(entry *cacheEntry) {
	if entry == c.head {
		return // Already at front
	}
	c.removeFromList(entry)
	c.addToFront(entry)
}

// addToFront adds an entry to the front of the LRU list.
func (c *CodeCache) addToFront(entry *cacheEntry) {
	entry.next = c.head
	entry.prev = nil

	if c.head != nil {
		c.head.prev = entry
	}
	c.head = entry

	if c.tail == nil {
		c.tail = entry
	}
}

// removeFromList removes an entry from the LRU list.
func (c *CodeCache) removeFromList(entry *cacheEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}

	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}

	entry.prev = nil
	entry.next = nil
}
