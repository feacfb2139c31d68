package jit

import "math"

// DefaultHotnessCapacity is used when Config.HotnessCapacity is 0.
const DefaultHotnessCapacity = 16384

// hotEntry is one profiled address. It is linked into exactly one of the two
// profile lists: the cold list (eviction candidates, most recently hit first)
// or the requested list (pending compiles, most recently requested first).
type hotEntry struct {
	rip         uint64
	counter     uint32
	lastHit     uint64
	requestedAt uint64
	requested   bool

	prev *hotEntry
	next *hotEntry
}

// hotList is an intrusive doubly-linked list.
type hotList struct {
	head *hotEntry
	tail *hotEntry
	n    int
}

func (l *hotList) pushFront(e *hotEntry) {
	e.prev = nil
	e.next = l.head
	if l.head != nil {
		l.head.prev = e
	}
	l.head = e
	if l.tail == nil {
		l.tail = e
	}
	l.n++
}

func (l *hotList) remove(e *hotEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev = nil
	e.next = nil
	l.n--
}

func (l *hotList) moveToFront(e *hotEntry) {
	if l.head == e {
		return
	}
	l.remove(e)
	l.pushFront(e)
}

// HotnessProfile counts executions per guest RIP and remembers which RIPs
// have an outstanding compile request. It is bounded: a new address may
// displace the least recently hit address that is not pending compilation.
// Pending addresses are never displaced.
type HotnessProfile struct {
	threshold uint32
	capacity  int

	entries   map[uint64]*hotEntry
	cold      hotList
	requested hotList

	tick uint64
}

// NewHotnessProfile creates a profile. capacity <= 0 selects DefaultHotnessCapacity.
func NewHotnessProfile(threshold uint32, capacity int) *HotnessProfile {
	if capacity <= 0 {
		capacity = DefaultHotnessCapacity
	}
	return &HotnessProfile{
		threshold: threshold,
		capacity:  capacity,
		entries:   make(map[uint64]*hotEntry, capacity),
	}
}

// lookupOrInsert returns the entry for rip, creating it if needed. It returns
// nil when rip is absent and every entry is pending compilation.
func (p *HotnessProfile) lookupOrInsert(rip uint64) *hotEntry {
	if e, ok := p.entries[rip]; ok {
		return e
	}
	if len(p.entries) >= p.capacity {
		victim := p.cold.tail
		if victim == nil {
			return nil
		}
		p.cold.remove(victim)
		delete(p.entries, victim.rip)
	}
	e := &hotEntry{rip: rip}
	p.entries[rip] = e
	p.cold.pushFront(e)
	return e
}

// RecordHit counts one execution of rip. It returns true exactly when the
// caller should ask the compiler for a translation: hasCompiled is false,
// the counter has reached the threshold, and no request is outstanding.
func (p *HotnessProfile) RecordHit(rip uint64, hasCompiled bool) bool {
	e := p.lookupOrInsert(rip)
	if e == nil {
		return false
	}
	p.tick++
	if e.counter != math.MaxUint32 {
		e.counter++
	}
	e.lastHit = p.tick
	if e.requested {
		return false
	}
	p.cold.moveToFront(e)
	if hasCompiled || e.counter < p.threshold {
		return false
	}
	p.markRequested(e)
	return true
}

func (p *HotnessProfile) markRequested(e *hotEntry) {
	p.cold.remove(e)
	e.requested = true
	e.requestedAt = p.tick
	p.requested.pushFront(e)
}

// MarkRequested flags rip as pending compilation without running the
// threshold logic. It is idempotent. It returns false only when rip is absent
// and cannot be inserted because the profile is saturated with requests.
func (p *HotnessProfile) MarkRequested(rip uint64) bool {
	e := p.lookupOrInsert(rip)
	if e == nil {
		return false
	}
	p.tick++
	e.lastHit = p.tick
	if !e.requested {
		p.markRequested(e)
	}
	return true
}

// ClearRequested resolves the outstanding request for rip, if any. The
// address becomes an ordinary cold entry and may be requested again.
func (p *HotnessProfile) ClearRequested(rip uint64) {
	e, ok := p.entries[rip]
	if !ok || !e.requested {
		return
	}
	p.requested.remove(e)
	e.requested = false
	p.cold.pushFront(e)
}

// ExpireRequested clears every request that has been outstanding for more
// than maxAge ticks and returns the affected RIPs, oldest first.
func (p *HotnessProfile) ExpireRequested(maxAge uint64) []uint64 {
	var expired []uint64
	for e := p.requested.tail; e != nil; {
		if p.tick-e.requestedAt <= maxAge {
			break
		}
		prev := e.prev
		expired = append(expired, e.rip)
		p.ClearRequested(e.rip)
		e = prev
	}
	return expired
}

// Counter returns the execution count recorded for rip (0 if absent).
func (p *HotnessProfile) Counter(rip uint64) uint32 {
	if e, ok := p.entries[rip]; ok {
		return e.counter
	}
	return 0
}

// Requested reports whether rip has an outstanding compile request.
func (p *HotnessProfile) Requested(rip uint64) bool {
	e, ok := p.entries[rip]
	return ok && e.requested
}

func (p *HotnessProfile) Len() int          { return len(p.entries) }
func (p *HotnessProfile) RequestedLen() int { return p.requested.n }
func (p *HotnessProfile) Capacity() int     { return p.capacity }
func (p *HotnessProfile) Threshold() uint32 { return p.threshold }

// HotnessEntry is the persisted form of one profile entry.
type HotnessEntry struct {
	RIP     uint64 `json:"rip"`
	Counter uint32 `json:"counter"`
}

// Entries exports the cold entries from least to most recently hit followed
// by the pending ones, so that replaying them through Restore keeps the
// eviction order.
func (p *HotnessProfile) Entries() []HotnessEntry {
	out := make([]HotnessEntry, 0, len(p.entries))
	for e := p.cold.tail; e != nil; e = e.prev {
		out = append(out, HotnessEntry{RIP: e.rip, Counter: e.counter})
	}
	for e := p.requested.tail; e != nil; e = e.prev {
		out = append(out, HotnessEntry{RIP: e.rip, Counter: e.counter})
	}
	return out
}

// Restore sets the counter of rip as a cold entry. Outstanding requests do
// not survive a restore because the compile jobs behind them are gone.
func (p *HotnessProfile) Restore(rip uint64, counter uint32) bool {
	e := p.lookupOrInsert(rip)
	if e == nil {
		return false
	}
	p.tick++
	e.counter = counter
	e.lastHit = p.tick
	if e.requested {
		p.ClearRequested(rip)
	} else {
		p.cold.moveToFront(e)
	}
	return true
}
