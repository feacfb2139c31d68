package memory

import "sync"

// DefaultWriteLogCapacity is the number of spans a WriteLog holds before it
// overflows.
const DefaultWriteLogCapacity = 4096

// WriteRecord is one logged write.
type WriteRecord struct {
	Paddr uint64
	Len   int
}

// WriteLog collects guest writes made off the CPU goroutine. When more than
// capacity spans accumulate the individual spans are discarded and the next
// Replay reports a single write covering all of memory.
type WriteLog struct {
	mu         sync.Mutex
	records    []WriteRecord
	capacity   int
	overflowed bool
	overflows  uint64
}

func NewWriteLog(capacity int) *WriteLog {
	if capacity <= 0 {
		capacity = DefaultWriteLogCapacity
	}
	return &WriteLog{capacity: capacity, records: make([]WriteRecord, 0, capacity)}
}

// Record appends a span. It is safe for concurrent use.
func (l *WriteLog) Record(paddr uint64, length int) {
	if length <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.overflowed {
		return
	}
	if len(l.records) == l.capacity {
		l.overflowed = true
		l.overflows++
		l.records = l.records[:0]
		return
	}
	l.records = append(l.records, WriteRecord{Paddr: paddr, Len: length})
}

// Replay hands every logged span to fn in arrival order and empties the log.
// After an overflow fn is called once with (0, span). It returns the number
// of calls made.
func (l *WriteLog) Replay(span uint64, fn func(paddr uint64, length int)) int {
	l.mu.Lock()
	records := l.records
	overflowed := l.overflowed
	l.records = make([]WriteRecord, 0, l.capacity)
	l.overflowed = false
	l.mu.Unlock()

	if overflowed {
		fn(0, clampLen(span))
		return 1
	}
	for _, r := range records {
		fn(r.Paddr, r.Len)
	}
	return len(records)
}

func (l *WriteLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Overflows returns how many times the log overflowed.
func (l *WriteLog) Overflows() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overflows
}

func clampLen(span uint64) int {
	const maxInt = int(^uint(0) >> 1)
	if span > uint64(maxInt) {
		return maxInt
	}
	return int(span)
}
