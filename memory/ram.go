package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var ErrOutOfRange = errors.New("memory: access out of range")

// WriteHook is called with the physical span of every CPU store before the
// bytes become visible.
type WriteHook func(paddr uint64, length int)

// RAM is flat guest physical memory with identity address translation.
//
// CPU accesses (Read, Fetch, Write) come from the goroutine running the
// guest. WriteExternal may be called from any goroutine; it records the
// span in a WriteLog instead of calling the hook, and the CPU goroutine
// replays the log at the next block boundary.
type RAM struct {
	mu   sync.RWMutex
	data []byte

	hook WriteHook
}

func NewRAM(size int) *RAM {
	return &RAM{data: make([]byte, size)}
}

func (m *RAM) Size() uint64 { return uint64(len(m.data)) }

// SetWriteHook installs fn as the CPU store hook. A nil fn removes it.
func (m *RAM) SetWriteHook(fn WriteHook) { m.hook = fn }

func (m *RAM) check(paddr uint64, n int) error {
	if n < 0 || paddr > uint64(len(m.data)) || uint64(n) > uint64(len(m.data))-paddr {
		return fmt.Errorf("%w: %#x+%d (size %#x)", ErrOutOfRange, paddr, n, len(m.data))
	}
	return nil
}

// Translate maps a guest linear address to a physical address.
func (m *RAM) Translate(vaddr uint64) (uint64, error) {
	if vaddr >= uint64(len(m.data)) {
		return 0, fmt.Errorf("%w: translate %#x", ErrOutOfRange, vaddr)
	}
	return vaddr, nil
}

// Read copies len(buf) bytes at paddr into buf.
func (m *RAM) Read(paddr uint64, buf []byte) error {
	if err := m.check(paddr, len(buf)); err != nil {
		return err
	}
	m.mu.RLock()
	copy(buf, m.data[paddr:])
	m.mu.RUnlock()
	return nil
}

// Fetch returns a copy of up to n bytes at paddr, fewer when the range runs
// off the end of memory.
func (m *RAM) Fetch(paddr uint64, n int) ([]byte, error) {
	if paddr >= uint64(len(m.data)) {
		return nil, fmt.Errorf("%w: fetch %#x", ErrOutOfRange, paddr)
	}
	if rest := uint64(len(m.data)) - paddr; uint64(n) > rest {
		n = int(rest)
	}
	out := make([]byte, n)
	m.mu.RLock()
	copy(out, m.data[paddr:])
	m.mu.RUnlock()
	return out, nil
}

// Write stores data at paddr on behalf of the CPU.
func (m *RAM) Write(paddr uint64, data []byte) error {
	if err := m.check(paddr, len(data)); err != nil {
		return err
	}
	if m.hook != nil && len(data) > 0 {
		m.hook(paddr, len(data))
	}
	m.mu.Lock()
	copy(m.data[paddr:], data)
	m.mu.Unlock()
	return nil
}

// WriteExternal stores data at paddr on behalf of a device and records the
// span in wl for the CPU goroutine to replay.
func (m *RAM) WriteExternal(paddr uint64, data []byte, wl *WriteLog) error {
	if err := m.check(paddr, len(data)); err != nil {
		return err
	}
	m.mu.Lock()
	copy(m.data[paddr:], data)
	m.mu.Unlock()
	wl.Record(paddr, len(data))
	return nil
}

func (m *RAM) ReadUint32(paddr uint64) (uint32, error) {
	var b [4]byte
	if err := m.Read(paddr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *RAM) WriteUint32(paddr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(paddr, b[:])
}
