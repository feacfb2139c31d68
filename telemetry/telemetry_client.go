package telemetry

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/tierjit/jit"
	"github.com/colorfulnotion/tierjit/log"
)

// DefaultQueueSize bounds the number of events waiting to be written.
const DefaultQueueSize = 1024

// TelemetryClient streams runtime events to a telemetry server. It implements
// jit.MetricsSink: cache hits and misses are only counted (see SendStatus),
// every other call becomes one event. Events never block the caller; when
// the queue is full they are dropped and the server is told how many.
type TelemetryClient struct {
	addr     string
	conn     net.Conn
	disabled bool // if true, telemetry is disabled (no-op)

	mu     sync.RWMutex
	closed bool
	events chan []byte
	wg     sync.WaitGroup

	hits    atomic.Uint64
	misses  atomic.Uint64
	dropped atomic.Uint64
	sent    atomic.Uint64
}

var _ jit.MetricsSink = (*TelemetryClient)(nil)

// NewNoOpTelemetryClient creates a disabled telemetry client that does nothing
func NewNoOpTelemetryClient() *TelemetryClient {
	return &TelemetryClient{disabled: true}
}

// NewTelemetryClient builds a client targeting addr (host:port).
func NewTelemetryClient(addr string, queueSize int) *TelemetryClient {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &TelemetryClient{
		addr:   addr,
		events: make(chan []byte, queueSize),
	}
}

// Connect dials the server, sends the node information message and starts
// the writer goroutine.
func (c *TelemetryClient) Connect(info NodeInfo) error {
	if c.disabled {
		return nil
	}
	if err := c.connectable(); err != nil {
		return err
	}
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to telemetry server at %s: %w", c.addr, err)
	}
	if err := sendNodeInfo(conn, info); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send node info: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectableLocked(); err != nil {
		conn.Close()
		return err
	}
	c.conn = conn
	c.wg.Add(1)
	go c.writeLoop(conn)
	return nil
}

func (c *TelemetryClient) connectable() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectableLocked()
}

func (c *TelemetryClient) connectableLocked() error {
	switch {
	case c.closed:
		return fmt.Errorf("telemetry client for %s is closed", c.addr)
	case c.conn != nil:
		return fmt.Errorf("telemetry client already connected to %s", c.addr)
	}
	return nil
}

// Close flushes queued events and closes the connection.
func (c *TelemetryClient) Close() error {
	if c.disabled {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()

	c.wg.Wait()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *TelemetryClient) writeLoop(conn net.Conn) {
	defer c.wg.Done()
	for msg := range c.events {
		if n := c.dropped.Swap(0); n > 0 {
			if err := writeFrame(conn, buildEvent(Telemetry_Dropped, encodeUint64s(n))); err != nil {
				log.Warn(log.TelemetryMonitoring, "telemetry write failed", "addr", c.addr, "err", err)
				c.drain()
				return
			}
		}
		if err := writeFrame(conn, msg); err != nil {
			log.Warn(log.TelemetryMonitoring, "telemetry write failed", "addr", c.addr, "err", err)
			c.drain()
			return
		}
		c.sent.Add(1)
	}
}

// drain discards queued events after the connection broke so producers
// and Close never block.
func (c *TelemetryClient) drain() {
	for range c.events {
		c.dropped.Add(1)
	}
}

// sendEvent queues one event. It prepends the timestamp and discriminator to
// the event-specific payload.
func (c *TelemetryClient) sendEvent(discriminator byte, eventPayload []byte) {
	if c.disabled {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.conn == nil {
		return
	}
	select {
	case c.events <- buildEvent(discriminator, eventPayload):
	default:
		c.dropped.Add(1)
	}
}

// SendStatus emits the hit and miss counters accumulated so far.
func (c *TelemetryClient) SendStatus() {
	c.sendEvent(Telemetry_Status, encodeUint64s(c.hits.Load(), c.misses.Load()))
}

// Dropped returns the number of events dropped and not yet reported.
func (c *TelemetryClient) Dropped() uint64 { return c.dropped.Load() }

// Sent returns the number of events written to the connection.
func (c *TelemetryClient) Sent() uint64 { return c.sent.Load() }

func (c *TelemetryClient) RecordCacheHit()  { c.hits.Add(1) }
func (c *TelemetryClient) RecordCacheMiss() { c.misses.Add(1) }

func (c *TelemetryClient) RecordInstall() { c.sendEvent(Telemetry_Block_Installed, nil) }

func (c *TelemetryClient) RecordEvict(n uint64) {
	if n == 0 {
		return
	}
	c.sendEvent(Telemetry_Blocks_Evicted, encodeUint64s(n))
}

func (c *TelemetryClient) RecordInvalidate() { c.sendEvent(Telemetry_Block_Invalidated, nil) }

func (c *TelemetryClient) RecordStaleInstallReject() {
	c.sendEvent(Telemetry_Stale_Install_Rejected, nil)
}

func (c *TelemetryClient) RecordCompileRequest() { c.sendEvent(Telemetry_Compile_Requested, nil) }

func (c *TelemetryClient) SetCacheBytes(used, capacity uint64) {
	c.sendEvent(Telemetry_Cache_Bytes, encodeUint64s(used, capacity))
}

// buildEvent lays out timestamp (unix microseconds) + discriminator + payload.
func buildEvent(discriminator byte, eventPayload []byte) []byte {
	msg := make([]byte, 0, 9+len(eventPayload))
	msg = append(msg, Uint64ToBytes(uint64(time.Now().UnixMicro()))...)
	msg = append(msg, discriminator)
	return append(msg, eventPayload...)
}

// writeFrame sends a little-endian 32-bit length prefix followed by msg.
func writeFrame(conn net.Conn, msg []byte) error {
	if _, err := conn.Write(Uint32ToBytes(uint32(len(msg)))); err != nil {
		return err
	}
	_, err := conn.Write(msg)
	return err
}

// sendNodeInfo sends the initial node information message to the telemetry server
func sendNodeInfo(conn net.Conn, info NodeInfo) error {
	var msg []byte
	msg = append(msg, protocolVersion)
	msg = append(msg, encodeString(info.Name, 32)...)
	msg = append(msg, encodeString(info.Version, 32)...)
	msg = append(msg, encodeString(info.Note, 255)...)
	return writeFrame(conn, msg)
}
