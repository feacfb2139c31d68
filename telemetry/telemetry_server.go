package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/tierjit/log"
)

// maxFrameSize bounds a single message; anything larger is a protocol error.
const maxFrameSize = 1 << 20

// Decoder type for payload decoding functions
type Decoder func(payload []byte) string

// Maps for discriminator to string and decoder lookup
var discriminatorToString = map[int]string{
	Telemetry_Dropped: "DROPPED",

	Telemetry_Status:      "STATUS",
	Telemetry_Cache_Bytes: "CACHE_BYTES",

	Telemetry_Compile_Requested:      "COMPILE_REQUESTED",
	Telemetry_Block_Installed:        "BLOCK_INSTALLED",
	Telemetry_Stale_Install_Rejected: "STALE_INSTALL_REJECTED",

	Telemetry_Blocks_Evicted:    "BLOCKS_EVICTED",
	Telemetry_Block_Invalidated: "BLOCK_INVALIDATED",
}

var discriminatorDecoder = map[int]Decoder{
	Telemetry_Dropped:                DecodeDropped,
	Telemetry_Status:                 DecodeStatus,
	Telemetry_Cache_Bytes:            DecodeCacheBytes,
	Telemetry_Compile_Requested:      decodeEmpty,
	Telemetry_Block_Installed:        decodeEmpty,
	Telemetry_Stale_Install_Rejected: decodeEmpty,
	Telemetry_Blocks_Evicted:         DecodeBlocksEvicted,
	Telemetry_Block_Invalidated:      decodeEmpty,
}

func DecodeDropped(payload []byte) string { return decodeUint64Fields(payload, "count") }
func DecodeStatus(payload []byte) string  { return decodeUint64Fields(payload, "hits", "misses") }
func DecodeCacheBytes(payload []byte) string {
	return decodeUint64Fields(payload, "used", "capacity")
}
func DecodeBlocksEvicted(payload []byte) string { return decodeUint64Fields(payload, "count") }
func decodeEmpty([]byte) string                { return "" }

// Event is one decoded message as seen by the server.
type Event struct {
	Time          time.Time
	Discriminator byte
	Type          string
	Decoded       string
	Peer          string
}

// TelemetryServer accepts telemetry connections and writes one line per
// event to its output.
type TelemetryServer struct {
	addr     string
	listener net.Listener
	stopped  atomic.Bool

	outMu sync.Mutex
	out   io.Writer

	// OnEvent, when set before Serve, is called for every decoded event.
	OnEvent func(Event)
}

// NewTelemetryServer creates a server for addr; decoded events go to out.
func NewTelemetryServer(addr string, out io.Writer) *TelemetryServer {
	if out == nil {
		out = io.Discard
	}
	return &TelemetryServer{addr: addr, out: out}
}

// Listen binds the listening socket.
func (s *TelemetryServer) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	log.Info(log.TelemetryMonitoring, "telemetry server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *TelemetryServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Serve accepts connections on a listener bound by Listen.
func (s *TelemetryServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopped.Load() {
				log.Info(log.TelemetryMonitoring, "telemetry server stopped")
				return nil
			}
			log.Warn(log.TelemetryMonitoring, "failed to accept connection", "err", err)
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

// Stop closes the listener.
func (s *TelemetryServer) Stop() error {
	s.stopped.Store(true)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// handleConnection processes a single telemetry client connection
func (s *TelemetryServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()

	info, err := readNodeInfo(conn)
	if err != nil {
		log.Warn(log.TelemetryMonitoring, "failed to read node info", "peer", peer, "err", err)
		return
	}
	s.writeLine(fmt.Sprintf("%s|NODE_INFO|name:%s|version:%s|peer:%s",
		time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"), info.Name, info.Version, peer))

	for {
		ev, err := readEvent(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug(log.TelemetryMonitoring, "telemetry connection closed", "peer", peer)
			} else {
				log.Warn(log.TelemetryMonitoring, "error reading telemetry event", "peer", peer, "err", err)
			}
			return
		}
		ev.Peer = peer
		s.processEvent(ev)
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", length, maxFrameSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame content: %w", err)
	}
	return data, nil
}

// readNodeInfo reads the initial node information message
func readNodeInfo(r io.Reader) (NodeInfo, error) {
	data, err := readFrame(r)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("node info: %w", err)
	}
	version, offset := parseUint8(data, 0)
	if offset == 0 || version != protocolVersion {
		return NodeInfo{}, fmt.Errorf("unsupported telemetry protocol version %d", version)
	}
	var info NodeInfo
	info.Name, offset = parseString(data, offset)
	info.Version, offset = parseString(data, offset)
	info.Note, _ = parseString(data, offset)
	return info, nil
}

// readEvent reads a single telemetry event and decodes it
func readEvent(r io.Reader) (Event, error) {
	data, err := readFrame(r)
	if err != nil {
		return Event{}, err
	}
	if len(data) < 9 {
		return Event{}, fmt.Errorf("event data too short: %d bytes", len(data))
	}
	timestamp := binary.LittleEndian.Uint64(data[:8])
	discriminator := data[8]
	payload := data[9:]

	ev := Event{
		Time:          time.UnixMicro(int64(timestamp)).UTC(),
		Discriminator: discriminator,
	}
	eventType, hasEventType := discriminatorToString[int(discriminator)]
	decoder, hasDecoder := discriminatorDecoder[int(discriminator)]
	if hasEventType && hasDecoder {
		ev.Type = eventType
		ev.Decoded = decoder(payload)
	} else {
		ev.Type = "UNKNOWN_EVENT"
		ev.Decoded = fmt.Sprintf("discriminator:%d|raw_data:0x%x", discriminator, payload)
	}
	return ev, nil
}

func (s *TelemetryServer) processEvent(ev Event) {
	s.writeLine(fmt.Sprintf("%s|%s|%s|peer:%s",
		ev.Time.Format("2006-01-02T15:04:05.000000Z"), ev.Type, ev.Decoded, ev.Peer))
	if s.OnEvent != nil {
		s.OnEvent(ev)
	}
}

func (s *TelemetryServer) writeLine(line string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.out, line)
}

// DecodeEvent decodes a telemetry event payload using the appropriate decoder.
// Returns the decoded string, or empty string if no decoder exists for this discriminator.
func DecodeEvent(discriminator int, payload []byte) string {
	if decoder, ok := discriminatorDecoder[discriminator]; ok {
		return decoder(payload)
	}
	return ""
}

// GetEventTypeName returns the event type name for a discriminator
func GetEventTypeName(discriminator int) string {
	if name, ok := discriminatorToString[discriminator]; ok {
		return name
	}
	return ""
}
