package telemetry

// Event discriminators for the JIT event stream.
const (
	// Meta events
	Telemetry_Dropped = 0

	// Status events (10-11)
	Telemetry_Status      = 10
	Telemetry_Cache_Bytes = 11

	// Compile pipeline events (20-22)
	Telemetry_Compile_Requested      = 20
	Telemetry_Block_Installed        = 21
	Telemetry_Stale_Install_Rejected = 22

	// Cache maintenance events (30-31)
	Telemetry_Blocks_Evicted    = 30
	Telemetry_Block_Invalidated = 31
)

// protocolVersion is the first byte of the hello message.
const protocolVersion = 0

// NodeInfo is sent once per connection before any event.
type NodeInfo struct {
	Name    string // at most 32 bytes
	Version string // at most 32 bytes
	Note    string // at most 255 bytes
}
