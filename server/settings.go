package server

import (
	"os"
)

// Server version string reported by "version" and "stats".
const Version = "1.0.2"

// Buffer sizing.  Initial sizes match the per-connection buffers the
// protocol was designed around; the high-water marks bound how much a
// recycled connection may retain between requests.
const (
	readBufferSize      = 2048
	readBufferHighWat   = 8192
	itemListSize        = 200
	fragmentListSize    = 400
	fragmentHighWat     = 600
	udpHeaderSize       = 8
	udpMaxPayloadSize   = 1400
	maxCommandTokens    = 8
	defaultReqsPerEvent = 20
)

// Runtime configuration, threaded explicitly through constructors
// instead of living in mutable package state.
type Settings struct {
	// TCP and UDP ports; zero disables the transport.
	TCPPort int
	UDPPort int

	// UNIX-domain socket path; when set, network sockets are disabled.
	UnixSocket string
	AccessMask os.FileMode

	// Interface/address to bind, empty for all.
	Interface string

	// Memory ceiling for the item store.
	MaxBytes uint64

	// Simultaneous connection cap across all listeners.
	MaxConns int

	// When true a full cache returns an error instead of evicting.
	DisableEvictions bool

	// When true items carry no CAS ids.
	DisableCas bool

	// Verbosity: 0 quiet, 1 info, 2 debug, 3+ trace.
	Verbosity int

	// Slab class growth factor and smallest chunk.
	GrowthFactor float64
	ChunkSize    uint64

	// Number of worker threads.
	NumWorkers int

	// Commands processed from one connection's buffered input before
	// it yields, so one busy client cannot starve its worker.
	ReqsPerEvent int

	// Key prefix delimiter for detailed stats; zero disables.
	PrefixDelimiter byte
	DetailEnabled   bool
}

func DefaultSettings() Settings {
	return Settings{
		TCPPort:      11211,
		UDPPort:      11211,
		AccessMask:   0700,
		MaxBytes:     64 * 1024 * 1024,
		MaxConns:     1024,
		GrowthFactor: 1.25,
		ChunkSize:    48,
		NumWorkers:   4,
		ReqsPerEvent: defaultReqsPerEvent,
	}
}
