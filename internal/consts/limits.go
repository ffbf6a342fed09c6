package consts

import "time"

// Buffer sizes for various operations
const (
	// BufferSize8KB is 8 kilobytes
	BufferSize8KB = 8 * 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
)

// Request and process output limits
const (
	// MaxRequestBodyBytes caps JSON bodies accepted by the REST API
	MaxRequestBodyBytes = BufferSize1MB
	// MaxStderrBytes caps the stderr tail kept from a failed media tool
	MaxStderrBytes = BufferSize8KB
)

// Collaboration defaults
const (
	// DefaultMailboxSize is the engine mailbox capacity
	DefaultMailboxSize = 1024
	// DefaultSendBuffer is the per-connection outbound queue length
	DefaultSendBuffer = 256
	// DefaultMaxMessageSize is the largest inbound WebSocket frame
	DefaultMaxMessageSize = BufferSize64KB
)

// Timeouts for various operations
const (
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout60Seconds is a 60 second timeout (1 minute)
	Timeout60Seconds = 60 * time.Second
)
