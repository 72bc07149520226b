// Package constants defines magic numbers and default values shared across httpcore.
package constants

import "time"

// Pool defaults.
const (
	DefaultMaxIdleAge               = 90 * time.Second
	DefaultMaxIdleConnections       = 100
	DefaultMaxIdleConnectionsPerHost = 2
	PoolCleanupInterval             = 30 * time.Second
)

// Connect/await defaults.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultResolveTimeout = 5 * time.Second
	DefaultAwait100       = 1 * time.Second
)

// Buffer and framing limits.
const (
	DefaultInputBufferSize      = 32 * 1024
	DefaultOutputBufferSize     = 32 * 1024
	DefaultMaxResponseHeader    = 1 * 1024 * 1024  // 1MB
	MaxContentLength            = 1024 * 1024 * 1024 * 1024 // 1TB sanity cap
)

// Redirects.
const (
	DefaultMaxRedirects = 10
)

// DefaultUserAgent is sent when no caller-configured value is set.
const DefaultUserAgent = "httpcore/1"
