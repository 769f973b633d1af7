// Package api provides the agentdbg server: the WebSocket debugging protocol,
// a REST surface over sessions and recordings, and the MCP inspection tools.
package api

import "time"

const (
	defaultMaxConnections    = 100
	defaultHeartbeatInterval = 30 * time.Second
)

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8765")
	ListenAddr string

	// MaxConnections bounds concurrent WebSocket clients.
	MaxConnections int

	// HeartbeatInterval is the ping period of WebSocket clients. A client that
	// misses two heartbeats is dropped.
	HeartbeatInterval time.Duration

	// OnShutdown, when set, enables POST /admin/shutdown.
	OnShutdown func()
}
