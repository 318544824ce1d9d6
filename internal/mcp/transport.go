package mcp

import (
	"context"
	"encoding/json"
)

// Transport abstracts the wire protocol to an MCP server.
type Transport interface {
	// Connect establishes the connection.
	Connect(ctx context.Context) error

	// Close tears down the connection.
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Connected reports whether the transport is usable.
	Connected() bool
}

// NewTransport creates the transport matching the server configuration.
func NewTransport(cfg *ServerConfig) Transport {
	if cfg.Transport == TransportHTTP {
		return NewHTTPTransport(cfg)
	}
	return NewStdioTransport(cfg)
}
