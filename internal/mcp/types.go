// Package mcp holds the protocol-level settings shared by the configuration
// and the MCP tool server in [toolserver].
//
// [toolserver]: github.com/MrWong99/neurogate/internal/mcp/toolserver
package mcp

// Transport selects how MCP clients reach the gateway.
type Transport string

const (
	// TransportStdio serves a single client over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP serves clients at /mcp on the HTTP listener
	// using the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}
