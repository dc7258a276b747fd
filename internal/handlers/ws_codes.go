// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the gateway.
// These provide more specific reasons for closure than standard codes.
const (
	BadSubprotocolError = 3000 // Client connected with an unsupported subprotocol.
	SlowConsumerError   = 3004 // Outbound queue overflowed; the client was not reading fast enough.
	ServerShutdownError = 3005 // Process is shutting down.
)
