// Package broadcast holds the process-local overlay connections.
//
// A Registry is an actor: one goroutine owns the owner -> connections map and every
// mutation arrives on its command channel. Connections are transport-agnostic (SSE or
// WebSocket); each runs its own writer goroutine so a slow socket never blocks delivery.
// A Relay bridges the EventBus into Deliver and EvictAll calls.
package broadcast
