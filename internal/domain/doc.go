// Package domain defines the core types and the ports the application depends on.
//
// Files are grouped by concept (widget.go, events.go, credential.go, twitch.go).
// No implementation code lives here, only contracts and small value helpers.
package domain
