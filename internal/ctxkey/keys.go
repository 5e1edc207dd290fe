// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the connection-scoped logger
// carrying conn_id and remote_addr.
type LoggerKey struct{}
