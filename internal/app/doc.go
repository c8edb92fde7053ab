// Package app wires the license engine together: configuration,
// logging, metrics, the license manager with its sync daemon, the
// enforcement middleware, and the HTTP router. It owns startup order
// and graceful shutdown.
package app
