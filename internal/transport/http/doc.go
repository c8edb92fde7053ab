// Package http implements the HTTP request handlers for the license
// engine. Handlers stay thin: they parse and validate requests, call the
// service layer, and translate service errors into RFC 7807 problem
// responses. All business logic lives in internal/services and
// internal/license.
//
// A typical request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → Manager
//	                                              ↓
//	HTTP Response ← Handler ← Service Response ←─┘
package http
