// Package services contains the business logic layer between the HTTP
// handlers and the license engine. Services translate manager results
// into transport-ready responses, attach trace IDs, and keep lightweight
// per-process counters that feed the detailed status endpoint.
package services
