// Package license implements the license lifecycle and trust validation
// engine for PeopleCore. It covers token issuance and verification,
// hardware identity binding, hybrid online/offline validation with grace
// periods, durable state caching, and the background synchronization
// daemon that keeps the local verdict fresh against the Admin Panel.
//
// # Architecture Overview
//
// The engine is built leaf-first from small components:
//
//	- TokenCodec: signs and verifies license tokens (RS256 or HS256)
//	- Fingerprinter: derives a stable composite fingerprint of the host
//	- LocalValidator: offline validation (signature, expiry, bindings)
//	- AdminClient: authenticated HTTP client to the Admin Panel
//	- StateStore: durable cache of the last known-good validation
//	- HybridValidator: orchestrates local + remote into one verdict
//	- SyncDaemon: background revalidation and health/telemetry loops
//
// # Validation Flow
//
// Local validation runs a fixed check order and short-circuits on the
// first failure:
//
//	1. Verify token signature (SignatureInvalid / TokenMalformed)
//	2. Check expiry against the clock (LicenseExpired)
//	3. If the token enforces hardware, compare fingerprints
//	4. If the token enforces installation, compare installation IDs
//
// The local path never touches the network. When an Admin Panel is
// configured, the hybrid validator layers periodic authoritative
// re-validation on top: a successful remote result supersedes the
// cached one, a transport failure falls back to the grace-aware state
// in the store, and an explicit revocation invalidates immediately,
// bypassing any remaining grace window.
//
// # Hardware Fingerprinting
//
// The fingerprint is a SHA-256 digest over lexicographically sorted
// key:value pairs probed from the host: machine id, container id, CPU
// descriptor, disk serial, primary MAC, and platform string. Probes
// fail independently and silently; comparison is exact-match only.
//
// # Error Handling
//
// Validation failures map onto the sentinel taxonomy in the errors
// package. Local failures are terminal for the startup path; remote
// transport failures are retryable and feed the grace logic; explicit
// remote rejections are terminal.
package license
