// Package api implements the status HTTP API of an instrumentd endpoint.
//
// This package provides:
//   - A health endpoint reporting the manager state
//   - Resource listing and per-resource status from the manager snapshot
//   - Start and stop of individual resources
//   - The lifecycle journal, filtered and paged
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Architecture
//
// The API is a read-mostly window onto the manager. It does not proxy remote
// calls; clients that need to invoke methods use the RPC transport.
//
//	GET  /api/v1/health
//	GET  /api/v1/resources
//	GET  /api/v1/resources/{class}/{name}
//	POST /api/v1/resources/{class}/{name}/start
//	POST /api/v1/resources/{class}/{name}/stop
//	GET  /api/v1/journal
//
// Index-form paths such as /resources/Sim/0 resolve like any other location.
package api
