// Package server hosts the ReelVault upload API from a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, rate
// limiting, security headers, CORS, metrics, and logging so handlers all
// share common protections and instrumentation.
package server
