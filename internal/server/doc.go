// Package server hosts the optional Fiber diagnostics surface that every role
// can expose next to its transport loop: a health probe, the Prometheus
// exposition of internal/metrics, and (via the routes subpackage) a read-only
// view of the role's blob store. The transfer protocols never go through HTTP;
// keep this package free of protocol logic and accept explicit dependencies.
package server
