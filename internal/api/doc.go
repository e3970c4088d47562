// Package api exposes external interfaces for executing paid tool calls,
// querying the execution ledger, and relaying raw transactions. It hosts the
// REST server together with a Prometheus-style metrics endpoint.
package api
