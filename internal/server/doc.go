// Package server manages the coordinator's HTTP server lifecycle:
// non-blocking start, TLS when configured, graceful shutdown within a
// timeout, and SIGINT/SIGTERM handling via WaitForShutdown.
package server
