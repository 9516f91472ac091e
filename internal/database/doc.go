// Package database opens the configured relational database (sqlite,
// postgres or mysql) and manages its connection pool: limits, periodic
// health checks and teardown.
package database
