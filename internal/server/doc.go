// Package server implements the WebSocket listener that accepts browser
// agent connections and binds each one to a recording session, plus the
// monitoring HTTP API (health, sessions, stats, Prometheus metrics).
package server
