// Package session implements per-connection recording sessions: frame
// dispatch, participant registry, pending-audio buffering until the format
// descriptor arrives, telemetry logging, and the close/archive lifecycle
// that promotes a live recording directory to the completed area.
package session
