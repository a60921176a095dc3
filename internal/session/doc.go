// Package session provides capture session management and lifecycle
// handling. It tracks per-session connection state, routes channel messages,
// owns each session's segmenter and reconciler, and cleans up inactive
// sessions on a configurable timeout.
package session
