// Package server implements the WebSocket endpoint carrying the caption
// channel and the HTTP API for monitoring and overlay control.
package server
