// Package events provides a small in-process event bus with typed topics
// and unsubscribe tokens for deterministic teardown.
package events
