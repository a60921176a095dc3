// Package audio turns continuous capture frames into bounded speech
// segments. It implements energy-gated, duration-bounded segmentation,
// loudness metering, and the capture source abstraction with
// microphone/system fallback.
package audio
