// Package overlay owns the lifecycle state machine of floating caption
// surfaces: creation, show/hide, destruction, and failure recovery. Window
// handles live in an explicit table and every transition returns a
// structured result instead of panicking across the boundary.
package overlay
