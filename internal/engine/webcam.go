package engine

import "context"

// Camera grants webcam captures.
type Camera interface {
	// Acquire asks for a capture. A declined permission returns an error
	// wrapping ErrPermissionDenied.
	Acquire(ctx context.Context) (Capture, error)
}

// Capture is an active webcam capture.
type Capture interface {
	// Ended is closed when the capture track stops.
	Ended() <-chan struct{}
	// Release stops the capture. It must be safe to call more than once.
	Release()
}
