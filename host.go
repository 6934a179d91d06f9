package kamoffline

import "context"

// Host is the environment a controller is installed in.
type Host interface {
	// SkipWaiting makes the controller eligible for activation
	// without waiting for the clients of the previous controller to close.
	SkipWaiting(ctx context.Context) error
	// Claim makes the active controller take control of all open clients.
	Claim(ctx context.Context) error
}

type noopHost struct{}

func (noopHost) SkipWaiting(context.Context) error { return nil }

func (noopHost) Claim(context.Context) error { return nil }
