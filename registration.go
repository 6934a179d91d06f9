package kamoffline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrNotActive    = errors.New("kamoffline: controller is not active")
	ErrNoController = errors.New("kamoffline: no controller installed")
)

// Registration hosts the controllers of one deployment.
// It enforces the lifecycle ordering: a controller is activated only after its
// install completed, and it intercepts fetches only after its activation completed.
// An installed controller waits while another one is active,
// until it asks to skip waiting.
type Registration struct {
	mu          sync.Mutex
	installing  *Controller
	waiting     *Controller
	activating  *Controller
	active      *Controller
	skipWaiting bool
	claimed     bool
	// serializes activations
	activation sync.Mutex
	log        zerolog.Logger
}

// RegistrationStatus is a snapshot of the registration state.
type RegistrationStatus struct {
	Installing string   `json:"installing,omitempty"`
	Waiting    string   `json:"waiting,omitempty"`
	Active     string   `json:"active,omitempty"`
	Claimed    bool     `json:"claimed"`
	Caches     []string `json:"caches,omitempty"`
}

func NewRegistration(logger *zerolog.Logger) *Registration {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return &Registration{log: log}
}

// registrationHost is the host of one controller of a registration.
type registrationHost struct {
	r *Registration
	c *Controller
}

func (h registrationHost) SkipWaiting(ctx context.Context) error {
	return h.r.skip(ctx, h.c)
}

func (h registrationHost) Claim(ctx context.Context) error {
	return h.r.claim(h.c)
}

// Install runs the install event of the controller.
// The registration becomes the controller's host, replacing Config.Host.
// On failure the previous controllers stay in place and the error is returned;
// installing again is the caller's choice. On success the controller waits,
// or is activated right away if nothing is active or it asked to skip waiting.
func (r *Registration) Install(ctx context.Context, c *Controller) error {
	log := r.log.With().Str("version", c.Version()).Logger()

	r.mu.Lock()
	c.bindHost(registrationHost{r: r, c: c})
	r.installing = c
	r.skipWaiting = false
	r.mu.Unlock()

	err := c.OnInstall(ctx)

	r.mu.Lock()
	if r.installing == c {
		r.installing = nil
	}
	if err != nil {
		r.mu.Unlock()
		log.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("install %s: %w", c.Version(), err)
	}
	if r.waiting != nil && r.waiting != c {
		log.Debug().Str("replaced", r.waiting.Version()).Msg("Replacing waiting controller")
	}
	r.waiting = c
	promote := r.active == nil || r.skipWaiting
	r.mu.Unlock()

	if !promote {
		log.Debug().Msg("Installed, waiting for activation")
		return nil
	}
	return r.activate(ctx, c)
}

func (r *Registration) skip(ctx context.Context, c *Controller) error {
	r.mu.Lock()
	switch c {
	case r.installing:
		// activated as soon as the install completes
		r.skipWaiting = true
		r.mu.Unlock()
		return nil
	case r.waiting:
		r.mu.Unlock()
		return r.activate(ctx, c)
	}
	r.mu.Unlock()
	return nil
}

func (r *Registration) claim(c *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c != r.activating && c != r.active {
		return ErrNotActive
	}
	r.claimed = true
	return nil
}

// activate promotes the waiting controller. The previous controller keeps serving
// fetches until the activate event has completed. As in browsers, a failing activate
// event is reported but does not prevent the promotion.
func (r *Registration) activate(ctx context.Context, c *Controller) error {
	r.activation.Lock()
	defer r.activation.Unlock()

	r.mu.Lock()
	if r.waiting != c {
		// already activated, or replaced by a newer install
		r.mu.Unlock()
		return nil
	}
	r.activating = c
	r.mu.Unlock()

	err := c.OnActivate(ctx)

	r.mu.Lock()
	previous := r.active
	r.active = c
	r.activating = nil
	if r.waiting == c {
		r.waiting = nil
	}
	if err != nil {
		r.claimed = false
	}
	r.mu.Unlock()

	log := r.log.With().Str("version", c.Version()).Logger()
	if previous != nil && previous != c {
		log.Debug().Str("previous", previous.Version()).Msg("Previous controller is redundant")
		if derr := previous.Drain(ctx); derr != nil {
			log.Warn().Err(derr).Msg("Previous controller did not finish its cache writes")
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("Activate failed")
		return fmt.Errorf("activate %s: %w", c.Version(), err)
	}
	log.Info().Msg("Controller active")
	return nil
}

// SkipWaiting activates the waiting controller, if any.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.mu.Lock()
	waiting := r.waiting
	r.mu.Unlock()
	if waiting == nil {
		return nil
	}
	return r.activate(ctx, waiting)
}

// Active returns the controller that intercepts fetches, nil if none is active yet.
func (r *Registration) Active() *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed controller waiting for activation, if any.
func (r *Registration) Waiting() *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// OnFetch dispatches the request to the active controller.
// It returns nil if the request is not intercepted.
func (r *Registration) OnFetch(ctx context.Context, req *http.Request) *Result {
	active := r.Active()
	if active == nil {
		return nil
	}
	return active.OnFetch(ctx, req)
}

// PostMessage delivers a control message to the waiting controller,
// or to the active one if nothing is waiting.
func (r *Registration) PostMessage(ctx context.Context, msg *Message) error {
	r.mu.Lock()
	target := r.waiting
	if target == nil {
		target = r.installing
	}
	if target == nil {
		target = r.active
	}
	r.mu.Unlock()
	if target == nil {
		return ErrNoController
	}
	return target.OnMessage(ctx, msg)
}

// Status returns the current registration state.
func (r *Registration) Status() RegistrationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := RegistrationStatus{Claimed: r.claimed}
	if r.installing != nil {
		status.Installing = r.installing.Version()
	}
	if r.waiting != nil {
		status.Waiting = r.waiting.Version()
	}
	if r.active != nil {
		status.Active = r.active.Version()
		precache, runtime := r.active.CacheNames()
		status.Caches = []string{precache, runtime}
	}
	return status
}

// Drain waits for the detached cache writes of all controllers.
func (r *Registration) Drain(ctx context.Context) error {
	r.mu.Lock()
	controllers := []*Controller{r.active, r.waiting, r.installing}
	r.mu.Unlock()
	for _, c := range controllers {
		if c == nil {
			continue
		}
		if err := c.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}
