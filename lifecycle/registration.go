// Package lifecycle drives versioned workers through install and activate,
// and routes intercepted requests to the worker in control.
package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Worker is one version of the request-intercepting handler.
// ServeHTTP is only called once the worker is active and in control.
type Worker interface {
	http.Handler
	// Version returns the version tag of the worker.
	Version() string
	// Install prepares the worker. The registration waits for it to return.
	Install(ctx context.Context, host Host) error
	// Activate is called once the worker replaces the previous one.
	// Fetches wait for it to return.
	Activate(ctx context.Context, host Host) error
}

// Host is the handle a worker gets during its lifecycle events.
type Host interface {
	// SkipWaiting activates the worker as soon as it is installed,
	// even if another version is still active.
	SkipWaiting()
	// Claim makes the registration route all requests to the active worker.
	Claim()
}

// Status is a snapshot of a registration.
type Status struct {
	Active      string `json:"active,omitempty"`
	ActiveState string `json:"activeState,omitempty"`
	Waiting     string `json:"waiting,omitempty"`
	Installing  string `json:"installing,omitempty"`
	Controlled  bool   `json:"controlled"`
}

type version struct {
	worker      Worker
	state       State
	skipWaiting bool
	// closed when the worker reaches the activated (or redundant) state
	activated chan struct{}
}

// Registration hosts the workers of one application.
type Registration struct {
	mutex      sync.Mutex
	network    http.Handler
	installing *version
	waiting    *version
	active     *version
	controlled bool
	log        zerolog.Logger
}

// NewRegistration creates a registration.
// Requests are handed to network while no worker is in control.
func NewRegistration(network http.Handler, logger *zerolog.Logger) *Registration {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Registration{
		network: network,
		log:     l.With().Str("component", "registration").Logger(),
	}
}

// Register installs the worker and activates it if possible.
// It returns the install error, in which case the worker is discarded.
func (reg *Registration) Register(ctx context.Context, w Worker) error {
	v := &version{worker: w, state: StateInstalling, activated: make(chan struct{})}
	log := reg.log.With().Str("version", w.Version()).Logger()

	reg.mutex.Lock()
	if reg.installing != nil {
		reg.installing.state = StateRedundant
	}
	reg.installing = v
	reg.mutex.Unlock()

	log.Debug().Msg("Installing worker")
	err := w.Install(ctx, &host{reg: reg, v: v})

	reg.mutex.Lock()
	if reg.installing == v {
		reg.installing = nil
	}
	if err != nil || v.state == StateRedundant {
		v.state = StateRedundant
		close(v.activated)
		reg.mutex.Unlock()
		if err != nil {
			log.Error().Err(err).Msg("Worker install failed")
			return fmt.Errorf("install %s: %w", w.Version(), err)
		}
		log.Debug().Msg("Worker superseded during install")
		return nil
	}
	v.state = StateInstalled
	if reg.active != nil && !v.skipWaiting {
		if reg.waiting != nil {
			reg.waiting.state = StateRedundant
			close(reg.waiting.activated)
		}
		reg.waiting = v
		reg.mutex.Unlock()
		log.Info().Msg("Worker installed and waiting")
		return nil
	}
	reg.mutex.Unlock()

	reg.activate(ctx, v)
	return nil
}

// SkipWaiting activates the waiting worker, if there is one.
func (reg *Registration) SkipWaiting(ctx context.Context) bool {
	reg.mutex.Lock()
	v := reg.waiting
	reg.mutex.Unlock()
	if v == nil {
		return false
	}
	reg.activate(ctx, v)
	return true
}

func (reg *Registration) activate(ctx context.Context, v *version) {
	log := reg.log.With().Str("version", v.worker.Version()).Logger()

	reg.mutex.Lock()
	if v.state != StateInstalled {
		reg.mutex.Unlock()
		return
	}
	if reg.waiting == v {
		reg.waiting = nil
	}
	if old := reg.active; old != nil {
		old.state = StateRedundant
		log.Debug().Str("previous", old.worker.Version()).Msg("Replacing active worker")
	}
	reg.active = v
	v.state = StateActivating
	reg.mutex.Unlock()

	log.Debug().Msg("Activating worker")
	if err := v.worker.Activate(ctx, &host{reg: reg, v: v}); err != nil {
		// the worker stays in place; there is no previous version to go back to
		log.Error().Err(err).Msg("Worker activation failed")
	}

	reg.mutex.Lock()
	if v.state == StateActivating {
		v.state = StateActivated
	}
	reg.mutex.Unlock()
	close(v.activated)
	log.Info().Msg("Worker activated")
}

// Status returns a snapshot of the registration.
func (reg *Registration) Status() Status {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	s := Status{Controlled: reg.controlled}
	if reg.active != nil {
		s.Active = reg.active.worker.Version()
		s.ActiveState = reg.active.state.String()
	}
	if reg.waiting != nil {
		s.Waiting = reg.waiting.worker.Version()
	}
	if reg.installing != nil {
		s.Installing = reg.installing.worker.Version()
	}
	return s
}

// ServeHTTP dispatches the request to the worker in control,
// or to the network when there is none.
func (reg *Registration) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reg.mutex.Lock()
	v := reg.active
	controlled := reg.controlled
	reg.mutex.Unlock()

	if v == nil || !controlled {
		reg.network.ServeHTTP(w, r)
		return
	}
	// fetches are held back until the worker is activated
	select {
	case <-v.activated:
	case <-r.Context().Done():
		return
	}
	v.worker.ServeHTTP(w, r)
}

type host struct {
	reg *Registration
	v   *version
}

func (h *host) SkipWaiting() {
	h.reg.mutex.Lock()
	h.v.skipWaiting = true
	promote := h.reg.waiting == h.v
	h.reg.mutex.Unlock()
	if promote {
		go h.reg.activate(context.Background(), h.v)
	}
}

func (h *host) Claim() {
	h.reg.mutex.Lock()
	defer h.reg.mutex.Unlock()
	if h.reg.active == h.v {
		h.reg.controlled = true
	}
}
