// Package pipeline drives a request through admission and forwarding.
package pipeline

import (
	"fmt"
	"time"

	"github.com/retailedge/gateway/internal/auth"
	"github.com/retailedge/gateway/internal/router"
)

// State is a request's position in the admission pipeline.
type State string

// Pipeline states, in forward order. Failed is reachable from every
// non-terminal state; Completed only from Forwarding.
const (
	StateReceived            State = "received"
	StateCorrelationAssigned State = "correlation_assigned"
	StateAuthenticating      State = "authenticating"
	StateAuthenticated       State = "authenticated"
	StateRateChecking        State = "rate_checking"
	StateRateAllowed         State = "rate_allowed"
	StateRouting             State = "routing"
	StateForwarding          State = "forwarding"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

// transitions lists the legal forward moves. Failed is implicit. Allow-listed
// routes skip authentication, moving straight to rate checking.
var transitions = map[State][]State{
	StateReceived:            {StateCorrelationAssigned},
	StateCorrelationAssigned: {StateAuthenticating, StateRateChecking},
	StateAuthenticating:      {StateAuthenticated},
	StateAuthenticated:       {StateRateChecking},
	StateRateChecking:        {StateRateAllowed},
	StateRateAllowed:         {StateRouting},
	StateRouting:             {StateForwarding},
	StateForwarding:          {StateCompleted},
}

// Terminal reports whether the state ends the pipeline.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Request tracks one request's progress through the pipeline. It is owned by
// a single goroutine and never shared.
type Request struct {
	State         State
	CorrelationID string
	ClientIP      string
	Route         *router.Route
	Claims        *auth.Claims
	StartTime     time.Time

	// FailureStage records the state at which the request failed.
	FailureStage State
}

// NewRequest creates a pipeline request in the Received state.
func NewRequest(start time.Time) *Request {
	return &Request{
		State:     StateReceived,
		StartTime: start,
	}
}

// Advance moves the request to the next state, enforcing pipeline order.
func (r *Request) Advance(to State) error {
	if r.State.Terminal() {
		return fmt.Errorf("pipeline: request already terminal in state %s", r.State)
	}

	for _, next := range transitions[r.State] {
		if next == to {
			r.State = to
			return nil
		}
	}

	return fmt.Errorf("pipeline: illegal transition %s -> %s", r.State, to)
}

// Fail marks the request failed, remembering where it was.
func (r *Request) Fail() {
	r.FailAt(r.State)
}

// FailAt marks the request failed, attributing the failure to the given
// stage. Used when a check runs ahead of its nominal stage, such as the
// route lookup that precedes authentication.
func (r *Request) FailAt(stage State) {
	if !r.State.Terminal() {
		r.FailureStage = stage
		r.State = StateFailed
	}
}

// ClientID is the identity rate limiting keys on: the authenticated subject
// when present, otherwise the client IP.
func (r *Request) ClientID() string {
	if r.Claims != nil && r.Claims.Subject != "" {
		return r.Claims.Subject
	}
	return r.ClientIP
}

// RouteName returns the matched route name, or "unmatched".
func (r *Request) RouteName() string {
	if r.Route != nil {
		return r.Route.Name
	}
	return "unmatched"
}
