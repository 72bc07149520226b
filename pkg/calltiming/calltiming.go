// Package calltiming implements the timing and timeout system: per-phase
// deadlines multiplexed with the overall and per-call budgets onto every
// blocking I/O call.
package calltiming

import (
	"time"

	"github.com/arkveil/httpcore/pkg/errors"
)

// Phase names a blocking point in the protocol state machine. Each phase maps
// to the errors.TimeoutReason of the same name; the Global and PerCall
// reasons have no phase of their own.
type Phase string

const (
	PhaseResolve      Phase = "resolve"
	PhaseConnect      Phase = "connect"
	PhaseSendRequest  Phase = "send_request"
	PhaseAwait100     Phase = "await_100"
	PhaseSendBody     Phase = "send_body"
	PhaseRecvResponse Phase = "recv_response"
	PhaseRecvBody     Phase = "recv_body"
)

// notHappening is the "infinity" sentinel: a duration so large it is never
// reached by time.Now().Add, used whenever a slot is unset (unset means
// infinite).
const notHappening = time.Duration(1<<63 - 1)

// Timeouts mirrors the agent's configured deadlines: each slot is either a
// positive duration or zero, meaning unset/infinite.
type Timeouts struct {
	Global       time.Duration
	PerCall      time.Duration
	Resolve      time.Duration
	Connect      time.Duration
	SendRequest  time.Duration
	Await100     time.Duration
	SendBody     time.Duration
	RecvResponse time.Duration
	RecvBody     time.Duration
}

func (t Timeouts) forPhase(p Phase) time.Duration {
	switch p {
	case PhaseResolve:
		return t.Resolve
	case PhaseConnect:
		return t.Connect
	case PhaseSendRequest:
		return t.SendRequest
	case PhaseAwait100:
		return t.Await100
	case PhaseSendBody:
		return t.SendBody
	case PhaseRecvResponse:
		return t.RecvResponse
	case PhaseRecvBody:
		return t.RecvBody
	default:
		return 0
	}
}

func (p Phase) reason() errors.TimeoutReason {
	switch p {
	case PhaseResolve:
		return errors.ReasonResolve
	case PhaseConnect:
		return errors.ReasonConnect
	case PhaseSendRequest:
		return errors.ReasonSendRequest
	case PhaseAwait100:
		return errors.ReasonAwait100
	case PhaseSendBody:
		return errors.ReasonSendBody
	case PhaseRecvResponse:
		return errors.ReasonRecvResponse
	case PhaseRecvBody:
		return errors.ReasonRecvBody
	default:
		return errors.ReasonPerCall
	}
}

// CallTimings records phase-entry instants and the agent's Timeouts for one
// HTTP call (which may span several redirect iterations).
type CallTimings struct {
	Timeouts Timeouts

	globalStart  time.Time
	perCallStart time.Time

	phaseEntry map[Phase]time.Time
	phaseSpent map[Phase]time.Duration
}

// New starts a CallTimings with both the global and per-call clocks running
// from now.
func New(t Timeouts) *CallTimings {
	now := time.Now()
	return &CallTimings{
		Timeouts:     t,
		globalStart:  now,
		perCallStart: now,
		phaseEntry:   make(map[Phase]time.Time),
		phaseSpent:   make(map[Phase]time.Duration),
	}
}

// ResetPerCall restarts the per-call clock, used when a redirect begins a new
// call, while preserving the global clock.
func (c *CallTimings) ResetPerCall() {
	c.perCallStart = time.Now()
}

// EnterPhase marks the current instant as this phase's entry time.
func (c *CallTimings) EnterPhase(p Phase) {
	c.phaseEntry[p] = time.Now()
}

// ExitPhase accumulates the time spent since EnterPhase was last called for p.
func (c *CallTimings) ExitPhase(p Phase) {
	if start, ok := c.phaseEntry[p]; ok {
		c.phaseSpent[p] += time.Since(start)
	}
}

// Spent returns the accumulated time spent in phase p so far.
func (c *CallTimings) Spent(p Phase) time.Duration {
	return c.phaseSpent[p]
}

// GlobalRemaining returns the time left before the global deadline, or
// notHappening if unset.
func (c *CallTimings) GlobalRemaining() time.Duration {
	if c.Timeouts.Global <= 0 {
		return notHappening
	}
	return c.Timeouts.Global - time.Since(c.globalStart)
}

// PerCallRemaining returns the time left before the per-call deadline, or
// notHappening if unset.
func (c *CallTimings) PerCallRemaining() time.Duration {
	if c.Timeouts.PerCall <= 0 {
		return notHappening
	}
	return c.Timeouts.PerCall - time.Since(c.perCallStart)
}

// NextTimeout returns the minimum of the phase-specific remaining time and
// the global/per-call remaining time, paired with the reason that wins.
// A returned duration <= 0 means the deadline has already elapsed — callers
// must treat that as an immediate Timeout error.
func (c *CallTimings) NextTimeout(p Phase) (time.Duration, errors.TimeoutReason) {
	best := notHappening
	reason := errors.TimeoutReason("")

	if phaseTimeout := c.Timeouts.forPhase(p); phaseTimeout > 0 {
		remaining := phaseTimeout - c.phaseSpent[p]
		best = remaining
		reason = p.reason()
	}

	if perCall := c.PerCallRemaining(); perCall < best {
		best = perCall
		reason = errors.ReasonPerCall
	}

	if global := c.GlobalRemaining(); global < best {
		best = global
		reason = errors.ReasonGlobal
	}

	if reason == "" {
		return notHappening, ""
	}
	return best, reason
}

// GlobalElapsed reports whether the global deadline has already passed, used
// at the top of the redirect loop.
func (c *CallTimings) GlobalElapsed() bool {
	return c.Timeouts.Global > 0 && c.GlobalRemaining() <= 0
}

// TimeoutError builds the structured error for a NextTimeout result.
func TimeoutError(waited time.Duration, reason errors.TimeoutReason) *errors.Error {
	return errors.NewTimeout(reason, waited)
}
