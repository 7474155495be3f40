// Package sampler holds the state machine of the frame sampling loop. It has
// no goroutines or timers of its own: the session drives it from its event
// queue and performs the rendering, submission and rescheduling it decides.
package sampler

import (
	"math"
	"time"

	iface "DetMonitor/interface"
)

type State int

const (
	Stopped State = iota
	Scheduled
	AwaitingResponse
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case AwaitingResponse:
		return "awaiting_response"
	default:
		return "stopped"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Decision is what a tick asks the session to do.
type Decision int

const (
	// Idle: the tick is stale or the loop is stopped, do nothing.
	Idle Decision = iota
	// WaitFrame: no frame yet, try again after the frame wait.
	WaitFrame
	// RenderOnly: draw the last detections over the newest frame and retry after the backoff.
	RenderOnly
	// Submit: draw, then submit the frame.
	Submit
)

type Kind int

const (
	KindLive Kind = iota
	KindStatic
)

// Ticket identifies one submitted request.
type Ticket struct {
	Gen     uint64
	Seq     uint64
	Kind    Kind
	Started time.Time
}

type Outcome struct {
	// Applied is set when the response replaced the last detections.
	Applied bool
	// Stale is set when the response belongs to an older generation.
	Stale bool
	// Reschedule asks for an immediate tick.
	Reschedule bool
}

type Stats struct {
	Submitted uint64 `json:"submitted"`
	Applied   uint64 `json:"applied"`
	Failed    uint64 `json:"failed"`
	Stale     uint64 `json:"stale"`
}

type Loop struct {
	armed bool
	gen   uint64
	token uint64

	inflight    bool
	inflightSeq uint64
	seq         uint64

	last        iface.DetectionSet
	fps         int
	lastSuccess time.Time
	stats       Stats
}

func New() *Loop {
	return &Loop{}
}

func (l *Loop) State() State {
	switch {
	case !l.armed:
		return Stopped
	case l.inflight:
		return AwaitingResponse
	default:
		return Scheduled
	}
}

func (l *Loop) Armed() bool { return l.armed }
func (l *Loop) Gen() uint64 { return l.gen }
func (l *Loop) InFlight() bool { return l.inflight }
func (l *Loop) FPS() int { return l.fps }
func (l *Loop) Stats() Stats { return l.stats }

// Detections is the last-known-good set.
func (l *Loop) Detections() iface.DetectionSet { return l.last }

// Arm starts a new generation of live sampling. The throughput clock starts now.
func (l *Loop) Arm(now time.Time) {
	l.gen++
	l.armed = true
	l.fps = 0
	l.lastSuccess = now
}

// Disarm stops sampling and invalidates every outstanding ticket and tick.
// A request still on the wire keeps counting as in flight until it completes.
func (l *Loop) Disarm() {
	l.gen++
	l.token++
	l.armed = false
	l.fps = 0
}

// Reset drops the last detections.
func (l *Loop) Reset() {
	l.last = nil
}

// Schedule returns the token of the next tick; scheduling supersedes any tick
// still pending so ticks never overlap.
func (l *Loop) Schedule() uint64 {
	l.token++
	return l.token
}

func (l *Loop) Tick(token uint64, frameReady bool) Decision {
	if !l.armed || token != l.token {
		return Idle
	}
	if !frameReady {
		return WaitFrame
	}
	if l.inflight {
		return RenderOnly
	}
	return Submit
}

// Begin marks a request in flight. It refuses while another one is outstanding.
func (l *Loop) Begin(kind Kind, now time.Time) (Ticket, bool) {
	if l.inflight {
		return Ticket{}, false
	}
	l.seq++
	l.inflight = true
	l.inflightSeq = l.seq
	l.stats.Submitted++
	return Ticket{Gen: l.gen, Seq: l.seq, Kind: kind, Started: now}, true
}

// Complete settles a ticket. Detections change only for a successful response
// of the current generation; live successes also refresh the throughput as
// round(1000 / ms since the previous success).
func (l *Loop) Complete(t Ticket, set iface.DetectionSet, err error, now time.Time) Outcome {
	if l.inflight && t.Seq == l.inflightSeq {
		l.inflight = false
	}
	if t.Gen != l.gen {
		l.stats.Stale++
		return Outcome{Stale: true, Reschedule: l.armed}
	}
	if err != nil {
		l.stats.Failed++
		return Outcome{Reschedule: l.armed}
	}
	l.last = set
	l.stats.Applied++
	if t.Kind == KindLive {
		if ms := float64(now.Sub(l.lastSuccess)) / float64(time.Millisecond); ms > 0 {
			l.fps = int(math.Round(1000 / ms))
		}
		l.lastSuccess = now
	}
	return Outcome{Applied: true, Reschedule: l.armed}
}
