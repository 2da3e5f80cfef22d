package engine

import "time"

// Interest is the readiness an I/O Source wants to be woken for (spec.md
// §9 "Event-loop-bound callbacks": "an I/O source has (fd, interest mask,
// on_ready)").
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Source is a readiness-driven collaborator the loop dispatches to
// synchronously. Real file descriptors are fed into the loop by a small
// reader goroutine per source (idiomatic Go's substitute for libev's
// single-threaded readiness poll: the goroutine only blocks in the kernel
// read call and never touches Context state itself); dispatch of the
// resulting event back into Context happens from the one loop goroutine,
// preserving spec.md §5's "no callback preempts another" guarantee at the
// state-mutation boundary.
type Source interface {
	// Name identifies the source for logging/metrics.
	Name() string
	// Interest reports which readiness this source currently wants.
	Interest() Interest
}

// TimerSource fires on_fire every period, starting after the first period
// elapses (spec.md §9's timer source: "(next_deadline, period, on_fire)").
type TimerSource struct {
	name   string
	period time.Duration
	onFire func(now time.Time)
}

// NewTimerSource constructs a periodic timer collaborator.
func NewTimerSource(name string, period time.Duration, onFire func(now time.Time)) *TimerSource {
	return &TimerSource{name: name, period: period, onFire: onFire}
}

func (t *TimerSource) Name() string        { return t.name }
func (t *TimerSource) Period() time.Duration { return t.period }
func (t *TimerSource) Fire(now time.Time)  { t.onFire(now) }
