package transition

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrTimerArm is returned (wrapped) by an Armer that could not create a timer.
// The scheduler retries with backoff.
var ErrTimerArm = errors.New("transition: timer arm failed")

// Armer creates the single wake-up timer of the scheduler.
type Armer interface {
	Arm(d time.Duration) (*clock.Timer, error)
}

// ClockArmer arms timers on a clock.Clock.
type ClockArmer struct {
	Clock clock.Clock
}

func (a ClockArmer) Arm(d time.Duration) (*clock.Timer, error) {
	if a.Clock == nil {
		return nil, fmt.Errorf("%w: no clock", ErrTimerArm)
	}
	if d < 0 {
		d = 0
	}
	return a.Clock.Timer(d), nil
}

// ArmerFunc adapts a function to Armer.
type ArmerFunc func(d time.Duration) (*clock.Timer, error)

func (f ArmerFunc) Arm(d time.Duration) (*clock.Timer, error) { return f(d) }
