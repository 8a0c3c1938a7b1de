package voice

import "time"

// Timer is a pending silence countdown.
type Timer interface {
	Stop() bool
}

// Clock arms silence timers. The callback runs on a goroutine owned by the clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock arms timers with time.AfterFunc.
type SystemClock struct{}

// AfterFunc implements Clock.
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
