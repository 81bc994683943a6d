package chatws

import "time"

type (
	timer interface {
		Stop() bool
	}

	clock interface {
		Now() time.Time
		AfterFunc(d time.Duration, f func()) timer
	}

	realClock struct{}
)

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

func stopTimer(t timer) {
	if t != nil {
		t.Stop()
	}
}
