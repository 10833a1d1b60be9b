package kv_bitcask

import "time"

type Clock interface {
	Now() time.Time
}

var _ Clock = new(RealClock)

type RealClock struct {
}

func NewRealClock() Clock {
	return &RealClock{}
}

func (r *RealClock) Now() time.Time {
	return time.Now()
}

var _ Clock = ClockFunc(nil)

// ClockFunc adapts a function to a Clock, handy for pinning record timestamps.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}
