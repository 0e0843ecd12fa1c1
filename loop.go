// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package messenger

import "time"

// An EventLoop reports descriptor readiness to callbacks. The eventloop
// package provides an implementation.
//
// Callbacks must be invoked on the goroutine that owns the Messenger, and an
// implementation may deliver spurious readiness.
type EventLoop interface {
	// Register adds fd with read interest enabled and write interest
	// disabled.
	Register(fd int, onReadable, onWritable func(fd int)) error

	// SetInterest updates which readiness conditions are reported for fd.
	SetInterest(fd int, readable, writable bool) error

	// Deregister removes fd. No further callbacks may be made for it.
	Deregister(fd int) error
}

// Timers schedules deferred work. Each timer is identified by a comparable
// key; scheduling a key that is already pending replaces the earlier timer.
type Timers interface {
	After(d time.Duration, key any, f func())
	Every(d time.Duration, key any, f func())
	Cancel(key any) bool
}

// A Runner runs one iteration of an event loop, waiting at most timeout.
type Runner interface {
	RunOnce(timeout time.Duration) error
}

// timerKey identifies the timers scheduled by a Messenger.
type timerKey struct {
	name string
	arg  any
}
