// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package eventloop implements a single-threaded readiness loop over Linux
// epoll, with one-shot and periodic timers.
//
// A Loop dispatches descriptor readiness and timer expirations to callbacks
// on whichever goroutine is currently running it, one callback at a time.
// Other goroutines may hand work to the loop with Do or Sync; all other
// methods must be called from callbacks or from the goroutine driving the
// loop.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/mds/heapq"
	"golang.org/x/sys/unix"
)

// ErrClosed is reported by operations on a loop after Close.
var ErrClosed = errors.New("event loop is closed")

// A Loop is an epoll based event loop. Use New to construct one.
type Loop struct {
	epfd   int
	wakefd int // eventfd used to interrupt a blocked wait

	μ      sync.Mutex
	queued []func() // work submitted by Do
	closed bool

	fds    map[int]*watch
	timers *heapq.Queue[*timer]
	keys   map[any]*timer
	seq    uint64
	events []unix.EpollEvent
}

type watch struct {
	fd       int
	onRead   func(int)
	onWrite  func(int)
	readable bool
	writable bool
}

func (w *watch) mask() uint32 {
	var m uint32
	if w.readable {
		m |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if w.writable {
		m |= unix.EPOLLOUT
	}
	return m
}

type timer struct {
	key    any
	when   time.Time
	period time.Duration // zero for one-shot timers
	seq    uint64        // tiebreak for equal deadlines
	f      func()
	dead   bool
}

func compareTimers(a, b *timer) int {
	if c := a.when.Compare(b.when); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

// New constructs a new empty event loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	}); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("register wakeup: %w", err)
	}
	return &Loop{
		epfd:   epfd,
		wakefd: wakefd,
		fds:    make(map[int]*watch),
		timers: heapq.New(compareTimers),
		keys:   make(map[any]*timer),
		events: make([]unix.EpollEvent, 64),
	}, nil
}

// Register adds fd to the loop with read interest enabled and write interest
// disabled. When fd is ready, onReadable or onWritable is called with fd.
// Either callback may be nil.
func (l *Loop) Register(fd int, onReadable, onWritable func(fd int)) error {
	if _, ok := l.fds[fd]; ok {
		return fmt.Errorf("register fd %d: already registered", fd)
	}
	w := &watch{fd: fd, onRead: onReadable, onWrite: onWritable, readable: true}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: w.mask(),
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("register fd %d: %w", fd, err)
	}
	l.fds[fd] = w
	return nil
}

// SetInterest updates the readiness conditions reported for fd.
func (l *Loop) SetInterest(fd int, readable, writable bool) error {
	w, ok := l.fds[fd]
	if !ok {
		return fmt.Errorf("set interest fd %d: not registered", fd)
	}
	if w.readable == readable && w.writable == writable {
		return nil
	}
	w.readable, w.writable = readable, writable
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: w.mask(),
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("set interest fd %d: %w", fd, err)
	}
	return nil
}

// Deregister removes fd from the loop. No further callbacks are made for fd,
// even if it was reported ready in the current iteration. The caller remains
// responsible for closing fd.
func (l *Loop) Deregister(fd int) error {
	if _, ok := l.fds[fd]; !ok {
		return fmt.Errorf("deregister fd %d: not registered", fd)
	}
	delete(l.fds, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("deregister fd %d: %w", fd, err)
	}
	return nil
}

// Watching reports the number of descriptors registered with l.
func (l *Loop) Watching() int { return len(l.fds) }

// After arranges for f to be called once, after at least d has elapsed.
// Any timer already scheduled with the same key is replaced. The key must be
// comparable.
func (l *Loop) After(d time.Duration, key any, f func()) { l.schedule(d, 0, key, f) }

// Every arranges for f to be called every d until the timer with the given
// key is cancelled or replaced. It panics if d <= 0.
func (l *Loop) Every(d time.Duration, key any, f func()) {
	if d <= 0 {
		panic("eventloop: non-positive timer period")
	}
	l.schedule(d, d, key, f)
}

// Cancel cancels the timer with the given key, and reports whether such a
// timer was pending.
func (l *Loop) Cancel(key any) bool {
	t, ok := l.keys[key]
	if ok {
		t.dead = true
		delete(l.keys, key)
	}
	return ok
}

// Pending reports whether a timer with the given key is scheduled.
func (l *Loop) Pending(key any) bool {
	_, ok := l.keys[key]
	return ok
}

func (l *Loop) schedule(d, period time.Duration, key any, f func()) {
	l.Cancel(key)
	l.seq++
	t := &timer{
		key:    key,
		when:   time.Now().Add(d),
		period: period,
		seq:    l.seq,
		f:      f,
	}
	l.keys[key] = t
	l.timers.Add(t)
}

// Do arranges for f to be called on the loop goroutine during the next
// iteration. It is safe to call Do from any goroutine. Do reports ErrClosed
// if l has been closed.
func (l *Loop) Do(f func()) error {
	l.μ.Lock()
	if l.closed {
		l.μ.Unlock()
		return ErrClosed
	}
	l.queued = append(l.queued, f)
	l.μ.Unlock()
	l.wake()
	return nil
}

// Sync calls f on the loop goroutine and blocks until it returns or ctx
// ends. Sync must not be called from the loop goroutine.
func (l *Loop) Sync(ctx context.Context, f func()) error {
	done := make(chan struct{})
	if err := l.Do(func() { defer close(done); f() }); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (l *Loop) wake() {
	var one = [8]byte{7: 1}
	unix.Write(l.wakefd, one[:]) // EAGAIN means a wakeup is already pending
}

func (l *Loop) drainWake() {
	var buf [8]byte
	unix.Read(l.wakefd, buf[:])
}

// RunOnce runs a single iteration of the loop. It waits at most timeout for
// a descriptor to become ready or a timer to expire; a negative timeout
// waits until one of those happens or Do is called. It then runs queued
// work, readiness callbacks, and expired timers, in that order.
func (l *Loop) RunOnce(timeout time.Duration) error {
	l.μ.Lock()
	closed, busy := l.closed, len(l.queued) != 0
	l.μ.Unlock()
	if closed {
		return ErrClosed
	}

	msec := -1
	if timeout >= 0 {
		msec = durationToMsec(timeout)
	}
	if t, ok := l.nextTimer(); ok {
		if wait := durationToMsec(time.Until(t.when)); msec < 0 || wait < msec {
			msec = wait
		}
	}
	if busy {
		msec = 0
	}

	n, err := unix.EpollWait(l.epfd, l.events, msec)
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("epoll wait: %w", err)
		}
		n = 0
	}

	l.runQueued()
	for _, ev := range l.events[:n] {
		fd := int(ev.Fd)
		if fd == l.wakefd {
			l.drainWake()
			continue
		}
		w, ok := l.fds[fd]
		if !ok {
			continue // deregistered by an earlier callback
		}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 && w.onRead != nil {
			w.onRead(fd)
		} else if ev.Events&unix.EPOLLOUT != 0 && w.onWrite != nil {
			w.onWrite(fd)
		}
	}
	l.runTimers(time.Now())
	return nil
}

// Run runs the loop until ctx ends or an iteration fails. Run reports nil
// when ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.wake)
	defer stop()
	for ctx.Err() == nil {
		if err := l.RunOnce(-1); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the descriptors held by l. Descriptors registered by the
// caller are not closed. Close must not be called while l is running.
func (l *Loop) Close() error {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.queued = nil
	clear(l.fds)
	clear(l.keys)
	return errors.Join(unix.Close(l.wakefd), unix.Close(l.epfd))
}

func (l *Loop) runQueued() {
	l.μ.Lock()
	work := l.queued
	l.queued = nil
	l.μ.Unlock()
	for _, f := range work {
		f()
	}
}

// nextTimer returns the earliest live timer, discarding cancelled ones.
func (l *Loop) nextTimer() (*timer, bool) {
	for {
		t, ok := l.timers.Peek(0)
		if !ok {
			return nil, false
		} else if !t.dead {
			return t, true
		}
		l.timers.Pop()
	}
}

func (l *Loop) runTimers(now time.Time) {
	// Timers added by callbacks during this pass wait for the next iteration,
	// even if they are already due.
	limit := l.seq
	var requeue []*timer
	for {
		t, ok := l.nextTimer()
		if !ok || t.when.After(now) {
			break
		}
		l.timers.Pop()
		if t.seq > limit {
			requeue = append(requeue, t)
			continue
		}
		if t.period > 0 {
			l.seq++
			next := &timer{key: t.key, when: now.Add(t.period), period: t.period, seq: l.seq, f: t.f}
			l.keys[t.key] = next
			requeue = append(requeue, next)
		} else {
			delete(l.keys, t.key)
		}
		t.f()
	}
	for _, t := range requeue {
		if !t.dead {
			l.timers.Add(t)
		}
	}
}

func durationToMsec(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	// Round up so a short wait does not spin.
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
