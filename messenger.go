// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package messenger

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"slices"
	"time"

	"github.com/creachadair/messenger/txn"
	"github.com/rs/zerolog"
)

// A Messenger sends and receives framed messages for named services over
// Unix-domain sockets. Use New to construct one.
//
// A Messenger is driven by an event loop and is not safe for concurrent use:
// all its methods, and all callbacks it invokes, must run on the goroutine
// that drives the loop. Other goroutines can submit work to that goroutine,
// for example with eventloop.Loop.Do.
type Messenger struct {
	loop   EventLoop
	timers Timers
	log    zerolog.Logger

	workDir     string
	prefix      string
	sendCap     int
	recvCap     int
	bucket      int
	maxFrame    int
	backoffUnit time.Duration
	maxShift    int
	aging       time.Duration
	force       bool
	onTimeout   func(any)

	recv   map[string]*recvChannel
	send   map[string]*sendChannel
	txns   *txn.Table
	nextCB CallbackID

	started   bool
	finalized bool

	metrics *messengerMetrics
	elog    EventLogger
}

// New constructs a new unstarted Messenger that uses loop for descriptor
// readiness and timers for deferred work. A nil opts provides defaults.
//
// Receive channels and send channels may be created before Start, but queued
// frames are not written and outstanding requests are not aged until the
// messenger is started.
func New(loop EventLoop, timers Timers, opts *Options) (*Messenger, error) {
	if loop == nil || timers == nil {
		return nil, errors.New("messenger: nil event loop or timers")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	m := &Messenger{
		loop:        loop,
		timers:      timers,
		log:         opts.logger(),
		workDir:     opts.workDir(),
		prefix:      opts.prefix(),
		sendCap:     opts.sendBufferSize(),
		recvCap:     opts.recvBufferSize(),
		bucket:      opts.bucketSize(),
		maxFrame:    opts.maxFrameSize(),
		backoffUnit: opts.backoffUnit(),
		maxShift:    opts.maxBackoffShift(),
		aging:       opts.agingInterval(),
		force:       opts.forceBuffers(),
		onTimeout:   opts.onRequestTimeout(),
		recv:        make(map[string]*recvChannel),
		send:        make(map[string]*sendChannel),
		txns:        txn.New(opts.transactionLife()),
		metrics:     newMessengerMetrics(),
	}
	m.log.Debug().Str("dir", m.workDir).Str("prefix", m.prefix).Msg("messenger initialized")
	return m, nil
}

func (m *Messenger) agingKey() timerKey { return timerKey{"age", m} }

// Start starts aging outstanding requests and writing queued frames.
// Calling Start on a started messenger has no effect.
func (m *Messenger) Start() error {
	if m.finalized {
		return ErrFinalized
	} else if m.started {
		return nil
	}
	m.started = true
	m.timers.Every(m.aging, m.agingKey(), m.ageTransactions)
	for _, s := range m.send {
		s.updateInterest()
	}
	m.log.Debug().Msg("messenger started")
	return nil
}

// Stop stops aging and writing until the next call to Start. Channels and
// queued frames are retained.
func (m *Messenger) Stop() {
	if !m.started {
		return
	}
	m.started = false
	m.timers.Cancel(m.agingKey())
	for _, s := range m.send {
		s.updateInterest()
	}
	m.log.Debug().Msg("messenger stopped")
}

// Finalize tears down every channel, discards queued frames and outstanding
// requests, and removes the socket files of all receive channels. After
// Finalize, other methods report ErrFinalized. Calling Finalize more than
// once logs a warning and has no other effect.
func (m *Messenger) Finalize() error {
	if m.finalized {
		m.log.Warn().Msg("messenger already finalized")
		return nil
	}
	m.Stop()
	for _, name := range m.ReceiveServices() {
		m.recv[name].close()
	}
	for _, name := range m.SendServices() {
		m.send[name].close()
	}
	m.txns.Clear()
	m.metrics.txPending.Set(0)
	m.finalized = true
	m.log.Debug().Msg("messenger finalized")
	return nil
}

// Metrics returns the metrics map for m. It is safe for the caller to add
// additional metrics to the map.
func (m *Messenger) Metrics() *expvar.Map { return m.metrics.emap }

func (m *Messenger) check(service string) error {
	if m.finalized {
		return ErrFinalized
	}
	return checkServiceName(service)
}

// sendChannel returns the send channel for service, creating it if needed.
func (m *Messenger) sendChannel(service string) (*sendChannel, error) {
	if s, ok := m.send[service]; ok {
		return s, nil
	}
	return m.newSendChannel(service)
}

// Send queues a NOTIFY frame with the given tag and payload for service.
// Send does not block: if the service is not reachable the frame is held
// until it is, and if the queue for service is full Send reports
// ErrOverflow and drops the frame.
func (m *Messenger) Send(service string, tag uint16, data []byte) error {
	if err := m.check(service); err != nil {
		return err
	}
	s, err := m.sendChannel(service)
	if err != nil {
		return fmt.Errorf("send to %q: %w", service, err)
	}
	if err := s.enqueue(Notify, tag, data); err != nil {
		return fmt.Errorf("send to %q: %w", service, err)
	}
	return nil
}

// SendRequest queues a REQUEST frame for service to, and records userData
// for the reply. The reply is delivered to the reply callbacks of service
// from, with userData. If no reply arrives within the transaction lifetime
// the request is forgotten.
func (m *Messenger) SendRequest(to, from string, tag uint16, data []byte, userData any) error {
	if err := m.check(to); err != nil {
		return err
	} else if err := checkServiceName(from); err != nil {
		return err
	}
	s, err := m.sendChannel(to)
	if err != nil {
		return fmt.Errorf("request to %q: %w", to, err)
	}
	e, stale := m.txns.Insert(userData)
	if stale != nil {
		m.log.Warn().Uint32("txid", stale.ID).Msg("transaction ID reused; dropped stale request")
	}
	h := Handle{TransactionID: e.ID, Service: from}
	if err := s.enqueue(Request, tag, h.Encode(), data); err != nil {
		m.txns.Delete(e)
		return fmt.Errorf("request to %q: %w", to, err)
	}
	m.metrics.txPending.Set(int64(m.txns.Len()))
	m.log.Debug().Str("service", to).Str("from", from).Uint32("txid", e.ID).Uint16("tag", tag).Msg("request queued")
	return nil
}

// SendReply queues a REPLY frame answering the request identified by h.
func (m *Messenger) SendReply(h Handle, tag uint16, data []byte) error {
	if err := m.check(h.Service); err != nil {
		return err
	}
	s, err := m.sendChannel(h.Service)
	if err != nil {
		return fmt.Errorf("reply to %q: %w", h.Service, err)
	}
	rh := Handle{TransactionID: h.TransactionID}
	if err := s.enqueue(Reply, tag, rh.Encode(), data); err != nil {
		return fmt.Errorf("reply to %q: %w", h.Service, err)
	}
	return nil
}

// AddNotifyCallback registers f to receive NOTIFY frames sent to service,
// creating the receive channel for service if necessary.
func (m *Messenger) AddNotifyCallback(service string, f NotifyFunc) (CallbackID, error) {
	return m.addCallback(service, &recvCallback{kind: Notify, notify: f}, f == nil)
}

// AddRequestCallback registers f to receive REQUEST frames sent to service,
// creating the receive channel for service if necessary.
func (m *Messenger) AddRequestCallback(service string, f RequestFunc) (CallbackID, error) {
	return m.addCallback(service, &recvCallback{kind: Request, request: f}, f == nil)
}

// AddReplyCallback registers f to receive REPLY frames sent to service,
// creating the receive channel for service if necessary.
func (m *Messenger) AddReplyCallback(service string, f ReplyFunc) (CallbackID, error) {
	return m.addCallback(service, &recvCallback{kind: Reply, reply: f}, f == nil)
}

func (m *Messenger) addCallback(service string, cb *recvCallback, isNil bool) (CallbackID, error) {
	if err := m.check(service); err != nil {
		return 0, err
	} else if isNil {
		return 0, fmt.Errorf("add %v callback for %q: nil callback", cb.kind, service)
	}
	r, ok := m.recv[service]
	if !ok {
		var err error
		r, err = m.newRecvChannel(service)
		if err != nil {
			return 0, fmt.Errorf("add %v callback for %q: %w", cb.kind, service, err)
		}
	}
	m.nextCB++
	cb.id = m.nextCB
	r.addCallback(cb)
	m.log.Debug().Str("service", service).Stringer("kind", cb.kind).Uint64("id", uint64(cb.id)).Msg("callback added")
	return cb.id, nil
}

// DeleteNotifyCallback removes the NOTIFY callback with the given ID from
// service. Removing the last callback of any kind closes the receive channel
// for service.
func (m *Messenger) DeleteNotifyCallback(service string, id CallbackID) error {
	return m.deleteCallback(service, Notify, id)
}

// DeleteRequestCallback removes the REQUEST callback with the given ID from
// service. Removing the last callback of any kind closes the receive channel
// for service.
func (m *Messenger) DeleteRequestCallback(service string, id CallbackID) error {
	return m.deleteCallback(service, Request, id)
}

// DeleteReplyCallback removes the REPLY callback with the given ID from
// service. Removing the last callback of any kind closes the receive channel
// for service.
func (m *Messenger) DeleteReplyCallback(service string, id CallbackID) error {
	return m.deleteCallback(service, Reply, id)
}

func (m *Messenger) deleteCallback(service string, kind Kind, id CallbackID) error {
	if err := m.check(service); err != nil {
		return err
	}
	r, ok := m.recv[service]
	if !ok {
		return fmt.Errorf("delete %v callback for %q: %w", kind, service, ErrNoChannel)
	}
	if !r.deleteCallback(kind, id) {
		return fmt.Errorf("delete %v callback %d for %q: %w", kind, id, service, ErrNoCallback)
	}
	m.log.Debug().Str("service", service).Stringer("kind", kind).Uint64("id", uint64(id)).Msg("callback deleted")
	if len(r.cbs) == 0 {
		r.close()
	}
	return nil
}

// RenameReceivedCallbacks moves the callbacks registered for oldName to a
// new receive channel for newName, and closes the channel for oldName.
// It reports ErrChannelExists if newName already has a receive channel.
func (m *Messenger) RenameReceivedCallbacks(oldName, newName string) error {
	if err := m.check(oldName); err != nil {
		return err
	} else if err := checkServiceName(newName); err != nil {
		return err
	}
	or, ok := m.recv[oldName]
	if !ok {
		return fmt.Errorf("rename %q: %w", oldName, ErrNoChannel)
	} else if _, ok := m.recv[newName]; ok {
		return fmt.Errorf("rename %q to %q: %w", oldName, newName, ErrChannelExists)
	}
	nr, err := m.newRecvChannel(newName)
	if err != nil {
		return fmt.Errorf("rename %q to %q: %w", oldName, newName, err)
	}
	for _, cb := range or.cbs {
		nr.addCallback(&recvCallback{
			id:      cb.id,
			kind:    cb.kind,
			notify:  cb.notify,
			request: cb.request,
			reply:   cb.reply,
		})
	}
	or.close()
	m.log.Debug().Str("service", oldName).Str("new", newName).Msg("receive channel renamed")
	return nil
}

// ClearSendQueue discards all frames queued for service.
func (m *Messenger) ClearSendQueue(service string) error {
	if err := m.check(service); err != nil {
		return err
	}
	s, ok := m.send[service]
	if !ok {
		return fmt.Errorf("clear %q: %w", service, ErrNoChannel)
	}
	s.clear()
	return nil
}

// DeleteSendQueue closes the send channel for service and discards any
// frames queued for it.
func (m *Messenger) DeleteSendQueue(service string) error {
	if err := m.check(service); err != nil {
		return err
	}
	s, ok := m.send[service]
	if !ok {
		return fmt.Errorf("delete %q: %w", service, ErrNoChannel)
	}
	s.close()
	return nil
}

// QueueCounts reports how many send channels are in each state.
type QueueCounts struct {
	Connected    int // connected, nothing queued
	Sending      int // connected, frames queued
	Reconnecting int // not connected, waiting to retry
	Closed       int // not connected, not retrying
}

// NumberOfQueues reports the number of send channels in each state.
func (m *Messenger) NumberOfQueues() QueueCounts {
	var qc QueueCounts
	for _, s := range m.send {
		switch {
		case s.fd >= 0 && s.buf.Len() == 0:
			qc.Connected++
		case s.fd >= 0:
			qc.Sending++
		case s.retrying:
			qc.Reconnecting++
		default:
			qc.Closed++
		}
	}
	return qc
}

// SendQueueStats reports the state of the send channel for service, and
// whether such a channel exists.
func (m *Messenger) SendQueueStats(service string) (SendStats, bool) {
	s, ok := m.send[service]
	if !ok {
		return SendStats{}, false
	}
	return s.stats(), true
}

// ReceiveServices returns the names of the services with a receive channel,
// in sorted order.
func (m *Messenger) ReceiveServices() []string {
	names := make([]string, 0, len(m.recv))
	for name := range m.recv {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SendServices returns the names of the services with a send channel, in
// sorted order.
func (m *Messenger) SendServices() []string {
	names := make([]string, 0, len(m.send))
	for name := range m.send {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// PendingTransactions reports the number of requests awaiting a reply.
func (m *Messenger) PendingTransactions() int { return m.txns.Len() }

// Flush runs iterations of the event loop until no send channel has queued
// frames on a live connection, or ctx ends. It returns the number of
// channels still waiting to reconnect.
//
// Flush must be called on the goroutine that drives run, and not from a
// callback.
func (m *Messenger) Flush(ctx context.Context, run Runner) (int, error) {
	if m.finalized {
		return 0, ErrFinalized
	}
	const pollInterval = 10 * time.Millisecond
	for m.NumberOfQueues().Sending > 0 {
		if err := ctx.Err(); err != nil {
			return m.NumberOfQueues().Reconnecting, err
		}
		for _, s := range m.send {
			s.flush()
		}
		if m.NumberOfQueues().Sending == 0 {
			break
		}
		if err := run.RunOnce(pollInterval); err != nil {
			return m.NumberOfQueues().Reconnecting, err
		}
	}
	return m.NumberOfQueues().Reconnecting, nil
}

// ageTransactions expires requests that have gone unanswered too long.
func (m *Messenger) ageTransactions() {
	for _, e := range m.txns.Age() {
		m.metrics.requestsExpired.Add(1)
		m.log.Debug().Uint32("txid", e.ID).Msg("request expired")
		if m.onTimeout != nil {
			m.guard("", Reply, func() { m.onTimeout(e.Data) })
		}
	}
	m.metrics.txPending.Set(int64(m.txns.Len()))
}

// guard calls f, recovering and logging a panic.
func (m *Messenger) guard(service string, kind Kind, f func()) {
	defer func() {
		if x := recover(); x != nil {
			m.metrics.callbackPanics.Add(1)
			m.log.Error().Str("service", service).Stringer("kind", kind).
				Interface("panic", x).Msg("callback panicked (recovered)")
		}
	}()
	f()
}
