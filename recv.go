// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package messenger

import (
	"errors"
	"fmt"
	"slices"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/messenger/ringbuf"
	"golang.org/x/sys/unix"
)

// A NotifyFunc receives the tag and payload of a NOTIFY frame.
// The payload aliases internal storage and is only valid during the call.
type NotifyFunc func(tag uint16, data []byte)

// A RequestFunc receives the handle, tag, and payload of a REQUEST frame.
// Pass the handle to SendReply to answer the request.
// The payload aliases internal storage and is only valid during the call.
type RequestFunc func(h Handle, tag uint16, data []byte)

// A ReplyFunc receives the tag and payload of a REPLY frame, together with
// the user data given to the SendRequest call it answers.
// The payload aliases internal storage and is only valid during the call.
type ReplyFunc func(tag uint16, data []byte, userData any)

// A CallbackID identifies a registered callback.
type CallbackID uint64

type recvCallback struct {
	id      CallbackID
	kind    Kind
	notify  NotifyFunc
	request RequestFunc
	reply   ReplyFunc
	removed bool // deleted while a dispatch was in progress
}

// A recvChannel accepts connections on the socket for a service, and
// dispatches the frames it receives to the registered callbacks.
type recvChannel struct {
	m       *Messenger
	service string
	path    string
	lfd     int
	clients mapset.Set[int]
	cbs     []*recvCallback // in registration order
	buf     *ringbuf.Buffer
	scratch []byte
	closed  bool

	overflow episode
}

// episode tracks a run of consecutive overflows, so that a flood of drops
// produces one warning at the start and one summary at the end.
type episode struct {
	count int
	bytes int
}

// newRecvChannel creates the listening socket for service and registers it
// with the event loop.
func (m *Messenger) newRecvChannel(service string) (*recvChannel, error) {
	path, err := m.socketPath(service)
	if err != nil {
		return nil, err
	}
	lfd, err := listenSocket(path)
	if err != nil {
		m.log.Error().Err(err).Str("service", service).Str("path", path).Msg("create receive channel")
		return nil, err
	}
	r := &recvChannel{
		m:       m,
		service: service,
		path:    path,
		lfd:     lfd,
		clients: mapset.New[int](),
		buf:     ringbuf.New(m.recvCap),
		scratch: make([]byte, m.bucket),
	}
	if err := m.loop.Register(lfd, r.onAccept, nil); err != nil {
		unix.Close(lfd)
		unix.Unlink(path)
		return nil, fmt.Errorf("register listener: %w", err)
	}
	m.recv[service] = r
	m.metrics.recvChannels.Add(1)
	m.log.Debug().Str("service", service).Str("path", path).Int("fd", lfd).Msg("receive channel created")
	return r, nil
}

func (r *recvChannel) onAccept(lfd int) {
	for {
		fd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			} else if !isTemporary(err) {
				r.m.log.Error().Err(err).Str("service", r.service).Msg("accept")
			}
			return
		}
		if r.m.force {
			if err := forceBuffer(fd, unix.SO_RCVBUFFORCE); err != nil {
				r.m.log.Warn().Err(err).Str("service", r.service).Int("fd", fd).Msg("set receive buffer size")
			}
		}
		if err := r.m.loop.Register(fd, r.onRecv, nil); err != nil {
			r.m.log.Error().Err(err).Str("service", r.service).Int("fd", fd).Msg("register client")
			unix.Close(fd)
			continue
		}
		r.clients.Add(fd)
		r.m.log.Debug().Str("service", r.service).Int("fd", fd).Msg("client connected")
		r.m.emit(EventRecvConnected, r.service, fd, nil)
	}
}

// onRecv reads from a connected client until the socket would block, and
// dispatches every complete frame.
func (r *recvChannel) onRecv(fd int) {
	for !r.closed && r.clients.Has(fd) && r.buf.Remaining() > r.m.bucket {
		n, _, flags, _, err := unix.Recvmsg(fd, r.scratch, nil, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			} else if !isTemporary(err) {
				r.m.log.Debug().Err(err).Str("service", r.service).Int("fd", fd).Msg("receive")
				r.closeClient(fd)
			}
			return
		} else if n == 0 {
			r.closeClient(fd)
			return
		} else if flags&unix.MSG_TRUNC != 0 {
			r.protocolError(fd, fmt.Errorf("%w: record exceeds %d bytes", errProtocol, len(r.scratch)))
			return
		}

		data := r.scratch[:n]
		r.m.emit(EventReceived, r.service, fd, data)
		r.m.metrics.bytesRecv.Add(int64(n))
		if !r.buf.Write(data) {
			r.noteOverflow(fd, n)
			continue
		}
		r.endOverflow()
		r.pull(fd)
	}
}

func (r *recvChannel) noteOverflow(fd, n int) {
	r.m.metrics.recvOverflows.Add(1)
	if r.overflow.count == 0 {
		r.m.log.Warn().Str("service", r.service).Int("fd", fd).Int("len", n).
			Int("remaining", r.buf.Remaining()).Msg("receive queue overflow")
	}
	r.overflow.count++
	r.overflow.bytes += n
	r.m.emit(EventRecvOverflow, r.service, fd, r.scratch[:n])
}

func (r *recvChannel) endOverflow() {
	if r.overflow.count == 0 {
		return
	}
	r.m.log.Warn().Str("service", r.service).Int("dropped", r.overflow.count).
		Int("bytes", r.overflow.bytes).Msg("receive queue overflow ended")
	r.overflow = episode{}
}

// pull extracts and dispatches complete frames from the receive queue. The
// fd identifies the client whose bytes were read last, and is closed if the
// queue contains a malformed frame.
func (r *recvChannel) pull(fd int) {
	for !r.closed && r.buf.Len() >= HeaderLen {
		var h Header
		h.UnmarshalBinary(r.buf.Head())
		if err := h.check(r.m.maxFrame); err != nil {
			r.protocolError(fd, err)
			return
		}
		if r.buf.Len() < int(h.Length) {
			return // wait for the rest
		}
		raw := r.buf.Head()[:h.Length]
		var f Frame
		if err := f.UnmarshalBinary(raw); err != nil {
			r.protocolError(fd, err)
			return
		}

		// The payload aliases the queue, so dispatch before consuming it.
		// Callbacks do not write to this queue.
		r.m.metrics.framesRecv.Add(1)
		r.dispatch(f)
		if r.closed {
			return
		}
		if !r.buf.Consume(int(h.Length)) {
			r.m.log.Warn().Str("service", r.service).Uint32("len", h.Length).Msg("consumed past end of receive queue")
		}
	}
}

func (r *recvChannel) protocolError(fd int, err error) {
	r.m.metrics.protocolErrors.Add(1)
	r.m.log.Error().Err(err).Str("service", r.service).Int("fd", fd).Msg("malformed frame; closing client")
	r.buf.Reset()
	r.closeClient(fd)
}

// dispatch delivers f to the callbacks registered for its kind. Callbacks
// may add or remove callbacks, or tear down the channel; a callback removed
// during dispatch is not called, and dispatch stops if the channel closes.
func (r *recvChannel) dispatch(f Frame) {
	log := r.m.log.Debug().Str("service", r.service).Stringer("kind", f.Kind).Uint16("tag", f.Tag).Int("len", len(f.Payload))
	switch f.Kind {
	case Notify:
		log.Msg("notify received")
		r.each(Notify, func(cb *recvCallback) { cb.notify(f.Tag, f.Payload) })

	case Request:
		log.Uint32("txid", f.Handle.TransactionID).Str("from", f.Handle.Service).Msg("request received")
		r.each(Request, func(cb *recvCallback) { cb.request(f.Handle, f.Tag, f.Payload) })

	case Reply:
		log.Uint32("txid", f.Handle.TransactionID).Msg("reply received")
		e, ok := r.m.txns.Lookup(f.Handle.TransactionID)
		if !ok {
			r.m.metrics.repliesUnmatched.Add(1)
			r.m.log.Warn().Str("service", r.service).Uint32("txid", f.Handle.TransactionID).
				Uint16("tag", f.Tag).Msg("no transaction for reply; dropped")
			return
		}
		r.each(Reply, func(cb *recvCallback) { cb.reply(f.Tag, f.Payload, e.Data) })
		r.m.txns.Delete(e)
		r.m.metrics.txPending.Set(int64(r.m.txns.Len()))
	}
}

func (r *recvChannel) each(kind Kind, call func(*recvCallback)) {
	for _, cb := range slices.Clone(r.cbs) {
		if r.closed {
			return
		}
		if cb.kind != kind || cb.removed {
			continue
		}
		r.m.guard(r.service, kind, func() { call(cb) })
	}
}

// addCallback appends cb to the callback list.
func (r *recvChannel) addCallback(cb *recvCallback) { r.cbs = append(r.cbs, cb) }

// deleteCallback removes the callback with the given ID and kind, and
// reports whether it was found.
func (r *recvChannel) deleteCallback(kind Kind, id CallbackID) bool {
	i := slices.IndexFunc(r.cbs, func(cb *recvCallback) bool { return cb.id == id && cb.kind == kind })
	if i < 0 {
		return false
	}
	r.cbs[i].removed = true
	r.cbs = slices.Delete(r.cbs, i, i+1)
	return true
}

func (r *recvChannel) closeClient(fd int) {
	if !r.clients.Has(fd) {
		return
	}
	r.clients.Remove(fd)
	if err := r.m.loop.Deregister(fd); err != nil {
		r.m.log.Debug().Err(err).Int("fd", fd).Msg("deregister client")
	}
	unix.Close(fd)
	r.m.log.Debug().Str("service", r.service).Int("fd", fd).Msg("client closed")
	r.m.emit(EventRecvClosed, r.service, fd, nil)
}

// close tears down the channel: it closes all clients and the listener,
// removes the socket file, and forgets the channel.
func (r *recvChannel) close() {
	if r.closed {
		return
	}
	for _, fd := range r.clients.Slice() {
		r.closeClient(fd)
	}
	r.closed = true
	if err := r.m.loop.Deregister(r.lfd); err != nil {
		r.m.log.Debug().Err(err).Int("fd", r.lfd).Msg("deregister listener")
	}
	unix.Close(r.lfd)
	if err := unix.Unlink(r.path); err != nil && !errors.Is(err, unix.ENOENT) {
		r.m.log.Warn().Err(err).Str("path", r.path).Msg("remove socket")
	}
	for _, cb := range r.cbs {
		cb.removed = true
	}
	r.cbs = nil
	r.buf.Reset()
	if r.m.recv[r.service] == r {
		delete(r.m.recv, r.service)
		r.m.metrics.recvChannels.Add(-1)
	}
	r.m.log.Debug().Str("service", r.service).Msg("receive channel closed")
}
