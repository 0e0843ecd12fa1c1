// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package messenger

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/creachadair/messenger/ringbuf"
	"golang.org/x/sys/unix"
)

// A sendChannel queues frames for a service and writes them to the
// service's socket as it becomes writable. The channel survives loss of
// its connection, and reconnects with exponential backoff while the
// receiver is absent.
type sendChannel struct {
	m        *Messenger
	service  string
	path     string
	fd       int // -1 when disconnected
	refused  int // consecutive refused connection attempts
	retrying bool
	buf      *ringbuf.Buffer
	sndbuf   int // kernel send buffer size, 0 if unknown
	closed   bool

	overflow      episode
	overflowTotal int // frames dropped over the life of the channel
}

// SendStats is a snapshot of the state of a send channel.
type SendStats struct {
	Connected bool // whether the channel has a live connection
	Refused   int  // consecutive refused connection attempts
	Queued    int  // bytes waiting to be written
	Capacity  int  // total queue capacity in bytes
	Overflows int  // frames dropped because the queue was full
}

// newSendChannel creates a send channel for service and makes a first
// connection attempt. A refused connection is retried later; any other
// failure is reported and no channel is created.
func (m *Messenger) newSendChannel(service string) (*sendChannel, error) {
	path, err := m.socketPath(service)
	if err != nil {
		return nil, err
	}
	s := &sendChannel{
		m:       m,
		service: service,
		path:    path,
		fd:      -1,
		buf:     ringbuf.New(m.sendCap),
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	m.send[service] = s
	m.metrics.sendChannels.Add(1)
	m.log.Debug().Str("service", service).Str("path", path).Msg("send channel created")
	return s, nil
}

func (s *sendChannel) retryKey() timerKey { return timerKey{"reconnect", s} }

func (s *sendChannel) stats() SendStats {
	return SendStats{
		Connected: s.fd >= 0,
		Refused:   s.refused,
		Queued:    s.buf.Len(),
		Capacity:  s.buf.Cap(),
		Overflows: s.overflowTotal,
	}
}

// connect tries to connect to the receiver, unless the channel is already
// connected or waiting to retry. A refused attempt schedules a retry and is
// not an error.
func (s *sendChannel) connect() error {
	if s.closed || s.fd >= 0 || s.retrying {
		return nil
	}
	fd, err := dialSocket(s.path, s.m.force)
	if err != nil {
		var ce *connectError
		if errors.As(err, &ce) && ce.Retryable {
			s.refused++
			s.m.metrics.connectRefused.Add(1)
			s.m.emit(EventSendRefused, s.service, -1, nil)
			s.scheduleRetry()
			return nil
		}
		s.m.log.Error().Err(err).Str("service", s.service).Str("path", s.path).Msg("connect")
		return err
	}
	if err := s.m.loop.Register(fd, s.onReadable, s.onWritable); err != nil {
		unix.Close(fd)
		s.m.log.Error().Err(err).Str("service", s.service).Int("fd", fd).Msg("register connection")
		return err
	}
	s.fd = fd
	s.refused = 0
	s.sndbuf = sendBufferSize(fd)
	s.m.metrics.connects.Add(1)
	s.m.log.Debug().Str("service", s.service).Int("fd", fd).Int("sndbuf", s.sndbuf).Msg("connected")
	s.m.emit(EventSendConnected, s.service, fd, nil)
	s.updateInterest()
	return nil
}

// backoff returns the delay before the next connection attempt.
func (s *sendChannel) backoff() time.Duration {
	shift := min(max(s.refused-1, 0), s.m.maxShift)
	return s.m.backoffUnit << shift
}

func (s *sendChannel) scheduleRetry() {
	delay := s.backoff()
	key := s.retryKey()
	s.m.timers.Cancel(key)
	s.retrying = true
	s.m.timers.After(delay, key, s.retry)
	s.m.log.Debug().Str("service", s.service).Int("refused", s.refused).
		Dur("delay", delay).Msg("connection refused; will retry")
}

func (s *sendChannel) retry() {
	s.retrying = false
	if err := s.connect(); err != nil {
		s.m.log.Error().Err(err).Str("service", s.service).Msg("reconnect failed; dropping channel")
		s.close()
	}
}

// updateInterest enables write readiness while the messenger is running and
// the queue holds data.
func (s *sendChannel) updateInterest() {
	if s.fd < 0 {
		return
	}
	want := s.m.started && s.buf.Len() > 0
	if err := s.m.loop.SetInterest(s.fd, true, want); err != nil {
		s.m.log.Error().Err(err).Str("service", s.service).Int("fd", s.fd).Msg("set interest")
	}
}

// enqueue adds a frame with the given header fields and body to the queue.
// The body is the concatenation of parts.
func (s *sendChannel) enqueue(kind Kind, tag uint16, parts ...[]byte) error {
	n := HeaderLen
	for _, p := range parts {
		n += len(p)
	}
	if n > s.m.maxFrame {
		return ErrFrameTooLarge
	}
	if n > s.buf.Remaining() {
		s.noteOverflow(n)
		return ErrOverflow
	}
	s.endOverflow()

	var hdr [HeaderLen]byte
	Header{Kind: kind, Tag: tag, Length: uint32(n)}.put(hdr[:])
	s.buf.WriteAll(append([][]byte{hdr[:]}, parts...)...)

	if s.fd < 0 {
		if err := s.connect(); err != nil {
			s.close()
			return err
		}
		return nil
	}
	s.updateInterest()
	if s.m.started && s.buf.Len() > s.m.bucket {
		s.flush()
	}
	return nil
}

func (s *sendChannel) noteOverflow(n int) {
	s.m.metrics.sendOverflows.Add(1)
	s.overflowTotal++
	if s.overflow.count == 0 {
		s.m.log.Warn().Str("service", s.service).Int("len", n).
			Int("remaining", s.buf.Remaining()).Msg("send queue overflow")
	}
	s.overflow.count++
	s.overflow.bytes += n
	s.m.emit(EventSendOverflow, s.service, s.fd, nil)
}

func (s *sendChannel) endOverflow() {
	if s.overflow.count == 0 {
		return
	}
	s.m.log.Warn().Str("service", s.service).Int("dropped", s.overflow.count).
		Int("bytes", s.overflow.bytes).Msg("send queue overflow ended")
	s.overflow = episode{}
}

// bucketSize returns the largest number of bytes to write in one call,
// based on how much room the kernel has for this socket.
func (s *sendChannel) bucketSize() int {
	bucket := s.m.bucket
	if s.sndbuf == 0 {
		return bucket
	}
	used, err := queuedBytes(s.fd)
	if err != nil {
		return bucket
	}
	if used >= s.sndbuf {
		return 1
	}
	return min(2*(s.sndbuf-used), bucket)
}

// nextChunk returns the length of the longest run of whole frames at the
// given offset in the queue that fits in bucket bytes, or the length of one
// frame if the first frame alone is larger.
func (s *sendChannel) nextChunk(off, bucket int) int {
	head := s.buf.Head()
	var n int
	for len(head)-off >= HeaderLen {
		flen := int(binary.BigEndian.Uint32(head[off+4:]))
		if n+flen > bucket {
			if n == 0 {
				n = flen
			}
			break
		}
		n += flen
		off += flen
	}
	return n
}

func (s *sendChannel) onWritable(int) { s.flush() }

// flush writes queued frames until the queue is empty or the socket would
// block.
func (s *sendChannel) flush() {
	if s.fd < 0 {
		return
	}
	var sent int
	for {
		n := s.nextChunk(sent, s.bucketSize())
		if n == 0 {
			break
		}
		chunk := s.buf.Head()[sent : sent+n]
		nw, err := unix.SendmsgN(s.fd, chunk, nil, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		if err != nil {
			if isTemporary(err) {
				break
			}
			s.m.log.Error().Err(err).Str("service", s.service).Int("fd", s.fd).Int("len", n).Msg("send failed")
			s.consume(sent)
			if dropsQueue(err) {
				s.m.log.Warn().Str("service", s.service).Int("len", s.buf.Len()).Msg("dropping send queue")
				s.buf.Reset()
			}
			s.disconnect()
			s.refused = 0
			if err := s.connect(); err != nil {
				s.close()
			}
			return
		}
		s.m.emit(EventSent, s.service, s.fd, chunk[:nw])
		s.m.metrics.bytesSent.Add(int64(nw))
		sent += nw
	}
	s.consume(sent)
	s.updateInterest()
}

// consume drops n bytes of sent data from the front of the queue.
func (s *sendChannel) consume(n int) {
	head := s.buf.Head()
	lim := min(n, len(head))
	for off := 0; off+HeaderLen <= lim; {
		off += int(binary.BigEndian.Uint32(head[off+4:]))
		s.m.metrics.framesSent.Add(1)
	}
	if !s.buf.Consume(n) {
		s.m.log.Warn().Str("service", s.service).Int("len", n).Msg("consumed past end of send queue")
	}
}

// onReadable is called when the receiver closes its end, or sends data that
// this protocol does not expect.
func (s *sendChannel) onReadable(fd int) {
	var buf [256]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil && isTemporary(err) {
		return
	} else if err == nil && n > 0 {
		return // ignore stray data
	}
	s.m.log.Debug().Err(err).Str("service", s.service).Int("fd", fd).Msg("connection closed by peer")
	s.disconnect()
	if s.buf.Len() > 0 {
		if err := s.connect(); err != nil {
			s.close()
		}
	}
}

// disconnect closes the connection, if any, retaining queued data.
func (s *sendChannel) disconnect() {
	if s.fd < 0 {
		return
	}
	if err := s.m.loop.Deregister(s.fd); err != nil {
		s.m.log.Debug().Err(err).Int("fd", s.fd).Msg("deregister connection")
	}
	unix.Close(s.fd)
	s.m.metrics.disconnects.Add(1)
	s.m.emit(EventSendClosed, s.service, s.fd, nil)
	s.fd = -1
	s.sndbuf = 0
}

// clear discards all queued data.
func (s *sendChannel) clear() {
	s.buf.Reset()
	s.updateInterest()
}

// close tears down the channel without flushing it, and forgets it.
func (s *sendChannel) close() {
	if s.closed {
		return
	}
	s.disconnect()
	s.m.timers.Cancel(s.retryKey())
	s.retrying = false
	s.closed = true
	s.buf.Reset()
	if s.m.send[s.service] == s {
		delete(s.m.send, s.service)
		s.m.metrics.sendChannels.Add(-1)
	}
	s.m.log.Debug().Str("service", s.service).Msg("send channel closed")
}
