// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package messenger

import "fmt"

// EventType identifies a transport event reported to an EventLogger.
type EventType byte

const (
	EventSent          EventType = iota + 1 // bytes written to a send socket
	EventReceived                           // bytes read from a receive socket
	EventRecvConnected                      // a client connected to a receive channel
	EventRecvOverflow                       // received bytes dropped by a full queue
	EventRecvClosed                         // a receive channel client went away
	EventSendConnected                      // a send channel connected
	EventSendRefused                        // a send channel connection was refused
	EventSendOverflow                       // a frame was dropped by a full send queue
	EventSendClosed                         // a send channel lost its connection
)

func (e EventType) String() string {
	switch e {
	case EventSent:
		return "SENT"
	case EventReceived:
		return "RECEIVED"
	case EventRecvConnected:
		return "RECV_CONNECTED"
	case EventRecvOverflow:
		return "RECV_OVERFLOW"
	case EventRecvClosed:
		return "RECV_CLOSED"
	case EventSendConnected:
		return "SEND_CONNECTED"
	case EventSendRefused:
		return "SEND_REFUSED"
	case EventSendOverflow:
		return "SEND_OVERFLOW"
	case EventSendClosed:
		return "SEND_CLOSED"
	default:
		return fmt.Sprintf("EVENT:%d", byte(e))
	}
}

// An Event describes transport activity on a channel.
type Event struct {
	Type    EventType
	Service string
	FD      int    // the descriptor involved, or -1
	Data    []byte // the bytes sent, received, or dropped, if any
}

func (e Event) String() string {
	if len(e.Data) == 0 {
		return fmt.Sprintf("%v %q fd=%d", e.Type, e.Service, e.FD)
	}
	return fmt.Sprintf("%v %q fd=%d %d bytes", e.Type, e.Service, e.FD, len(e.Data))
}

// An EventLogger logs transport events. The Data field of an Event aliases
// internal storage and is only valid for the duration of the call.
type EventLogger func(Event)

// LogEvents registers a callback that is invoked synchronously for each
// transport event. Passing nil disables event logging.
func (m *Messenger) LogEvents(log EventLogger) *Messenger {
	m.elog = log
	return m
}

func (m *Messenger) emit(typ EventType, service string, fd int, data []byte) {
	if m.elog != nil {
		m.elog(Event{Type: typ, Service: service, FD: fd, Data: data})
	}
}
