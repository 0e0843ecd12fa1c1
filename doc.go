// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package messenger implements an asynchronous message transport between
// processes on one host, over Unix-domain sequenced-packet sockets.
//
// Processes exchange framed messages addressed to named services. Each
// service a process listens on has a socket at
//
//	<workdir>/<prefix>.<service>.sock
//
// and each service a process sends to has an outbound queue that is written
// to that socket as it becomes writable. Sends never block: if the receiver
// is not listening, frames are held and the connection is retried with
// exponential backoff; if the queue is full the frame is dropped and the
// caller is told.
//
// # Messengers
//
// The core type defined by this package is the [Messenger]. A Messenger is
// driven by an event loop supplied by the caller, through the [EventLoop] and
// [Timers] interfaces. The eventloop package provides an implementation:
//
//	loop, err := eventloop.New()
//	...
//	m, err := messenger.New(loop, loop, &messenger.Options{WorkDir: dir})
//	...
//	m.Start()
//	loop.Run(ctx)
//
// A Messenger is not safe for concurrent use. Its methods and the callbacks
// it invokes all run on the goroutine driving the loop.
//
// # Messages
//
// There are three kinds of message. A NOTIFY is one-way:
//
//	m.AddNotifyCallback("echo", func(tag uint16, data []byte) { ... })
//	m.Send("echo", 0x0101, []byte("ping"))
//
// A REQUEST carries a [Handle] naming the service that should receive the
// reply. The requester supplies an arbitrary value that is returned with the
// reply:
//
//	m.AddReplyCallback("client", func(tag uint16, data []byte, userData any) { ... })
//	m.SendRequest("echo", "client", 0x0201, []byte("ping"), req)
//
// and the receiver answers with a REPLY:
//
//	m.AddRequestCallback("echo", func(h messenger.Handle, tag uint16, data []byte) {
//	   m.SendReply(h, tag, data)
//	})
//
// Requests that are not answered within a fixed number of aging intervals
// are forgotten, and a late reply is dropped.
//
// # Frames
//
// Every message is encoded as a frame with an 8-byte header:
//
//	byte    version (0)
//	byte    kind (0=NOTIFY, 1=REQUEST, 2=REPLY)
//	uint16  tag, big-endian
//	uint32  total frame length including the header, big-endian
//
// A REQUEST or REPLY payload begins with an encoded [Handle]:
//
//	uint32  transaction ID, big-endian
//	uint16  length of the service name including its NUL, big-endian
//	uint16  padding (0)
//	bytes   the NUL-terminated service name (absent in a REPLY)
package messenger
