// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package messenger

import "expvar"

// messengerMetrics record transport activity counters.
type messengerMetrics struct {
	framesSent       expvar.Int
	framesRecv       expvar.Int
	bytesSent        expvar.Int
	bytesRecv        expvar.Int
	sendOverflows    expvar.Int // frames rejected by a full send queue
	recvOverflows    expvar.Int // reads dropped by a full receive queue
	connects         expvar.Int
	connectRefused   expvar.Int
	disconnects      expvar.Int
	protocolErrors   expvar.Int
	repliesUnmatched expvar.Int
	requestsExpired  expvar.Int
	callbackPanics   expvar.Int

	// Gauges.
	txPending    expvar.Int
	sendChannels expvar.Int
	recvChannels expvar.Int

	emap *expvar.Map
}

func newMessengerMetrics() *messengerMetrics {
	mm := &messengerMetrics{emap: new(expvar.Map)}
	mm.emap.Set("frames_sent", &mm.framesSent)
	mm.emap.Set("frames_received", &mm.framesRecv)
	mm.emap.Set("bytes_sent", &mm.bytesSent)
	mm.emap.Set("bytes_received", &mm.bytesRecv)
	mm.emap.Set("send_overflows", &mm.sendOverflows)
	mm.emap.Set("recv_overflows", &mm.recvOverflows)
	mm.emap.Set("connects", &mm.connects)
	mm.emap.Set("connect_refused", &mm.connectRefused)
	mm.emap.Set("disconnects", &mm.disconnects)
	mm.emap.Set("protocol_errors", &mm.protocolErrors)
	mm.emap.Set("replies_unmatched", &mm.repliesUnmatched)
	mm.emap.Set("requests_expired", &mm.requestsExpired)
	mm.emap.Set("callback_panics", &mm.callbackPanics)
	mm.emap.Set("transactions_pending", &mm.txPending)
	mm.emap.Set("send_channels", &mm.sendChannels)
	mm.emap.Set("receive_channels", &mm.recvChannels)
	return mm
}

// Gauges lists the metric names that report a current level rather than a
// running total.
var Gauges = []string{"transactions_pending", "send_channels", "receive_channels"}
