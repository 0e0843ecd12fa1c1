// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package messenger

import (
	"cmp"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Default values for Options fields.
const (
	DefaultPrefix          = "messenger"
	DefaultBucketSize      = 100000
	DefaultSendBufferSize  = 4 * DefaultBucketSize
	DefaultRecvBufferSize  = 2 * DefaultBucketSize
	DefaultBackoffUnit     = time.Second
	DefaultMaxBackoffShift = 4
	DefaultAgingInterval   = 10 * time.Second
	DefaultTransactionLife = 10

	// MaxServiceName is the size of a service name including its terminator.
	MaxServiceName = 32

	// forcedBufferSize is the kernel socket buffer size requested when
	// running with privilege.
	forcedBufferSize = 1 << 20
)

// Options are optional settings for a Messenger. A nil *Options is ready for
// use and provides default values as described.
type Options struct {
	// The directory where service sockets are created.
	// If empty, os.TempDir() is used.
	WorkDir string

	// The prefix for socket names. Each service socket is named
	// <WorkDir>/<Prefix>.<service>.sock. If empty, DefaultPrefix is used.
	Prefix string

	// The capacity in bytes of each send queue.
	// If zero, DefaultSendBufferSize is used.
	SendBufferSize int

	// The capacity in bytes of each receive queue.
	// If zero, DefaultRecvBufferSize is used.
	RecvBufferSize int

	// The largest number of bytes written or read in one system call. The
	// receive side stops reading while fewer than BucketSize bytes of its
	// queue remain free. If zero, DefaultBucketSize is used.
	BucketSize int

	// The largest permitted frame, including its header.
	// If zero, BucketSize is used.
	MaxFrameSize int

	// The first reconnect delay after a refused connection. Each later
	// refusal doubles the delay, up to BackoffUnit << MaxBackoffShift.
	// If zero, DefaultBackoffUnit is used.
	BackoffUnit time.Duration

	// If zero, DefaultMaxBackoffShift is used.
	MaxBackoffShift int

	// How often outstanding requests are aged.
	// If zero, DefaultAgingInterval is used.
	AgingInterval time.Duration

	// The number of aging intervals after which an unanswered request is
	// dropped. If zero, DefaultTransactionLife is used.
	TransactionLife int

	// If true, do not raise kernel socket buffer sizes when running as root.
	NoForceBuffers bool

	// If non-nil, log to this logger. By default nothing is logged.
	Logger *zerolog.Logger

	// If non-nil, called with the user data of each request that expires
	// without a reply. By default expired requests are dropped silently.
	OnRequestTimeout func(userData any)
}

func (o *Options) workDir() string {
	if o == nil || o.WorkDir == "" {
		return os.TempDir()
	}
	return o.WorkDir
}

func (o *Options) prefix() string {
	if o == nil || o.Prefix == "" {
		return DefaultPrefix
	}
	return o.Prefix
}

func (o *Options) sendBufferSize() int {
	if o == nil {
		return DefaultSendBufferSize
	}
	return cmp.Or(o.SendBufferSize, DefaultSendBufferSize)
}

func (o *Options) recvBufferSize() int {
	if o == nil {
		return DefaultRecvBufferSize
	}
	return cmp.Or(o.RecvBufferSize, DefaultRecvBufferSize)
}

func (o *Options) bucketSize() int {
	if o == nil {
		return DefaultBucketSize
	}
	return cmp.Or(o.BucketSize, DefaultBucketSize)
}

func (o *Options) maxFrameSize() int {
	if o == nil || o.MaxFrameSize == 0 {
		return o.bucketSize()
	}
	return o.MaxFrameSize
}

func (o *Options) backoffUnit() time.Duration {
	if o == nil {
		return DefaultBackoffUnit
	}
	return cmp.Or(o.BackoffUnit, DefaultBackoffUnit)
}

func (o *Options) maxBackoffShift() int {
	if o == nil {
		return DefaultMaxBackoffShift
	}
	return cmp.Or(o.MaxBackoffShift, DefaultMaxBackoffShift)
}

func (o *Options) agingInterval() time.Duration {
	if o == nil {
		return DefaultAgingInterval
	}
	return cmp.Or(o.AgingInterval, DefaultAgingInterval)
}

func (o *Options) transactionLife() int {
	if o == nil {
		return DefaultTransactionLife
	}
	return cmp.Or(o.TransactionLife, DefaultTransactionLife)
}

func (o *Options) forceBuffers() bool { return o == nil || !o.NoForceBuffers }

func (o *Options) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

func (o *Options) onRequestTimeout() func(any) {
	if o == nil {
		return nil
	}
	return o.OnRequestTimeout
}

// validate reports an error if the sizes in o are inconsistent.
func (o *Options) validate() error {
	bucket, frame := o.bucketSize(), o.maxFrameSize()
	switch {
	case bucket <= 0 || frame <= 0 || o.sendBufferSize() <= 0 || o.recvBufferSize() <= 0:
		return fmt.Errorf("%w: sizes must be positive", ErrInvalidOptions)
	case frame < HeaderLen:
		return fmt.Errorf("%w: max frame size %d < %d", ErrInvalidOptions, frame, HeaderLen)
	case frame > bucket:
		return fmt.Errorf("%w: max frame size %d > bucket size %d", ErrInvalidOptions, frame, bucket)
	case o.sendBufferSize() < frame:
		return fmt.Errorf("%w: send buffer %d < max frame size %d", ErrInvalidOptions, o.sendBufferSize(), frame)
	case o.recvBufferSize() < 2*bucket:
		return fmt.Errorf("%w: receive buffer %d < twice bucket size %d", ErrInvalidOptions, o.recvBufferSize(), bucket)
	case o.backoffUnit() < 0 || o.maxBackoffShift() < 0 || o.agingInterval() < 0 || o.transactionLife() < 0:
		return fmt.Errorf("%w: durations and counts must not be negative", ErrInvalidOptions)
	}
	return nil
}
