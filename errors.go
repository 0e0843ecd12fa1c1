// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package messenger

import "errors"

var (
	// ErrOverflow is reported when a send queue has no room for a frame.
	ErrOverflow = errors.New("send queue overflow")

	// ErrFrameTooLarge is reported when a frame exceeds the maximum size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrInvalidServiceName is reported for an empty, overlong, or otherwise
	// malformed service name.
	ErrInvalidServiceName = errors.New("invalid service name")

	// ErrFinalized is reported by operations on a finalized Messenger.
	ErrFinalized = errors.New("messenger is finalized")

	// ErrNoChannel is reported when the named service has no channel.
	ErrNoChannel = errors.New("no such channel")

	// ErrChannelExists is reported when a rename target is already in use.
	ErrChannelExists = errors.New("channel already exists")

	// ErrNoCallback is reported when deleting a callback that is not
	// registered.
	ErrNoCallback = errors.New("no such callback")

	// ErrInvalidOptions is reported by New for inconsistent settings.
	ErrInvalidOptions = errors.New("invalid options")
)
