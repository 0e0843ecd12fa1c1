// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package messenger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the size in bytes of an encoded frame header.
const HeaderLen = 8

// handleLen is the size of the fixed part of an encoded Handle.
const handleLen = 8

// Version is the only frame version this package produces or accepts.
const Version = 0

// Kind identifies the type of a message frame.
type Kind byte

const (
	Notify  Kind = 0 // a one-way message
	Request Kind = 1 // a message expecting a reply, prefixed by a Handle
	Reply   Kind = 2 // an answer to a request, prefixed by a Handle
)

func (k Kind) String() string {
	switch k {
	case Notify:
		return "NOTIFY"
	case Request:
		return "REQUEST"
	case Reply:
		return "REPLY"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// A Header is the fixed-size prefix of every message frame.
type Header struct {
	Version byte
	Kind    Kind
	Tag     uint16
	Length  uint32 // total frame length, including the header
}

// Encode encodes h in binary format.
func (h Header) Encode() []byte {
	var buf [HeaderLen]byte
	h.put(buf[:])
	return buf[:]
}

func (h Header) put(buf []byte) {
	buf[0] = h.Version
	buf[1] = byte(h.Kind)
	binary.BigEndian.PutUint16(buf[2:], h.Tag)
	binary.BigEndian.PutUint32(buf[4:], h.Length)
}

// UnmarshalBinary decodes a frame header from the front of data. It reports
// an error if data is too short; it does not validate the field values.
// It implements encoding.BinaryUnmarshaler.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderLen {
		return fmt.Errorf("short frame header (%d bytes)", len(data))
	}
	h.Version = data[0]
	h.Kind = Kind(data[1])
	h.Tag = binary.BigEndian.Uint16(data[2:])
	h.Length = binary.BigEndian.Uint32(data[4:])
	return nil
}

// errProtocol is wrapped by errors reporting a malformed frame.
var errProtocol = errors.New("protocol error")

// check reports an error if h does not describe a valid frame of at most
// maxLen bytes.
func (h Header) check(maxLen int) error {
	switch {
	case h.Version != Version:
		return fmt.Errorf("%w: unsupported version %d", errProtocol, h.Version)
	case h.Kind > Reply:
		return fmt.Errorf("%w: unknown kind %v", errProtocol, h.Kind)
	case h.Length < HeaderLen:
		return fmt.Errorf("%w: frame length %d < %d", errProtocol, h.Length, HeaderLen)
	case int64(h.Length) > int64(maxLen):
		return fmt.Errorf("%w: frame length %d > %d", errProtocol, h.Length, maxLen)
	}
	return nil
}

func (h Header) String() string {
	return fmt.Sprintf("Header(v%d, %v, tag=%#04x, len=%d)", h.Version, h.Kind, h.Tag, h.Length)
}

// A Handle correlates a request with its reply. A request frame carries a
// handle naming the service that should receive the reply; the reply
// carries the same transaction ID and no service name.
type Handle struct {
	TransactionID uint32
	Service       string // the requester's service name; empty in a reply
}

// EncodedLen reports the number of bytes needed to encode h.
func (h Handle) EncodedLen() int {
	if h.Service == "" {
		return handleLen
	}
	return handleLen + len(h.Service) + 1 // NUL terminator
}

// Encode encodes h in binary format.
func (h Handle) Encode() []byte {
	buf := make([]byte, h.EncodedLen())
	binary.BigEndian.PutUint32(buf[0:], h.TransactionID)
	if h.Service != "" {
		binary.BigEndian.PutUint16(buf[4:], uint16(len(h.Service)+1))
		copy(buf[handleLen:], h.Service)
	}
	return buf
}

// decodeHandle decodes a handle from the front of data, and returns the
// handle and the remaining bytes.
func decodeHandle(data []byte) (Handle, []byte, error) {
	if len(data) < handleLen {
		return Handle{}, nil, fmt.Errorf("%w: short handle (%d bytes)", errProtocol, len(data))
	}
	h := Handle{TransactionID: binary.BigEndian.Uint32(data[0:])}
	nlen := int(binary.BigEndian.Uint16(data[4:]))
	rest := data[handleLen:]
	if nlen > len(rest) {
		return Handle{}, nil, fmt.Errorf("%w: handle name length %d > %d", errProtocol, nlen, len(rest))
	}
	if nlen > 0 {
		name := rest[:nlen]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		h.Service = string(name)
	}
	return h, rest[nlen:], nil
}

// UnmarshalBinary decodes data into a handle. It reports an error if any
// bytes remain after the handle. It implements encoding.BinaryUnmarshaler.
func (h *Handle) UnmarshalBinary(data []byte) error {
	v, rest, err := decodeHandle(data)
	if err != nil {
		return err
	} else if len(rest) != 0 {
		return fmt.Errorf("extra data after handle (%d bytes)", len(rest))
	}
	*h = v
	return nil
}

func (h Handle) String() string {
	return fmt.Sprintf("Handle(tx=%d, %q)", h.TransactionID, h.Service)
}

// A Frame is a decoded message frame.
type Frame struct {
	Kind    Kind
	Tag     uint16
	Handle  Handle // only for Request and Reply
	Payload []byte // the application data, excluding any handle
}

// Encode encodes f in binary format.
func (f Frame) Encode() []byte {
	n := HeaderLen + len(f.Payload)
	if f.Kind != Notify {
		n += f.Handle.EncodedLen()
	}
	buf := make([]byte, HeaderLen, n)
	Header{Kind: f.Kind, Tag: f.Tag, Length: uint32(n)}.put(buf)
	if f.Kind != Notify {
		buf = append(buf, f.Handle.Encode()...)
	}
	return append(buf, f.Payload...)
}

// UnmarshalBinary decodes a complete frame from data. The payload of the
// result aliases data. It implements encoding.BinaryUnmarshaler.
func (f *Frame) UnmarshalBinary(data []byte) error {
	var h Header
	if err := h.UnmarshalBinary(data); err != nil {
		return err
	} else if err := h.check(len(data)); err != nil {
		return err
	} else if int(h.Length) != len(data) {
		return fmt.Errorf("%w: frame length %d != %d", errProtocol, h.Length, len(data))
	}
	out := Frame{Kind: h.Kind, Tag: h.Tag, Payload: data[HeaderLen:]}
	if h.Kind != Notify {
		hd, rest, err := decodeHandle(out.Payload)
		if err != nil {
			return err
		}
		out.Handle, out.Payload = hd, rest
	}
	if len(out.Payload) == 0 {
		out.Payload = nil
	}
	*f = out
	return nil
}

func (f Frame) String() string {
	if f.Kind == Notify {
		return fmt.Sprintf("Frame(%v, tag=%#04x, %d bytes)", f.Kind, f.Tag, len(f.Payload))
	}
	return fmt.Sprintf("Frame(%v, tag=%#04x, %v, %d bytes)", f.Kind, f.Tag, f.Handle, len(f.Payload))
}
