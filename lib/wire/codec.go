// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps a single frame's payload. The protocol carries
// paths, names, and image metadata, never pixels, so 16 MiB is far
// beyond any legitimate message. Oversized length prefixes indicate a
// corrupt or hostile stream.
const MaxFrameSize = 16 << 20

// ErrMalformedMessage is wrapped by every decode failure: bad version,
// unknown tag, truncated payload, trailing bytes, or an oversized
// frame. A connection that produced it must be treated as broken.
var ErrMalformedMessage = errors.New("malformed message")

// maxStringLength caps an individual string field inside a payload. A
// length word pointing past the frame fails before any allocation.
const maxStringLength = 4 << 20

// WriteRequest frames and writes one request with its correlation id.
// The frame is written with a single Write call so a message-boundary-
// preserving transport never observes a partial frame from this side.
func WriteRequest(w io.Writer, correlationID uint64, request Request) error {
	return writeMessage(w, correlationID, request.tag(), request.encodePayload)
}

// WriteResponse frames and writes one response with the correlation id
// of the request it answers.
func WriteResponse(w io.Writer, correlationID uint64, response Response) error {
	return writeMessage(w, correlationID, response.tag(), response.encodePayload)
}

func writeMessage(w io.Writer, correlationID uint64, tag byte, encodePayload func(*encoder)) error {
	e := &encoder{}
	e.u8(Version)
	e.u8(tag)
	e.u64(correlationID)
	encodePayload(e)

	frame := make([]byte, 4+len(e.buf))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(e.buf)))
	copy(frame[4:], e.buf)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadRequest reads one framed request from r. Returns the correlation
// id and the decoded variant. Any framing or payload defect yields an
// error wrapping ErrMalformedMessage; io.EOF at a frame boundary is
// returned unchanged so callers can distinguish orderly close.
func ReadRequest(r io.Reader) (uint64, Request, error) {
	correlationID, tag, d, err := readMessage(r)
	if err != nil {
		return 0, nil, err
	}

	var request Request
	switch tag {
	case tagLoadPlugin:
		request = LoadPlugin{Path: d.str()}
	case tagGetPicture:
		request = GetPicture{
			PluginID:  d.u32(),
			Path:      d.str(),
			Offset:    d.u64(),
			TotalSize: d.u64(),
		}
	case tagPing:
		request = Ping{}
	case tagShutdown:
		request = Shutdown{}
	case tagReleaseBuffer:
		request = ReleaseBuffer{BufferName: d.str()}
	default:
		return 0, nil, fmt.Errorf("unknown request tag 0x%02x: %w", tag, ErrMalformedMessage)
	}

	if err := d.finish(); err != nil {
		return 0, nil, err
	}
	return correlationID, request, nil
}

// ReadResponse reads one framed response from r.
func ReadResponse(r io.Reader) (uint64, Response, error) {
	correlationID, tag, d, err := readMessage(r)
	if err != nil {
		return 0, nil, err
	}

	var response Response
	switch tag {
	case tagImageReady:
		response = ImageReady{
			BufferName:    d.str(),
			Width:         d.u32(),
			Height:        d.u32(),
			AlignedStride: d.u32(),
			Format:        PixelFormat(d.u8()),
			Size:          d.u64(),
		}
	case tagPluginLoaded:
		response = PluginLoaded{
			PluginID:   d.u32(),
			Name:       d.str(),
			Extensions: d.strList(),
		}
	case tagPong:
		response = Pong{}
	case tagError:
		response = Error{
			Code:    ErrorCode(d.u16()),
			Message: d.str(),
		}
	case tagShutdownAck:
		response = ShutdownAck{}
	case tagReleaseAck:
		response = ReleaseAck{}
	default:
		return 0, nil, fmt.Errorf("unknown response tag 0x%02x: %w", tag, ErrMalformedMessage)
	}

	if err := d.finish(); err != nil {
		return 0, nil, err
	}
	return correlationID, response, nil
}

// readMessage reads the length prefix and payload, validates the
// version byte, and returns the tag, correlation id, and a decoder
// positioned at the variant-specific fields.
func readMessage(r io.Reader) (correlationID uint64, tag byte, d *decoder, err error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			// Clean EOF between frames: orderly close.
			return 0, 0, nil, io.EOF
		}
		return 0, 0, nil, fmt.Errorf("reading frame length: %w", err)
	}

	length := binary.LittleEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return 0, 0, nil, fmt.Errorf("frame length %d exceeds %d: %w", length, MaxFrameSize, ErrMalformedMessage)
	}
	// Version + tag + correlation id is the minimum payload.
	if length < 10 {
		return 0, 0, nil, fmt.Errorf("frame length %d below envelope minimum: %w", length, ErrMalformedMessage)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, 0, nil, fmt.Errorf("reading %d-byte payload: %w (%w)", length, err, ErrMalformedMessage)
	}

	d = &decoder{data: payload}
	if version := d.u8(); version != Version {
		return 0, 0, nil, fmt.Errorf("protocol version %d, want %d: %w", version, Version, ErrMalformedMessage)
	}
	tag = d.u8()
	correlationID = d.u64()
	return correlationID, tag, d, nil
}

// encodePayload implementations. Field order is the wire contract;
// reorder nothing.

func (m LoadPlugin) encodePayload(e *encoder) {
	e.str(m.Path)
}

func (m GetPicture) encodePayload(e *encoder) {
	e.u32(m.PluginID)
	e.str(m.Path)
	e.u64(m.Offset)
	e.u64(m.TotalSize)
}

func (Ping) encodePayload(*encoder) {}

func (Shutdown) encodePayload(*encoder) {}

func (m ReleaseBuffer) encodePayload(e *encoder) {
	e.str(m.BufferName)
}

func (m ImageReady) encodePayload(e *encoder) {
	e.str(m.BufferName)
	e.u32(m.Width)
	e.u32(m.Height)
	e.u32(m.AlignedStride)
	e.u8(uint8(m.Format))
	e.u64(m.Size)
}

func (m PluginLoaded) encodePayload(e *encoder) {
	e.u32(m.PluginID)
	e.str(m.Name)
	e.strList(m.Extensions)
}

func (Pong) encodePayload(*encoder) {}

func (m Error) encodePayload(e *encoder) {
	e.u16(uint16(m.Code))
	e.str(m.Message)
}

func (ShutdownAck) encodePayload(*encoder) {}

func (ReleaseAck) encodePayload(*encoder) {}

// encoder appends little-endian primitives to a growing payload
// buffer. Strings are a u32 byte count followed by the raw bytes;
// string lists are a u16 entry count followed by that many strings.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }

func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) strList(list []string) {
	e.u16(uint16(len(list)))
	for _, s := range list {
		e.str(s)
	}
}

// decoder consumes little-endian primitives from a payload. The first
// defect (overrun, oversized string) latches into err; subsequent
// reads return zero values so variant decoding can stay linear and
// the error is surfaced once by finish.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) remaining() int { return len(d.data) - d.off }

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		args = append(args, ErrMalformedMessage)
		d.err = fmt.Errorf(format+": %w", args...)
	}
}

func (d *decoder) u8() uint8 {
	if d.err != nil || d.remaining() < 1 {
		d.fail("payload truncated at byte %d", d.off)
		return 0
	}
	v := d.data[d.off]
	d.off++
	return v
}

func (d *decoder) u16() uint16 {
	if d.err != nil || d.remaining() < 2 {
		d.fail("payload truncated at byte %d", d.off)
		return 0
	}
	v := binary.LittleEndian.Uint16(d.data[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil || d.remaining() < 4 {
		d.fail("payload truncated at byte %d", d.off)
		return 0
	}
	v := binary.LittleEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil || d.remaining() < 8 {
		d.fail("payload truncated at byte %d", d.off)
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v
}

func (d *decoder) str() string {
	length := d.u32()
	if d.err != nil {
		return ""
	}
	if length > maxStringLength {
		d.fail("string length %d exceeds %d", length, maxStringLength)
		return ""
	}
	if d.remaining() < int(length) {
		d.fail("string of %d bytes overruns payload at byte %d", length, d.off)
		return ""
	}
	v := string(d.data[d.off : d.off+int(length)])
	d.off += int(length)
	return v
}

func (d *decoder) strList() []string {
	count := d.u16()
	if d.err != nil {
		return nil
	}
	list := make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		list = append(list, d.str())
		if d.err != nil {
			return nil
		}
	}
	return list
}

// finish reports the latched decode error, or rejects trailing bytes
// that the variant decoder did not consume.
func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.remaining() != 0 {
		return fmt.Errorf("%d trailing bytes after payload: %w", d.remaining(), ErrMalformedMessage)
	}
	return nil
}
