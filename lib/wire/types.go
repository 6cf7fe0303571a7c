// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// Version is the protocol schema version carried in every frame. A
// frame with a different version is rejected as malformed. The
// supervisor and codec host ship from the same build, so a mismatch
// means the stream is corrupt or the wrong process is on the socket.
const Version = 1

// PixelFormat identifies the layout of decoded pixel data in a shared
// buffer.
type PixelFormat uint8

const (
	FormatRGBA8 PixelFormat = iota + 1
	FormatBGRA8
	FormatRGB8
	FormatBGR8
	FormatGray8
	FormatGrayAlpha8
)

// BytesPerPixel returns the per-pixel byte width of the format, or 0
// for an unknown format value.
func (f PixelFormat) BytesPerPixel() uint32 {
	switch f {
	case FormatRGBA8, FormatBGRA8:
		return 4
	case FormatRGB8, FormatBGR8:
		return 3
	case FormatGrayAlpha8:
		return 2
	case FormatGray8:
		return 1
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA8:
		return "rgba8"
	case FormatBGRA8:
		return "bgra8"
	case FormatRGB8:
		return "rgb8"
	case FormatBGR8:
		return "bgr8"
	case FormatGray8:
		return "gray8"
	case FormatGrayAlpha8:
		return "grayalpha8"
	default:
		return fmt.Sprintf("pixelformat(%d)", uint8(f))
	}
}

// ErrorCode classifies a failure reported by the codec host in an
// Error response.
type ErrorCode uint16

const (
	CodePluginNotFound ErrorCode = iota + 1
	CodePluginLoadFailed
	CodeFileNotFound
	CodeFileAccessDenied
	CodeUnsupportedFormat
	CodeDecodeFailed
	CodeMemoryAllocationFailed
	CodeTimeout
	CodeCorrupted
	CodeUnknown
)

func (c ErrorCode) String() string {
	switch c {
	case CodePluginNotFound:
		return "plugin-not-found"
	case CodePluginLoadFailed:
		return "plugin-load-failed"
	case CodeFileNotFound:
		return "file-not-found"
	case CodeFileAccessDenied:
		return "file-access-denied"
	case CodeUnsupportedFormat:
		return "unsupported-format"
	case CodeDecodeFailed:
		return "decode-failed"
	case CodeMemoryAllocationFailed:
		return "memory-allocation-failed"
	case CodeTimeout:
		return "timeout"
	case CodeCorrupted:
		return "corrupted"
	case CodeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("errorcode(%d)", uint16(c))
	}
}

// Message tags. Requests occupy the low range, responses have the high
// bit set. Tag values are part of the wire contract and never reused.
const (
	tagLoadPlugin    byte = 0x01
	tagGetPicture    byte = 0x02
	tagPing          byte = 0x03
	tagShutdown      byte = 0x04
	tagReleaseBuffer byte = 0x05

	tagImageReady   byte = 0x81
	tagPluginLoaded byte = 0x82
	tagPong         byte = 0x83
	tagError        byte = 0x84
	tagShutdownAck  byte = 0x85
	tagReleaseAck   byte = 0x86
)

// Request is a message sent from the supervising process to the codec
// host. Implementations are value types; a Request is immutable once
// handed to the control channel.
type Request interface {
	tag() byte
	encodePayload(e *encoder)
}

// Response is a message sent from the codec host back to the
// supervising process.
type Response interface {
	tag() byte
	encodePayload(e *encoder)
}

// LoadPlugin asks the codec host to load a decoder plugin from a path
// inside its own filesystem view. The path is an opaque byte string:
// it is carried verbatim and never assumed to be valid UTF-8.
type LoadPlugin struct {
	Path string
}

func (LoadPlugin) tag() byte { return tagLoadPlugin }

// GetPicture asks the codec host to decode the image at Path using the
// plugin identified by PluginID, writing the pixels into a freshly
// created shared buffer. Offset and TotalSize describe the byte window
// of the image within its container; both zero, the usual case for a
// plain file, means decode from the start to the end of the file.
type GetPicture struct {
	PluginID  uint32
	Path      string
	Offset    uint64
	TotalSize uint64
}

func (GetPicture) tag() byte { return tagGetPicture }

// Ping is the health probe. The codec host answers with Pong.
type Ping struct{}

func (Ping) tag() byte { return tagPing }

// Shutdown asks the codec host to release loaded plugins, delete any
// temporary extraction files, acknowledge, and exit.
type Shutdown struct{}

func (Shutdown) tag() byte { return tagShutdown }

// ReleaseBuffer tells the codec host the reader has finished with a
// shared buffer and the host may reclaim the region. The buffer's
// memory is fully freed once the host unlinks the name, completing the
// ownership hand-off that began with ImageReady.
type ReleaseBuffer struct {
	BufferName string
}

func (ReleaseBuffer) tag() byte { return tagReleaseBuffer }

// ImageReady announces a decoded image in the named shared buffer.
// Ownership of the buffer transfers to the receiver at the moment this
// response is delivered: the codec host has finished writing (padding
// bytes included) and will not touch the region again until release.
type ImageReady struct {
	BufferName    string
	Width         uint32
	Height        uint32
	AlignedStride uint32
	Format        PixelFormat
	Size          uint64
}

func (ImageReady) tag() byte { return tagImageReady }

// PluginLoaded reports a successfully loaded decoder plugin: its
// host-assigned id, display name, and the lower-cased file extensions
// it handles (without leading dots).
type PluginLoaded struct {
	PluginID   uint32
	Name       string
	Extensions []string
}

func (PluginLoaded) tag() byte { return tagPluginLoaded }

// Pong answers a Ping.
type Pong struct{}

func (Pong) tag() byte { return tagPong }

// Error reports a request failure. Message is human-readable detail
// for logs; Code is the machine-routable classification.
type Error struct {
	Code    ErrorCode
	Message string
}

func (Error) tag() byte { return tagError }

// ShutdownAck acknowledges a Shutdown request. The codec host exits
// immediately after sending it.
type ShutdownAck struct{}

func (ShutdownAck) tag() byte { return tagShutdownAck }

// ReleaseAck acknowledges a ReleaseBuffer request. Sent whether or not
// the name was still live; release is idempotent.
type ReleaseAck struct{}

func (ReleaseAck) tag() byte { return tagReleaseAck }
