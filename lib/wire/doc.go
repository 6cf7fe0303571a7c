// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the message schema and binary codec for the
// control protocol between the supervising process and the codec host.
//
// The format is an external contract, fixed regardless of host
// architecture: every frame is a 4-byte little-endian length prefix
// followed by the payload, and every integer inside the payload is
// little-endian. The payload starts with a version byte, a tag byte
// identifying the message variant, and the 8-byte correlation id that
// links a response back to its request.
//
// Pixel data never crosses this channel: an ImageReady response
// carries only the name of the shared buffer the codec host wrote the
// pixels into. Frames are therefore small; anything over MaxFrameSize
// is treated as a malformed stream.
//
// Decode failures are reported as errors wrapping ErrMalformedMessage
// and the connection that produced them must be treated as broken. The
// codec itself never panics on hostile input.
package wire
