// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements the duplex control channel between the
// supervising process and the codec host.
//
// A Channel owns one connection. A single receive goroutine is the
// only reader of the socket; writes are serialized through a mutex so
// frames from concurrent senders never interleave. Each Send stamps
// the request with a fresh correlation id and blocks until the
// matching response arrives, the per-request timeout expires, the
// caller's context is cancelled, or the connection breaks. Responses
// are routed purely by correlation id, so replies may arrive in any
// order relative to submission.
//
// A Channel never recovers from a broken connection: on read failure
// or a malformed frame, every outstanding call resolves with
// ErrConnectionLost exactly once and the Channel is permanently
// closed. Re-establishing contact with a codec host means spawning a
// new process and a new Channel; that policy belongs to the
// supervisor, not here.
package control
