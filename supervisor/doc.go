// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns the lifecycle of the codec host process.
//
// The codec host runs legacy decoder code that is assumed to crash,
// hang, or corrupt its own process on malformed input. The supervisor
// treats it strictly as a crash domain: faults over there are observed
// only as process exit or unresponsiveness, never caught or recovered
// in place. The one recovery mechanism is process replacement.
//
// A Supervisor moves through the states Starting, Ready, Busy,
// Unresponsive, Crashed, Restarting, ShuttingDown, and Failed. It
// spawns the host with its lifetime bound to the supervising process
// (the host is killed by the kernel if the supervisor dies), completes
// a Ping handshake and plugin loading before reporting Ready, and
// replaces the process with exponential backoff when it crashes or
// stops answering. Requests that arrive while the host is down wait
// for the next Ready state or the caller's context, whichever ends
// first.
//
// Failures are charged to decoder identities, the BLAKE3 digests of
// the plugin files, through the Blacklist. A decoder that takes the host
// down repeatedly is excluded from future dispatch without a spawn,
// and the exclusion survives supervisor restarts via the journal file.
//
// The Supervisor and Blacklist are explicitly constructed singletons:
// created once at subsystem startup, passed by reference to the
// transfer orchestrator, and torn down by Shutdown.
package supervisor
