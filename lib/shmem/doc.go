// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

// Package shmem manages the named shared-memory regions that carry
// decoded pixel data between the codec host and the supervising
// process without copying.
//
// Each transfer gets a fresh region under the session-local namespace
// (/dev/shm on Linux) named lv_img_<uuid>; names are never reused. The
// region is created mode 0600, owner-only rather than the permissive
// default, so only the supervising user's processes can map it.
//
// Ownership follows a strict hand-off: the codec host creates the
// region, writes every byte (row padding included), and only then
// announces it over the control channel. Delivery of that message is
// the publish boundary: the kernel's socket transfer orders the
// writes ahead of the read side mapping the region, so a reader never
// observes a partially written image. After the announcement the host
// never touches the region again; the reader maps it read-only,
// consumes it, closes its mapping, and the host unlinks the name once
// told the transfer is complete.
package shmem
