// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// NamePrefix starts every buffer name created by this package. Names
// received over the control channel that lack the prefix are rejected
// before any filesystem access.
const NamePrefix = "lv_img_"

// shmDir is the session-local shared memory namespace.
const shmDir = "/dev/shm"

// MaxBufferSize caps a single region. Matches the stride package's
// whole-buffer limit; a declared size beyond it is never honored.
const MaxBufferSize = 1 << 30

var (
	// ErrAllocationFailed indicates the region could not be created or
	// sized, typically memory exhaustion in the shared namespace.
	ErrAllocationFailed = errors.New("shared buffer allocation failed")

	// ErrNotFound indicates the named region no longer exists: the
	// other side already released it, or never created it.
	ErrNotFound = errors.New("shared buffer not found")

	// ErrAccessDenied indicates the region exists but is owned by a
	// different user or mapped with insufficient permissions.
	ErrAccessDenied = errors.New("shared buffer access denied")

	// ErrInvalidName indicates a buffer name that this package could
	// not have generated: wrong prefix, path separators, or absurd
	// length. Treated as hostile input.
	ErrInvalidName = errors.New("invalid shared buffer name")
)

// NewName returns a fresh buffer name: the package prefix plus a
// random UUID. One name per transfer; the randomness makes collision
// with a concurrent or stale region practically impossible.
func NewName() string {
	return NamePrefix + uuid.NewString()
}

// ValidateName checks that name is a plausible product of NewName.
// Every name arriving over the control channel passes through here
// before it is joined to the shared-memory directory. The codec host
// is untrusted, and a crafted name must not escape the namespace.
func ValidateName(name string) error {
	if !strings.HasPrefix(name, NamePrefix) {
		return fmt.Errorf("name %q lacks prefix %q: %w", name, NamePrefix, ErrInvalidName)
	}
	if len(name) > 128 {
		return fmt.Errorf("name length %d exceeds 128: %w", len(name), ErrInvalidName)
	}
	if strings.ContainsAny(name, "/\x00") || strings.Contains(name, "..") {
		return fmt.Errorf("name %q contains path elements: %w", name, ErrInvalidName)
	}
	return nil
}

// Buffer is a mapped shared-memory region. A Buffer is either writable
// (created by Create, on the codec host side) or read-only (opened by
// OpenReadOnly, on the supervising side). It is not safe for
// concurrent use.
type Buffer struct {
	name     string
	data     []byte
	writable bool
	closed   bool
}

// Create allocates and maps a new region of the given size under name.
// The region is created exclusively (a name collision is an error, not
// a reuse) with mode 0600 so no other user can open it. The mapping is
// read-write; the caller must fully populate it, padding bytes
// included, before announcing the name to the reader.
func Create(name string, size uint64) (*Buffer, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if size == 0 || size > MaxBufferSize {
		return nil, fmt.Errorf("size %d outside 1..%d: %w", size, uint64(MaxBufferSize), ErrAllocationFailed)
	}

	path := shmDir + "/" + name
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %v: %w", path, err, ErrAllocationFailed)
	}
	defer unix.Close(fd)

	// Force the restrictive mode even under a permissive umask. The
	// access scope is part of the contract, not an inherited default.
	if err := unix.Fchmod(fd, 0600); err != nil {
		unix.Unlink(path)
		return nil, fmt.Errorf("setting mode on %s: %v: %w", path, err, ErrAllocationFailed)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Unlink(path)
		return nil, fmt.Errorf("sizing %s to %d bytes: %v: %w", path, size, err, ErrAllocationFailed)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Unlink(path)
		return nil, fmt.Errorf("mapping %s: %v: %w", path, err, ErrAllocationFailed)
	}

	return &Buffer{name: name, data: data, writable: true}, nil
}

// OpenReadOnly maps an existing region for reading. The declared size
// must not exceed the region's actual size: a codec host that
// advertises more bytes than it allocated is lying, and mapping past
// the end would SIGBUS on access.
func OpenReadOnly(name string, size uint64) (*Buffer, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if size == 0 || size > MaxBufferSize {
		return nil, fmt.Errorf("size %d outside 1..%d: %w", size, uint64(MaxBufferSize), ErrInvalidName)
	}

	path := shmDir + "/" + name
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NOFOLLOW, 0)
	switch {
	case errors.Is(err, unix.ENOENT):
		return nil, fmt.Errorf("opening %s: %w", path, ErrNotFound)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return nil, fmt.Errorf("opening %s: %w", path, ErrAccessDenied)
	case err != nil:
		return nil, fmt.Errorf("opening %s: %v: %w", path, err, ErrNotFound)
	}
	defer unix.Close(fd)

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, fmt.Errorf("stat %s: %v: %w", path, err, ErrNotFound)
	}
	if stat.Size < int64(size) {
		return nil, fmt.Errorf("region %s is %d bytes, declared %d: %w", path, stat.Size, size, ErrInvalidName)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping %s read-only: %v: %w", path, err, ErrAccessDenied)
	}

	return &Buffer{name: name, data: data}, nil
}

// Name returns the buffer's name in the shared namespace.
func (b *Buffer) Name() string { return b.name }

// Size returns the mapped length in bytes.
func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

// Bytes returns the mapped region. For read-only buffers the slice
// must not be written (the mapping faults) and must not be retained
// past Close, when the memory is unmapped.
func (b *Buffer) Bytes() []byte { return b.data }

// Close unmaps the region. The name remains in the namespace until
// Unlink; closing a reader's mapping does not disturb the writer's.
// Close is idempotent.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	data := b.data
	b.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("unmapping %s: %w", b.name, err)
	}
	return nil
}

// Unlink removes the buffer's name from the shared namespace. Existing
// mappings stay valid; the memory is freed by the kernel once every
// mapping is gone. Only the creating side unlinks; the reader signals
// completion over the control channel instead.
func (b *Buffer) Unlink() error {
	if !b.writable {
		return fmt.Errorf("unlink of read-only buffer %s: %w", b.name, ErrAccessDenied)
	}
	if err := unix.Unlink(shmDir + "/" + b.name); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlinking %s: %w", b.name, err)
	}
	return nil
}

// Unlink removes a named region without a mapped Buffer. The
// supervisor uses this to sweep leftover regions after a codec host
// crash, where the creating Buffer died with the host process.
func Unlink(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := unix.Unlink(shmDir + "/" + name); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlinking %s: %w", name, err)
	}
	return nil
}
