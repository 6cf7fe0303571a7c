// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

// Package stride computes padded row strides for decoded image buffers.
//
// The GPU upload path requires each row of a texture transfer to start on a
// 256-byte boundary, so every decoded image row is padded out to the next
// multiple of [Alignment]. Both sides of the codec bridge compute the
// stride independently: the codec host uses it to size the shared buffer
// it writes pixels into, and the supervising process uses it to validate
// the stride declared in an ImageReady response. The two computations must
// agree bit-for-bit; a disagreement is a protocol violation, not a value
// to be reconciled.
package stride

import (
	"errors"
	"fmt"
)

// Alignment is the row alignment in bytes required by the GPU texture
// upload interface. Every aligned stride is a multiple of this value.
const Alignment = 256

// MaxStride is the largest aligned stride accepted for a single row.
// Beyond this the buffer size computation risks overflow and no real
// image is that wide. 1 GiB.
const MaxStride = 1 << 30

// ErrInvalidDimension is returned for a zero width, a bytes-per-pixel
// outside 1..4, or a stride exceeding MaxStride.
var ErrInvalidDimension = errors.New("invalid image dimension")

// Aligned returns the row stride for an image of the given pixel width
// and bytes-per-pixel, padded up to the next multiple of Alignment.
//
// The result is always >= width*bytesPerPixel and always a multiple of
// 256. Deterministic with no side effects.
func Aligned(width, bytesPerPixel uint32) (uint32, error) {
	if width == 0 {
		return 0, fmt.Errorf("width is zero: %w", ErrInvalidDimension)
	}
	if bytesPerPixel < 1 || bytesPerPixel > 4 {
		return 0, fmt.Errorf("bytes per pixel %d outside 1..4: %w", bytesPerPixel, ErrInvalidDimension)
	}

	raw := uint64(width) * uint64(bytesPerPixel)
	aligned := (raw + Alignment - 1) &^ (Alignment - 1)
	if aligned > MaxStride {
		return 0, fmt.Errorf("stride %d exceeds limit %d: %w", aligned, uint64(MaxStride), ErrInvalidDimension)
	}
	return uint32(aligned), nil
}

// BufferSize returns the total byte size of a shared image buffer:
// aligned stride times height. Fails with ErrInvalidDimension when
// height is zero or the product overflows the addressable limit for a
// single transfer (MaxStride bytes, reused as the whole-buffer cap).
func BufferSize(alignedStride, height uint32) (uint64, error) {
	if height == 0 {
		return 0, fmt.Errorf("height is zero: %w", ErrInvalidDimension)
	}
	size := uint64(alignedStride) * uint64(height)
	if size > MaxStride {
		return 0, fmt.Errorf("buffer size %d exceeds limit %d: %w", size, uint64(MaxStride), ErrInvalidDimension)
	}
	return size, nil
}
