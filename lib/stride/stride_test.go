// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

package stride

import (
	"errors"
	"testing"
)

func TestAligned(t *testing.T) {
	cases := []struct {
		name  string
		width uint32
		bpp   uint32
		want  uint32
	}{
		{"already aligned", 1920, 4, 7680},
		{"rounds up", 1000, 4, 4096},
		{"small image", 100, 4, 512},
		{"single pixel", 1, 1, 256},
		{"three bytes per pixel", 1000, 3, 3072},
		{"grayscale", 333, 1, 512},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Aligned(tc.width, tc.bpp)
			if err != nil {
				t.Fatalf("Aligned(%d, %d): %v", tc.width, tc.bpp, err)
			}
			if got != tc.want {
				t.Errorf("Aligned(%d, %d) = %d, want %d", tc.width, tc.bpp, got, tc.want)
			}
		})
	}
}

func TestAlignedProperties(t *testing.T) {
	// Every valid (width, bpp) pair yields a stride that is a multiple
	// of the alignment and at least as large as the raw stride.
	for _, width := range []uint32{1, 7, 100, 255, 256, 257, 1000, 1920, 4096, 100000} {
		for bpp := uint32(1); bpp <= 4; bpp++ {
			got, err := Aligned(width, bpp)
			if err != nil {
				t.Fatalf("Aligned(%d, %d): %v", width, bpp, err)
			}
			if got%Alignment != 0 {
				t.Errorf("Aligned(%d, %d) = %d, not a multiple of %d", width, bpp, got, Alignment)
			}
			if got < width*bpp {
				t.Errorf("Aligned(%d, %d) = %d, less than raw stride %d", width, bpp, got, width*bpp)
			}
		}
	}
}

func TestAlignedInvalid(t *testing.T) {
	cases := []struct {
		name  string
		width uint32
		bpp   uint32
	}{
		{"zero width", 0, 4},
		{"zero bpp", 100, 0},
		{"bpp too large", 100, 5},
		{"stride overflow", 1 << 31, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Aligned(tc.width, tc.bpp); !errors.Is(err, ErrInvalidDimension) {
				t.Errorf("Aligned(%d, %d) error = %v, want ErrInvalidDimension", tc.width, tc.bpp, err)
			}
		})
	}
}

func TestBufferSize(t *testing.T) {
	size, err := BufferSize(4096, 800)
	if err != nil {
		t.Fatalf("BufferSize: %v", err)
	}
	if size != 4096*800 {
		t.Errorf("BufferSize = %d, want %d", size, 4096*800)
	}

	if _, err := BufferSize(4096, 0); !errors.Is(err, ErrInvalidDimension) {
		t.Errorf("zero height error = %v, want ErrInvalidDimension", err)
	}
	if _, err := BufferSize(1<<30, 1<<20); !errors.Is(err, ErrInvalidDimension) {
		t.Errorf("oversized buffer error = %v, want ErrInvalidDimension", err)
	}
}
