// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lanternview/lanternview/lib/clock"
	"github.com/lanternview/lanternview/lib/plugindigest"
	"github.com/lanternview/lanternview/lib/shmem"
	"github.com/lanternview/lanternview/lib/testutil"
	"github.com/lanternview/lanternview/lib/wire"
	"github.com/lanternview/lanternview/supervisor"
)

// fakeBridge satisfies Bridge with a scripted Do and records releases.
type fakeBridge struct {
	blacklist *supervisor.Blacklist
	routes    map[string]plugindigest.Digest
	do        func(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error)

	mu             sync.Mutex
	doCalls        int
	released       []string
	releaseCtxErrs []error
}

func newFakeBridge(t *testing.T, threshold int) *fakeBridge {
	t.Helper()
	blacklist, err := supervisor.NewBlacklist(threshold, "", clock.Real())
	if err != nil {
		t.Fatalf("NewBlacklist: %v", err)
	}
	return &fakeBridge{
		blacklist: blacklist,
		routes:    map[string]plugindigest.Digest{"png": {0x01}},
	}
}

func (b *fakeBridge) PluginFor(extension string) (uint32, plugindigest.Digest, bool) {
	digest, ok := b.routes[extension]
	return 7, digest, ok
}

func (b *fakeBridge) Do(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error) {
	b.mu.Lock()
	b.doCalls++
	b.mu.Unlock()
	return b.do(ctx, decoder, request)
}

func (b *fakeBridge) ReleaseBuffer(ctx context.Context, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, name)
	b.releaseCtxErrs = append(b.releaseCtxErrs, ctx.Err())
}

func (b *fakeBridge) Blacklist() *supervisor.Blacklist { return b.blacklist }

func (b *fakeBridge) releasedNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.released...)
}

func (b *fakeBridge) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doCalls
}

func (b *fakeBridge) releaseContextErrs() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.releaseCtxErrs...)
}

// recordingUploader captures the upload it receives.
type recordingUploader struct {
	mu      sync.Mutex
	uploads int
	pixels  []byte
	width   uint32
	stride  uint32
	err     error
}

func (u *recordingUploader) Upload(pixels []byte, width, height, alignedStride uint32, format wire.PixelFormat) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads++
	u.pixels = append([]byte(nil), pixels...)
	u.width = width
	u.stride = alignedStride
	return u.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTestBuffer creates a linked shared buffer holding size bytes of
// a recognizable pattern and returns its name. Unlinked in cleanup in
// case the code under test never releases it.
func writeTestBuffer(t *testing.T, size uint64) string {
	t.Helper()
	buffer, err := shmem.Create(shmem.NewName(), size)
	if err != nil {
		t.Fatalf("creating test buffer: %v", err)
	}
	for i := range buffer.Bytes() {
		buffer.Bytes()[i] = byte(i)
	}
	name := buffer.Name()
	if err := buffer.Close(); err != nil {
		t.Fatalf("closing test buffer: %v", err)
	}
	t.Cleanup(func() { shmem.Unlink(name) })
	return name
}

func TestFetchSuccess(t *testing.T) {
	bridge := newFakeBridge(t, 3)
	name := writeTestBuffer(t, 512)
	bridge.do = func(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error) {
		picture, ok := request.(wire.GetPicture)
		if !ok {
			t.Fatalf("bridge received %T, want GetPicture", request)
		}
		if picture.PluginID != 7 {
			t.Fatalf("plugin id %d, want 7", picture.PluginID)
		}
		return wire.ImageReady{
			BufferName:    name,
			Width:         2,
			Height:        2,
			AlignedStride: 256,
			Format:        wire.FormatRGBA8,
			Size:          512,
		}, nil
	}

	uploader := &recordingUploader{}
	orchestrator := New(bridge, uploader, 4, discardLogger())

	image, err := orchestrator.Fetch(context.Background(), "/pictures/cat.png")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if image.Width != 2 || image.Height != 2 || image.AlignedStride != 256 || image.Size != 512 {
		t.Fatalf("unexpected image metadata: %+v", image)
	}

	if uploader.uploads != 1 {
		t.Fatalf("uploads = %d, want 1", uploader.uploads)
	}
	if len(uploader.pixels) != 512 {
		t.Fatalf("uploaded %d bytes, want 512", len(uploader.pixels))
	}
	if uploader.pixels[0] != 0 || uploader.pixels[255] != 255 {
		t.Fatal("uploaded bytes do not match the buffer contents")
	}

	released := bridge.releasedNames()
	if len(released) != 1 || released[0] != name {
		t.Fatalf("released %v, want [%s]", released, name)
	}
}

func TestFetchUnknownExtension(t *testing.T) {
	bridge := newFakeBridge(t, 3)
	orchestrator := New(bridge, &recordingUploader{}, 4, discardLogger())

	_, err := orchestrator.Fetch(context.Background(), "/pictures/scan.tiff")
	if !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("Fetch returned %v, want ErrPluginNotFound", err)
	}
	if bridge.calls() != 0 {
		t.Fatal("unroutable fetch reached the codec host")
	}
}

func TestFetchBlacklistedFailsFast(t *testing.T) {
	bridge := newFakeBridge(t, 1)
	decoder := bridge.routes["png"]
	bridge.blacklist.RecordFailure(decoder)

	orchestrator := New(bridge, &recordingUploader{}, 4, discardLogger())
	_, err := orchestrator.Fetch(context.Background(), "/pictures/cat.png")
	if !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("Fetch returned %v, want ErrPluginNotFound", err)
	}
	if bridge.calls() != 0 {
		t.Fatal("blacklisted fetch reached the codec host")
	}
}

func TestFetchStrideValidation(t *testing.T) {
	// Width 1000 at 4 bytes per pixel has raw stride 4000; the only
	// acceptable aligned stride is 4096.
	cases := []struct {
		name   string
		stride uint32
		size   uint64
		ok     bool
	}{
		{name: "aligned accepted", stride: 4096, size: 4096, ok: true},
		{name: "raw stride rejected", stride: 4000, size: 4000, ok: false},
		{name: "misaligned rejected", stride: 4352, size: 4352, ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bridge := newFakeBridge(t, 3)
			var name string
			if tc.ok {
				name = writeTestBuffer(t, tc.size)
			} else {
				name = shmem.NewName()
			}
			bridge.do = func(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error) {
				return wire.ImageReady{
					BufferName:    name,
					Width:         1000,
					Height:        1,
					AlignedStride: tc.stride,
					Format:        wire.FormatRGBA8,
					Size:          tc.size,
				}, nil
			}

			uploader := &recordingUploader{}
			orchestrator := New(bridge, uploader, 4, discardLogger())
			_, err := orchestrator.Fetch(context.Background(), "/pictures/cat.png")

			if tc.ok {
				if err != nil {
					t.Fatalf("Fetch: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("Fetch returned %v, want ErrProtocolViolation", err)
			}
			if uploader.uploads != 0 {
				t.Fatal("untrusted buffer was uploaded")
			}
			if released := bridge.releasedNames(); len(released) != 1 {
				t.Fatalf("rejected buffer not released: %v", released)
			}
		})
	}
}

func TestFetchSizeMismatchRejected(t *testing.T) {
	bridge := newFakeBridge(t, 3)
	bridge.do = func(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error) {
		// Stride checks out for 2x2 RGBA but the size does not.
		return wire.ImageReady{
			BufferName:    shmem.NewName(),
			Width:         2,
			Height:        2,
			AlignedStride: 256,
			Format:        wire.FormatRGBA8,
			Size:          1024,
		}, nil
	}

	orchestrator := New(bridge, &recordingUploader{}, 4, discardLogger())
	_, err := orchestrator.Fetch(context.Background(), "/pictures/cat.png")
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("Fetch returned %v, want ErrProtocolViolation", err)
	}
}

func TestFetchForeignBufferNameRejected(t *testing.T) {
	bridge := newFakeBridge(t, 3)
	bridge.do = func(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error) {
		return wire.ImageReady{
			BufferName:    "../etc/passwd",
			Width:         2,
			Height:        2,
			AlignedStride: 256,
			Format:        wire.FormatRGBA8,
			Size:          512,
		}, nil
	}

	orchestrator := New(bridge, &recordingUploader{}, 4, discardLogger())
	_, err := orchestrator.Fetch(context.Background(), "/pictures/cat.png")
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("Fetch returned %v, want ErrProtocolViolation", err)
	}
}

func TestFetchRemoteError(t *testing.T) {
	bridge := newFakeBridge(t, 3)
	bridge.do = func(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error) {
		return wire.Error{Code: wire.CodeDecodeFailed, Message: "truncated scanline"}, nil
	}

	orchestrator := New(bridge, &recordingUploader{}, 4, discardLogger())
	_, err := orchestrator.Fetch(context.Background(), "/pictures/cat.png")

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Fetch returned %v, want *RemoteError", err)
	}
	if remote.Code != wire.CodeDecodeFailed {
		t.Fatalf("remote code = %v, want CodeDecodeFailed", remote.Code)
	}
}

func TestFetchVanishedBuffer(t *testing.T) {
	bridge := newFakeBridge(t, 3)
	name := shmem.NewName() // never created
	bridge.do = func(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error) {
		return wire.ImageReady{
			BufferName:    name,
			Width:         2,
			Height:        2,
			AlignedStride: 256,
			Format:        wire.FormatRGBA8,
			Size:          512,
		}, nil
	}

	orchestrator := New(bridge, &recordingUploader{}, 4, discardLogger())
	_, err := orchestrator.Fetch(context.Background(), "/pictures/cat.png")
	if !errors.Is(err, shmem.ErrNotFound) {
		t.Fatalf("Fetch returned %v, want shmem.ErrNotFound", err)
	}
	if released := bridge.releasedNames(); len(released) != 1 {
		t.Fatalf("unmappable buffer not released: %v", released)
	}
}

func TestFetchUploadFailureStillReleases(t *testing.T) {
	bridge := newFakeBridge(t, 3)
	name := writeTestBuffer(t, 512)
	bridge.do = func(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error) {
		return wire.ImageReady{
			BufferName:    name,
			Width:         2,
			Height:        2,
			AlignedStride: 256,
			Format:        wire.FormatRGBA8,
			Size:          512,
		}, nil
	}

	uploadFailed := errors.New("texture allocation failed")
	uploader := &recordingUploader{err: uploadFailed}
	orchestrator := New(bridge, uploader, 4, discardLogger())

	_, err := orchestrator.Fetch(context.Background(), "/pictures/cat.png")
	if !errors.Is(err, uploadFailed) {
		t.Fatalf("Fetch returned %v, want upload failure", err)
	}
	if released := bridge.releasedNames(); len(released) != 1 || released[0] != name {
		t.Fatalf("buffer not released after upload failure: %v", released)
	}
}

// cancellingUploader cancels the fetch's own context mid-upload, the
// earliest point a caller teardown can race the release.
type cancellingUploader struct {
	cancel context.CancelFunc
}

func (u *cancellingUploader) Upload(pixels []byte, width, height, alignedStride uint32, format wire.PixelFormat) error {
	u.cancel()
	return nil
}

func TestFetchReleaseOutlivesCallerCancellation(t *testing.T) {
	bridge := newFakeBridge(t, 3)
	name := writeTestBuffer(t, 512)
	bridge.do = func(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error) {
		return wire.ImageReady{
			BufferName:    name,
			Width:         2,
			Height:        2,
			AlignedStride: 256,
			Format:        wire.FormatRGBA8,
			Size:          512,
		}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orchestrator := New(bridge, &cancellingUploader{cancel: cancel}, 4, discardLogger())

	if _, err := orchestrator.Fetch(ctx, "/pictures/cat.png"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	released := bridge.releasedNames()
	if len(released) != 1 || released[0] != name {
		t.Fatalf("released %v, want [%s]", released, name)
	}
	// The release must not inherit the cancelled fetch context, or the
	// host would never be told to drop its mapping.
	if errs := bridge.releaseContextErrs(); len(errs) != 1 || errs[0] != nil {
		t.Fatalf("release saw context errors %v, want [<nil>]", errs)
	}
}

func TestFetchConcurrencyLimit(t *testing.T) {
	bridge := newFakeBridge(t, 3)

	entered := make(chan struct{}, 8)
	proceed := make(chan struct{})
	bridge.do = func(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error) {
		entered <- struct{}{}
		select {
		case <-proceed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return wire.Error{Code: wire.CodeDecodeFailed, Message: "scripted"}, nil
	}

	orchestrator := New(bridge, &recordingUploader{}, 2, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orchestrator.Fetch(ctx, "/pictures/cat.png")
		}()
	}

	testutil.RequireReceive(t, entered, 5*time.Second, "first fetch dispatched")
	testutil.RequireReceive(t, entered, 5*time.Second, "second fetch dispatched")
	testutil.RequireNoReceive(t, entered, 100*time.Millisecond, "third fetch must wait for a free slot")

	close(proceed)
	testutil.RequireReceive(t, entered, 5*time.Second, "third fetch dispatched after a slot freed")
	wg.Wait()
}
