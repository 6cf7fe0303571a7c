// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer drives the end-to-end image transfer sequence:
// route the request to a decoder, wait for the codec host to announce
// a filled shared buffer, validate the announcement against locally
// computed geometry, map the buffer read-only, hand the pixels to the
// rendering collaborator, and release the buffer.
//
// The orchestrator never retries. Restart and blacklist policy belong
// to the supervisor; a Fetch reports exactly what happened to it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/lanternview/lanternview/lib/plugindigest"
	"github.com/lanternview/lanternview/lib/shmem"
	"github.com/lanternview/lanternview/lib/stride"
	"github.com/lanternview/lanternview/lib/wire"
	"github.com/lanternview/lanternview/supervisor"
)

var (
	// ErrPluginNotFound means no usable decoder serves the file's
	// extension: none is configured, or the one that would is
	// blacklisted. Returned without touching the codec host.
	ErrPluginNotFound = errors.New("no decoder plugin for file")

	// ErrProtocolViolation means an ImageReady announcement failed
	// local validation. The announced geometry disagrees with the
	// alignment rules both sides must compute identically, so the
	// buffer contents cannot be trusted.
	ErrProtocolViolation = errors.New("codec host response violates protocol")
)

// RemoteError is a failure the codec host reported in an Error
// response, surfaced with its wire code intact.
type RemoteError struct {
	Code    wire.ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("codec host: %s: %s", e.Code, e.Message)
}

// Uploader is the rendering collaborator receiving decoded pixels.
// Upload is synchronous and must not retain pixels after returning:
// the slice aliases a shared mapping that is unmapped when Upload
// completes.
type Uploader interface {
	Upload(pixels []byte, width, height, alignedStride uint32, format wire.PixelFormat) error
}

// Image describes one completed transfer. The pixel bytes themselves
// were handed to the Uploader and are already released.
type Image struct {
	Width         uint32
	Height        uint32
	AlignedStride uint32
	Format        wire.PixelFormat
	Size          uint64
}

// Bridge is the supervised codec host as the orchestrator sees it.
// Satisfied by *supervisor.Supervisor.
type Bridge interface {
	PluginFor(extension string) (uint32, plugindigest.Digest, bool)
	Do(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error)
	ReleaseBuffer(ctx context.Context, name string)
	Blacklist() *supervisor.Blacklist
}

// Orchestrator exposes Fetch over a supervised codec host. Concurrent
// Fetch calls are allowed up to the in-flight limit; beyond it callers
// queue, bounding how many shared buffers exist at once.
type Orchestrator struct {
	bridge   Bridge
	uploader Uploader
	inFlight *semaphore.Weighted
	logger   *slog.Logger
}

// New creates an Orchestrator. maxInFlight bounds concurrent
// transfers; logger nil falls back to slog.Default().
func New(bridge Bridge, uploader Uploader, maxInFlight int64, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		bridge:   bridge,
		uploader: uploader,
		inFlight: semaphore.NewWeighted(maxInFlight),
		logger:   logger,
	}
}

// Fetch decodes the image at path through the codec host and uploads
// the pixels to the rendering collaborator. It blocks for the whole
// transfer; callers wanting asynchrony run it in their own goroutine.
// Cancelling ctx abandons the transfer locally; the host's late
// response is discarded and its buffer reclaimed by release or sweep.
func (o *Orchestrator) Fetch(ctx context.Context, path string) (Image, error) {
	if err := o.inFlight.Acquire(ctx, 1); err != nil {
		return Image{}, err
	}
	defer o.inFlight.Release(1)

	extension := strings.TrimPrefix(filepath.Ext(path), ".")
	pluginID, decoder, ok := o.bridge.PluginFor(extension)
	if !ok {
		return Image{}, fmt.Errorf("extension %q: %w", extension, ErrPluginNotFound)
	}
	// Routes are rebuilt on restart, so a decoder blacklisted since
	// the current host came up can still be routed. Check again here
	// to fail fast instead of dispatching to a known-bad decoder.
	if o.bridge.Blacklist().IsBlacklisted(decoder) {
		return Image{}, fmt.Errorf("decoder for %q is blacklisted: %w", extension, ErrPluginNotFound)
	}

	response, err := o.bridge.Do(ctx, decoder, wire.GetPicture{
		PluginID: pluginID,
		Path:     path,
	})
	if err != nil {
		return Image{}, fmt.Errorf("fetching %s: %w", path, err)
	}

	switch response := response.(type) {
	case wire.ImageReady:
		return o.consume(ctx, path, decoder, response)
	case wire.Error:
		o.logger.Debug("codec host declined request",
			"path", path, "code", response.Code, "detail", response.Message)
		return Image{}, &RemoteError{Code: response.Code, Message: response.Message}
	default:
		return Image{}, fmt.Errorf("GetPicture answered with %T: %w", response, ErrProtocolViolation)
	}
}

// consume validates an ImageReady announcement, maps the buffer, and
// hands the pixels over. The buffer is released on every path out,
// under a context detached from the caller's: a fetch cancelled after
// the announcement must still notify the host, or the host keeps its
// side of the mapping alive.
func (o *Orchestrator) consume(ctx context.Context, path string, decoder plugindigest.Digest, ready wire.ImageReady) (Image, error) {
	releaseCtx := context.WithoutCancel(ctx)

	if err := validate(ready); err != nil {
		o.bridge.ReleaseBuffer(releaseCtx, ready.BufferName)
		o.logger.Warn("rejecting untrusted image announcement",
			"path", path, "buffer", ready.BufferName, "error", err)
		return Image{}, err
	}

	view, err := shmem.OpenReadOnly(ready.BufferName, ready.Size)
	if err != nil {
		o.bridge.ReleaseBuffer(releaseCtx, ready.BufferName)
		return Image{}, fmt.Errorf("mapping buffer for %s: %w", path, err)
	}

	uploadErr := o.uploader.Upload(view.Bytes(), ready.Width, ready.Height, ready.AlignedStride, ready.Format)
	view.Close()
	o.bridge.ReleaseBuffer(releaseCtx, ready.BufferName)
	if uploadErr != nil {
		return Image{}, fmt.Errorf("uploading %s: %w", path, uploadErr)
	}

	o.bridge.Blacklist().RecordSuccess(decoder)
	return Image{
		Width:         ready.Width,
		Height:        ready.Height,
		AlignedStride: ready.AlignedStride,
		Format:        ready.Format,
		Size:          ready.Size,
	}, nil
}

// validate rejects announcements whose geometry disagrees with the
// alignment rules, whose size does not match that geometry, or whose
// buffer name falls outside the arena's namespace. An inconsistent
// announcement marks the buffer contents as untrustworthy.
func validate(ready wire.ImageReady) error {
	bytesPerPixel := ready.Format.BytesPerPixel()
	if bytesPerPixel == 0 {
		return fmt.Errorf("unknown pixel format %d: %w", uint8(ready.Format), ErrProtocolViolation)
	}

	expectedStride, err := stride.Aligned(ready.Width, bytesPerPixel)
	if err != nil {
		return fmt.Errorf("announced dimensions %dx%d: %v: %w",
			ready.Width, ready.Height, err, ErrProtocolViolation)
	}
	if ready.AlignedStride != expectedStride {
		return fmt.Errorf("announced stride %d, expected %d for width %d: %w",
			ready.AlignedStride, expectedStride, ready.Width, ErrProtocolViolation)
	}

	expectedSize, err := stride.BufferSize(expectedStride, ready.Height)
	if err != nil {
		return fmt.Errorf("announced dimensions %dx%d: %v: %w",
			ready.Width, ready.Height, err, ErrProtocolViolation)
	}
	if ready.Size != expectedSize {
		return fmt.Errorf("announced size %d, expected %d: %w",
			ready.Size, expectedSize, ErrProtocolViolation)
	}

	if err := shmem.ValidateName(ready.BufferName); err != nil {
		return fmt.Errorf("announced buffer name: %v: %w", err, ErrProtocolViolation)
	}
	return nil
}
