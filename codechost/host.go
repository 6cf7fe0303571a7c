// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

// Package codechost implements the remote side of the bridge: a serve
// loop that answers control requests, decodes images through the
// plugin registry, and publishes pixels through the shared buffer
// arena. It runs in its own process so decoder faults never reach the
// viewer.
package codechost

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"log/slog"
	"math"
	"net"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/lanternview/lanternview/lib/shmem"
	"github.com/lanternview/lanternview/lib/stride"
	"github.com/lanternview/lanternview/lib/wire"
)

// Host serves one control connection. Requests are handled
// sequentially: one decode at a time, matching the single-threaded
// legacy plugin model the decoders were written for.
type Host struct {
	conn     net.Conn
	registry *Registry
	logger   *slog.Logger

	nextPluginID uint32
	plugins      map[uint32]Decoder
	buffers      map[string]*shmem.Buffer
}

// New creates a Host serving conn. The Host takes ownership of conn.
func New(conn net.Conn, registry *Registry, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		conn:     conn,
		registry: registry,
		logger:   logger,
		plugins:  make(map[uint32]Decoder),
		buffers:  make(map[string]*shmem.Buffer),
	}
}

// Run serves requests until a Shutdown request, a connection failure,
// or ctx cancellation. All shared buffers still owned by the host are
// unlinked before it returns.
func (h *Host) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		return h.serve()
	})
	group.Go(func() error {
		// Unblocks the serve loop's read when the context ends.
		<-groupCtx.Done()
		h.conn.Close()
		return nil
	})

	err := group.Wait()
	h.releaseAll()
	return err
}

// serve is the request loop. It is the only reader of the connection.
func (h *Host) serve() error {
	reader := bufio.NewReader(h.conn)
	for {
		correlationID, request, err := wire.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.logger.Info("control connection closed by viewer")
				return nil
			}
			return fmt.Errorf("reading request: %w", err)
		}

		var response wire.Response
		shutdown := false
		switch request := request.(type) {
		case wire.Ping:
			response = wire.Pong{}

		case wire.LoadPlugin:
			response = h.loadPlugin(request)

		case wire.GetPicture:
			response = h.getPicture(request)

		case wire.ReleaseBuffer:
			response = h.releaseBuffer(request)

		case wire.Shutdown:
			h.logger.Info("shutdown requested")
			response = wire.ShutdownAck{}
			shutdown = true

		default:
			response = wire.Error{Code: wire.CodeUnknown, Message: fmt.Sprintf("unhandled request %T", request)}
		}

		if err := wire.WriteResponse(h.conn, correlationID, response); err != nil {
			return fmt.Errorf("writing response %d: %w", correlationID, err)
		}
		if shutdown {
			return nil
		}
	}
}

func (h *Host) loadPlugin(request wire.LoadPlugin) wire.Response {
	decoder, err := h.registry.Resolve(request.Path)
	if err != nil {
		h.logger.Warn("plugin load failed", "plugin", request.Path, "error", err)
		return wire.Error{Code: wire.CodePluginLoadFailed, Message: err.Error()}
	}

	h.nextPluginID++
	id := h.nextPluginID
	h.plugins[id] = decoder
	h.logger.Info("plugin loaded", "plugin", request.Path, "name", decoder.Name(), "id", id)
	return wire.PluginLoaded{
		PluginID:   id,
		Name:       decoder.Name(),
		Extensions: decoder.Extensions(),
	}
}

// getPicture decodes one image and publishes it as a shared buffer.
// The buffer stays owned by the host until the viewer releases it; a
// decode failure never leaves a buffer behind.
func (h *Host) getPicture(request wire.GetPicture) wire.Response {
	decoder, ok := h.plugins[request.PluginID]
	if !ok {
		return wire.Error{Code: wire.CodePluginNotFound, Message: fmt.Sprintf("plugin %d not loaded", request.PluginID)}
	}

	file, err := os.Open(request.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return wire.Error{Code: wire.CodeFileNotFound, Message: err.Error()}
	case errors.Is(err, os.ErrPermission):
		return wire.Error{Code: wire.CodeFileAccessDenied, Message: err.Error()}
	case err != nil:
		return wire.Error{Code: wire.CodeUnknown, Message: err.Error()}
	}
	defer file.Close()

	// The offset/total_size window narrows the decode to a member of
	// a larger container. Offset alone is honored here; archive
	// semantics live with the viewer's virtual filesystem.
	var source io.Reader = file
	if request.Offset > 0 {
		if _, err := file.Seek(int64(request.Offset), io.SeekStart); err != nil {
			return wire.Error{Code: wire.CodeCorrupted, Message: err.Error()}
		}
	}
	if request.TotalSize > 0 {
		source = io.LimitReader(source, int64(request.TotalSize))
	}

	decoded, err := decoder.Decode(source)
	if err != nil {
		h.logger.Warn("decode failed", "path", request.Path, "error", err)
		return wire.Error{Code: wire.CodeDecodeFailed, Message: err.Error()}
	}

	response := h.publish(decoded)
	if ready, ok := response.(wire.ImageReady); ok {
		h.logger.Debug("image published",
			"path", request.Path, "buffer", ready.BufferName,
			"width", ready.Width, "height", ready.Height)
	}
	return response
}

// publish converts an image to RGBA8 and writes it into a fresh
// shared buffer, row padding zeroed. The ImageReady announcement is
// built from the same alignment rules the viewer will re-check.
func (h *Host) publish(decoded image.Image) wire.Response {
	bounds := decoded.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 ||
		bounds.Dx() > math.MaxInt32 || bounds.Dy() > math.MaxInt32 {
		return wire.Error{Code: wire.CodeCorrupted,
			Message: fmt.Sprintf("image dimensions %dx%d", bounds.Dx(), bounds.Dy())}
	}
	width := uint32(bounds.Dx())
	height := uint32(bounds.Dy())

	format := wire.FormatRGBA8
	alignedStride, err := stride.Aligned(width, format.BytesPerPixel())
	if err != nil {
		return wire.Error{Code: wire.CodeCorrupted, Message: err.Error()}
	}
	size, err := stride.BufferSize(alignedStride, height)
	if err != nil {
		return wire.Error{Code: wire.CodeCorrupted, Message: err.Error()}
	}

	// Normalize to straight-alpha RGBA, whatever the decoder yielded.
	normalized := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(normalized, normalized.Bounds(), decoded, bounds.Min, draw.Src)

	buffer, err := shmem.Create(shmem.NewName(), size)
	if err != nil {
		return wire.Error{Code: wire.CodeMemoryAllocationFailed, Message: err.Error()}
	}

	rowBytes := int(width * format.BytesPerPixel())
	destination := buffer.Bytes()
	for y := 0; y < int(height); y++ {
		sourceRow := normalized.Pix[y*normalized.Stride : y*normalized.Stride+rowBytes]
		copy(destination[y*int(alignedStride):], sourceRow)
		// Padding bytes stay zero from the region's creation.
	}

	h.buffers[buffer.Name()] = buffer
	return wire.ImageReady{
		BufferName:    buffer.Name(),
		Width:         width,
		Height:        height,
		AlignedStride: alignedStride,
		Format:        format,
		Size:          size,
	}
}

// releaseBuffer reclaims a buffer the viewer is done with. Unknown
// names are acknowledged anyway: a release can race a crash sweep
// that already removed the region.
func (h *Host) releaseBuffer(request wire.ReleaseBuffer) wire.Response {
	buffer, ok := h.buffers[request.BufferName]
	if !ok {
		return wire.ReleaseAck{}
	}
	delete(h.buffers, request.BufferName)
	if err := buffer.Unlink(); err != nil {
		h.logger.Warn("unlink failed", "buffer", request.BufferName, "error", err)
	}
	if err := buffer.Close(); err != nil {
		h.logger.Warn("unmap failed", "buffer", request.BufferName, "error", err)
	}
	return wire.ReleaseAck{}
}

// releaseAll reclaims every buffer still owned at shutdown.
func (h *Host) releaseAll() {
	for name, buffer := range h.buffers {
		buffer.Unlink()
		buffer.Close()
		delete(h.buffers, name)
	}
}
