// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

package codechost

import (
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"
)

// Decoder turns an encoded image stream into pixels. Implementations
// run inside the codec host's crash domain; a decoder that corrupts
// the process takes only this host down, never the viewer.
type Decoder interface {
	// Name is the decoder's human-readable identity.
	Name() string

	// Extensions lists the lowercase file extensions served, without
	// leading dots.
	Extensions() []string

	// Decode reads one image from r.
	Decode(r io.Reader) (image.Image, error)
}

// Registry resolves plugin files to decoders by basename. The viewer
// configures plugin paths; the host only recognizes the ones it has a
// decoder for.
type Registry struct {
	decoders map[string]Decoder
}

// NewRegistry returns a registry with the built-in decoders
// registered under their legacy plugin basenames.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[string]Decoder)}
	r.Register("ifpng", funcDecoder{name: "PNG decoder", extensions: []string{"png"}, decode: decodePNG})
	r.Register("ifjpg", funcDecoder{name: "JPEG decoder", extensions: []string{"jpg", "jpeg"}, decode: decodeJPEG})
	r.Register("ifgif", funcDecoder{name: "GIF decoder", extensions: []string{"gif"}, decode: decodeGIF})
	return r
}

// Register binds a decoder to a plugin basename, replacing any
// previous binding.
func (r *Registry) Register(basename string, decoder Decoder) {
	r.decoders[strings.ToLower(basename)] = decoder
}

// Resolve finds the decoder for a plugin path.
func (r *Registry) Resolve(path string) (Decoder, error) {
	basename := strings.ToLower(filepath.Base(path))
	basename = strings.TrimSuffix(basename, filepath.Ext(basename))
	decoder, ok := r.decoders[basename]
	if !ok {
		return nil, fmt.Errorf("no decoder registered for plugin %q", basename)
	}
	return decoder, nil
}

// funcDecoder adapts a plain decode function to the Decoder interface.
type funcDecoder struct {
	name       string
	extensions []string
	decode     func(io.Reader) (image.Image, error)
}

func (d funcDecoder) Name() string { return d.name }

func (d funcDecoder) Extensions() []string { return d.extensions }

func (d funcDecoder) Decode(r io.Reader) (image.Image, error) { return d.decode(r) }

func decodePNG(r io.Reader) (image.Image, error)  { return png.Decode(r) }
func decodeJPEG(r io.Reader) (image.Image, error) { return jpeg.Decode(r) }
func decodeGIF(r io.Reader) (image.Image, error)  { return gif.Decode(r) }
