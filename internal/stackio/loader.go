// Package stackio decodes multi-page 16 bit TIFF time-lapses into stacks.
package stackio

import (
	"fmt"
	"log/slog"

	"gopkg.in/gographics/imagick.v3/imagick"

	"cellflow/internal/fsutil"
	"cellflow/internal/tensor"
)

// SampleDepth is the only bit depth accepted.
const SampleDepth = 16

// Loader reads stacks whose pages are ordered frame-major: page = frame*channels + channel.
type Loader struct {
	channels int
	logger   *slog.Logger
}

func NewLoader(channels int, logger *slog.Logger) *Loader {
	return &Loader{channels: channels, logger: logger}
}

// Load decodes path. Any deviation from the channel count or sample depth is
// a contract violation.
func (l *Loader) Load(path string) (*tensor.Stack, error) {
	if !fsutil.IsTIFF(path) {
		return nil, fmt.Errorf("%w: %s is not a TIFF file", tensor.ErrContract, path)
	}
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read stack %s: %w", path, err)
	}
	n := int(mw.GetNumberImages())
	pages := make([][]uint16, n)
	var height, width int
	for i := 0; i < n; i++ {
		if !mw.SetIteratorIndex(i) {
			return nil, fmt.Errorf("failed to select page %d of %s", i, path)
		}
		if d := mw.GetImageDepth(); d != SampleDepth {
			return nil, fmt.Errorf("%w: page %d has %d bit samples, want %d", tensor.ErrContract, i, d, SampleDepth)
		}
		w, h := int(mw.GetImageWidth()), int(mw.GetImageHeight())
		if i == 0 {
			width, height = w, h
		}
		px, err := mw.ExportImagePixels(0, 0, uint(w), uint(h), "I", imagick.PIXEL_SHORT)
		if err != nil {
			return nil, fmt.Errorf("failed to export page %d: %w", i, err)
		}
		switch v := px.(type) {
		case []uint16:
			pages[i] = v
		case []int16:
			// Same bits, reinterpreted.
			u := make([]uint16, len(v))
			for k, s := range v {
				u[k] = uint16(s)
			}
			pages[i] = u
		default:
			return nil, fmt.Errorf("unexpected pixel buffer %T", px)
		}
		if w != width || h != height {
			return nil, fmt.Errorf("%w: page %d is %dx%d, want %dx%d", tensor.ErrContract, i, w, h, width, height)
		}
	}

	st, err := Assemble(pages, l.channels, height, width)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	l.logger.Debug("stack decoded", "path", path, "shape", st.Shape())
	return st, nil
}

// Assemble lays decoded pages out as a (frame, channel, height, width) stack.
func Assemble(pages [][]uint16, channels, height, width int) (*tensor.Stack, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: channel count %d", tensor.ErrContract, channels)
	}
	if len(pages) == 0 || len(pages)%channels != 0 {
		return nil, fmt.Errorf("%w: %d pages do not divide into %d channels", tensor.ErrContract, len(pages), channels)
	}
	st := tensor.NewStack(len(pages)/channels, channels, height, width)
	for i, p := range pages {
		if len(p) != height*width {
			return nil, fmt.Errorf("%w: page %d has %d samples, want %d", tensor.ErrContract, i, len(p), height*width)
		}
		copy(st.Plane(i/channels, i%channels), p)
	}
	if err := st.Validate(channels); err != nil {
		return nil, err
	}
	return st, nil
}
