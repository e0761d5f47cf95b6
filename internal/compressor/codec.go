package compressor

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// codec encodes a raster into one output type.
type codec interface {
	Encode(w io.Writer, img image.Image, quality int) error
	// Lossy reports whether quality affects the encoded size.
	Lossy() bool
}

type jpegCodec struct{}

func (jpegCodec) Encode(w io.Writer, img image.Image, quality int) error {
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}

func (jpegCodec) Lossy() bool { return true }

// pngCodec ignores quality; only scaling shrinks a PNG.
type pngCodec struct{}

func (pngCodec) Encode(w io.Writer, img image.Image, _ int) error {
	return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
}

func (pngCodec) Lossy() bool { return false }

type webpCodec struct{}

func (webpCodec) Encode(w io.Writer, img image.Image, quality int) error {
	return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
}

func (webpCodec) Lossy() bool { return true }

func codecFor(mt MimeType) (codec, error) {
	switch mt {
	case MimeJPEG:
		return jpegCodec{}, nil
	case MimePNG:
		return pngCodec{}, nil
	case MimeWEBP:
		return webpCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(mt))
	}
}

// encode returns the encoded bytes of img at the given quality.
func encode(c codec, img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, img, quality); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// decode decodes data into a raster, rejecting codecs outside the supported set.
func decode(data []byte) (image.Image, MimeType, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrDecode)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}

	mt, ok := mimeForFormat(format)
	if !ok {
		return nil, "", fmt.Errorf("%w: unsupported source codec %q", ErrDecode, format)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", fmt.Errorf("%w: empty raster %dx%d", ErrDecode, b.Dx(), b.Dy())
	}

	return img, mt, nil
}
