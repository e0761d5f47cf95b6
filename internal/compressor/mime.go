package compressor

import (
	"bytes"
	"fmt"
	"image"
	"strings"
)

// MimeType is one of the image types the engine accepts and produces.
type MimeType string

const (
	MimeJPEG MimeType = "image/jpeg"
	MimePNG  MimeType = "image/png"
	MimeWEBP MimeType = "image/webp"
)

var mimeAliases = map[string]MimeType{
	"image/jpeg": MimeJPEG,
	"image/jpg":  MimeJPEG,
	"image/png":  MimePNG,
	"image/webp": MimeWEBP,
}

// ParseMimeType maps a declared MIME type onto the supported set.
func ParseMimeType(declared string) (MimeType, error) {
	key := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(key, ';'); i >= 0 {
		key = strings.TrimSpace(key[:i])
	}
	mt, ok := mimeAliases[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMimeType, declared)
	}
	return mt, nil
}

// Supported reports whether the type is in the enumerated set.
func (m MimeType) Supported() bool {
	switch m {
	case MimeJPEG, MimePNG, MimeWEBP:
		return true
	default:
		return false
	}
}

// Extension returns the canonical file extension including the dot.
func (m MimeType) Extension() string {
	switch m {
	case MimeJPEG:
		return ".jpg"
	case MimePNG:
		return ".png"
	case MimeWEBP:
		return ".webp"
	default:
		return ""
	}
}

func (m MimeType) String() string {
	return string(m)
}

// mimeForFormat maps an image package format name to a MimeType.
func mimeForFormat(format string) (MimeType, bool) {
	switch format {
	case "jpeg":
		return MimeJPEG, true
	case "png":
		return MimePNG, true
	case "webp":
		return MimeWEBP, true
	default:
		return "", false
	}
}

// NewInputImage validates the declared type and builds an InputImage.
// Dimensions are read from the image header; an unreadable header leaves
// them at zero and the engine reports ErrDecode when compression starts.
func NewInputImage(name, declaredMime string, data []byte) (*InputImage, error) {
	mt, err := ParseMimeType(declaredMime)
	if err != nil {
		return nil, err
	}

	in := &InputImage{
		Name:     name,
		MimeType: mt,
		Data:     data,
		Size:     int64(len(data)),
	}

	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		in.Width = cfg.Width
		in.Height = cfg.Height
	}

	return in, nil
}
