package compressor

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDecode is returned when input bytes are not a valid image of a supported codec.
	ErrDecode = errors.New("decode error")
	// ErrUnsupportedFormat is returned when the requested output codec is not supported.
	ErrUnsupportedFormat = errors.New("unsupported output format")
	// ErrUnsupportedMimeType is returned by the input boundary for non-image or unknown MIME types.
	ErrUnsupportedMimeType = errors.New("unsupported mime type")
	// ErrWorkerFailure is returned when the worker crashed or could not be reached.
	ErrWorkerFailure = errors.New("worker failure")
	// ErrInvalidConstraints is returned for non-positive size or dimension limits.
	ErrInvalidConstraints = errors.New("invalid constraints")
)

// InputImage is an accepted source image. It must not be modified once built.
type InputImage struct {
	Name     string
	MimeType MimeType
	Data     []byte
	Size     int64
	Width    int
	Height   int
}

// Constraints bounds the output of one compression.
type Constraints struct {
	MaxBytes       int64
	MaxDimension   int
	TargetMimeType MimeType
}

// Validate checks that the constraints can be used for a compression.
func (c Constraints) Validate() error {
	if c.MaxBytes <= 0 {
		return fmt.Errorf("%w: max bytes must be positive, got %d", ErrInvalidConstraints, c.MaxBytes)
	}
	if c.MaxDimension <= 0 {
		return fmt.Errorf("%w: max dimension must be positive, got %d", ErrInvalidConstraints, c.MaxDimension)
	}
	if !c.TargetMimeType.Supported() {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(c.TargetMimeType))
	}
	return nil
}

// Result describes the output of a successful compression.
type Result struct {
	Data     []byte
	Size     int64
	Width    int
	Height   int
	MimeType MimeType

	// Quality is the encode quality of the returned candidate.
	Quality int
	// Steps is the number of step-down iterations performed.
	Steps int
	// MetTarget is false when the best-effort candidate exceeds MaxBytes.
	MetTarget bool
}

// ProgressFunc receives progress values in [0,100].
type ProgressFunc func(percent int)

// Engine compresses a single image under the given constraints.
type Engine interface {
	Compress(ctx context.Context, in *InputImage, c Constraints, onProgress ProgressFunc) (*Result, error)
}
