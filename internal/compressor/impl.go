package compressor

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"image-compressor-go/internal/logger"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// Policy holds the fixed constants of the quality/scale step-down search.
type Policy struct {
	QualityStart int
	QualityFloor int
	QualityStep  int
	ScaleFactor  float64
	MaxSteps     int
	MinDimension int
}

// DefaultPolicy returns the default search policy.
func DefaultPolicy() Policy {
	return Policy{
		QualityStart: 92,
		QualityFloor: 50,
		QualityStep:  10,
		ScaleFactor:  0.9,
		MaxSteps:     10,
		MinDimension: 16,
	}
}

// resetQuality is the quality used after each scale step.
func (p Policy) resetQuality() int {
	return (p.QualityStart + p.QualityFloor) / 2
}

// normalized fills zero or out-of-range fields from DefaultPolicy.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.QualityStart <= 0 || p.QualityStart > 100 {
		p.QualityStart = d.QualityStart
	}
	if p.QualityFloor <= 0 || p.QualityFloor > p.QualityStart {
		p.QualityFloor = min(d.QualityFloor, p.QualityStart)
	}
	if p.QualityStep <= 0 {
		p.QualityStep = d.QualityStep
	}
	if p.ScaleFactor <= 0 || p.ScaleFactor >= 1 {
		p.ScaleFactor = d.ScaleFactor
	}
	if p.MaxSteps <= 0 {
		p.MaxSteps = d.MaxSteps
	}
	if p.MinDimension <= 0 {
		p.MinDimension = d.MinDimension
	}
	return p
}

// Share of the progress range spent on decode and the initial resize.
const decodeProgress = 10

// DefaultCompressor is the default implementation of the Engine interface.
type DefaultCompressor struct {
	policy Policy
	log    *logrus.Logger
}

// NewDefaultCompressor creates a new DefaultCompressor instance.
func NewDefaultCompressor(policy Policy, log *logrus.Logger) *DefaultCompressor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DefaultCompressor{
		policy: policy.normalized(),
		log:    log,
	}
}

// Policy returns the search policy in effect.
func (c *DefaultCompressor) Policy() Policy {
	return c.policy
}

// Compress decodes the input, fits it into the dimension limit and then
// steps quality and scale down until the encoding fits MaxBytes. When the
// limit cannot be reached the smallest candidate is returned with
// MetTarget unset.
func (c *DefaultCompressor) Compress(ctx context.Context, in *InputImage, cons Constraints, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in == nil {
		return nil, fmt.Errorf("%w: nil input", ErrDecode)
	}
	if err := cons.Validate(); err != nil {
		return nil, err
	}
	cd, err := codecFor(cons.TargetMimeType)
	if err != nil {
		return nil, err
	}

	entry := logger.WithOperation(c.log, "compress").WithFields(logrus.Fields{
		"file":   in.Name,
		"target": cons.TargetMimeType.String(),
	})
	progress := newProgressTracker(onProgress)

	img, srcMime, err := decode(in.Data)
	if err != nil {
		return nil, err
	}
	if srcMime == MimeJPEG {
		img = applyOrientation(img, readOrientation(in.Data))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := fitWithin(img, cons.MaxDimension)
	progress.report(decodeProgress)

	best, err := c.search(ctx, base, cd, cons, progress, entry)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Data:      best.data,
		Size:      int64(len(best.data)),
		Width:     best.width,
		Height:    best.height,
		MimeType:  cons.TargetMimeType,
		Quality:   best.quality,
		Steps:     best.steps,
		MetTarget: int64(len(best.data)) <= cons.MaxBytes,
	}

	entry.WithFields(logrus.Fields{
		"original_size":   in.Size,
		"compressed_size": res.Size,
		"width":           res.Width,
		"height":          res.Height,
		"quality":         res.Quality,
		"steps":           res.Steps,
		"met_target":      res.MetTarget,
		"duration":        time.Since(start).String(),
	}).Debug("Compression finished")

	progress.finish()
	return res, nil
}

type candidate struct {
	data    []byte
	width   int
	height  int
	quality int
	steps   int
}

// search runs the quality/scale step-down loop over base.
func (c *DefaultCompressor) search(ctx context.Context, base image.Image, cd codec, cons Constraints, progress *progressTracker, entry *logrus.Entry) (candidate, error) {
	p := c.policy
	bw, bh := base.Bounds().Dx(), base.Bounds().Dy()

	quality := p.QualityStart
	scale := 1.0
	raster := base

	data, err := encode(cd, raster, quality)
	if err != nil {
		return candidate{}, err
	}
	best := candidate{data: data, width: bw, height: bh, quality: quality}
	if int64(len(data)) <= cons.MaxBytes {
		return best, nil
	}

	for step := 1; step <= p.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return candidate{}, err
		}

		if cd.Lossy() && quality > p.QualityFloor {
			quality = max(quality-p.QualityStep, p.QualityFloor)
		} else {
			next := scale * p.ScaleFactor
			w := int(math.Round(float64(bw) * next))
			h := int(math.Round(float64(bh) * next))
			if w < p.MinDimension || h < p.MinDimension {
				entry.WithField("step", step).Debug("Minimum dimension reached, keeping best candidate")
				break
			}
			scale = next
			raster = imaging.Resize(base, w, h, imaging.Lanczos)
			if cd.Lossy() {
				quality = p.resetQuality()
			}
		}

		data, err := encode(cd, raster, quality)
		if err != nil {
			return candidate{}, err
		}
		rb := raster.Bounds()
		entry.WithFields(logrus.Fields{
			"step":    step,
			"quality": quality,
			"width":   rb.Dx(),
			"height":  rb.Dy(),
			"size":    len(data),
		}).Debug("Step-down candidate encoded")

		if len(data) < len(best.data) {
			best = candidate{data: data, width: rb.Dx(), height: rb.Dy(), quality: quality}
		}
		best.steps = step
		progress.report(decodeProgress + step*(99-decodeProgress)/p.MaxSteps)

		if int64(len(data)) <= cons.MaxBytes {
			break
		}
	}

	return best, nil
}

// fitWithin downscales img so its larger side equals maxDim, preserving
// aspect ratio. Images that already fit are returned unchanged.
func fitWithin(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxDim && b.Dy() <= maxDim {
		return img
	}
	return imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
}

// progressTracker keeps reported progress non-decreasing and reserves 100
// for the final report.
type progressTracker struct {
	fn   ProgressFunc
	last int
}

func newProgressTracker(fn ProgressFunc) *progressTracker {
	return &progressTracker{fn: fn}
}

func (p *progressTracker) report(percent int) {
	percent = min(percent, 99)
	if p.fn == nil || percent <= p.last {
		return
	}
	p.last = percent
	p.fn(percent)
}

func (p *progressTracker) finish() {
	if p.fn == nil || p.last == 100 {
		return
	}
	p.last = 100
	p.fn(100)
}
