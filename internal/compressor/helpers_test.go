package compressor

import (
	"bytes"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"image-compressor-go/internal/logger"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	return logger.Discard()
}

// noiseImage returns a w×h image of pseudo-random pixels, which compresses poorly.
func noiseImage(w, h int) *image.NRGBA {
	rng := rand.New(rand.NewSource(42))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

// gradientImage returns a smooth w×h image, which compresses well.
func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 255 / max(w-1, 1)),
				G: uint8(y * 255 / max(h-1, 1)),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

func encodeAs(t *testing.T, img image.Image, format imaging.Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return buf.Bytes()
}

func inputFrom(t *testing.T, name string, mt MimeType, data []byte) *InputImage {
	t.Helper()
	in, err := NewInputImage(name, string(mt), data)
	if err != nil {
		t.Fatalf("NewInputImage: %v", err)
	}
	return in
}

// progressRecorder collects progress values.
type progressRecorder struct {
	values []int
}

func (r *progressRecorder) fn(p int) {
	r.values = append(r.values, p)
}

func (r *progressRecorder) assertWellFormed(t *testing.T) {
	t.Helper()
	if len(r.values) == 0 {
		t.Fatal("Expected progress events, got none")
	}
	hundreds := 0
	for i, v := range r.values {
		if v < 0 || v > 100 {
			t.Errorf("Progress %d out of range", v)
		}
		if i > 0 && v < r.values[i-1] {
			t.Errorf("Progress regressed from %d to %d", r.values[i-1], v)
		}
		if v == 100 {
			hundreds++
		}
	}
	if last := r.values[len(r.values)-1]; last != 100 {
		t.Errorf("Expected final progress 100, got %d", last)
	}
	if hundreds != 1 {
		t.Errorf("Expected exactly one 100 event, got %d", hundreds)
	}
}
