// Package thumbnail scales JPEG, PNG and GIF images.
package thumbnail

import (
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
)

var (
	ErrNoSize            = errors.New("thumbnail: width or height is required")
	ErrUnsupportedFormat = errors.New("thumbnail: unsupported format")
	ErrBadName           = errors.New("thumbnail: bad image name")
)

// Mode selects how the image is fitted into the target box.
type Mode int

const (
	// Fit scales the whole image into the box, never enlarging it.
	Fit Mode = iota
	// Crop fills the box exactly, trimming the overflow around the centre.
	Crop
)

// Options for Make.
type Options struct {
	Width   int
	Height  int
	Mode    Mode
	Quality int // JPEG quality, 1-100; zero means 85
}

// ParseMode maps "fit" and "crop" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "fit":
		return Fit, nil
	case "crop", "fill":
		return Crop, nil
	}
	return Fit, fmt.Errorf("thumbnail: unknown mode %q", s)
}

// box returns the target size for a w x h image. Zero dimensions follow the
// source aspect ratio.
func box(srcW, srcH, w, h int) (int, int, error) {
	if w <= 0 && h <= 0 {
		return 0, 0, ErrNoSize
	}
	if w <= 0 {
		w = max(1, srcW*h/srcH)
	}
	if h <= 0 {
		h = max(1, srcH*w/srcW)
	}
	return w, h, nil
}

// Resize returns img scaled to w x h according to mode.
func Resize(img image.Image, w, h int, mode Mode) (image.Image, error) {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, fmt.Errorf("thumbnail: empty image")
	}
	w, h, err := box(srcW, srcH, w, h)
	if err != nil {
		return nil, err
	}

	src := b
	dstW, dstH := w, h
	switch mode {
	case Crop:
		// Cut the largest centred region with the target aspect ratio.
		if srcW*h > srcH*w {
			cw := srcH * w / h
			x := b.Min.X + (srcW-cw)/2
			src = image.Rect(x, b.Min.Y, x+cw, b.Max.Y)
		} else {
			ch := srcW * h / w
			y := b.Min.Y + (srcH-ch)/2
			src = image.Rect(b.Min.X, y, b.Max.X, y+ch)
		}
	default:
		if srcW <= w && srcH <= h {
			dstW, dstH = srcW, srcH
		} else if srcW*h > srcH*w {
			dstH = max(1, srcH*w/srcW)
		} else {
			dstW = max(1, srcW*h/srcH)
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Over, nil)
	return dst, nil
}

// Format returns the encoding implied by a file name.
func Format(name string) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "jpeg", nil
	case ".png":
		return "png", nil
	case ".gif":
		return "gif", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

// Encode writes img in format.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	switch format {
	case "jpeg", "jpg":
		if quality <= 0 || quality > 100 {
			quality = 85
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case "png":
		return png.Encode(w, img)
	case "gif":
		return gif.Encode(w, img, nil)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// Make reads the image at src, scales it and writes it to dst in the format
// named by dst's extension.
func Make(src, dst string, opts Options) error {
	format, err := Format(dst)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	img, _, err := image.Decode(in)
	if err != nil {
		return fmt.Errorf("decode %s: %w", src, err)
	}
	thumb, err := Resize(img, opts.Width, opts.Height, opts.Mode)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := Encode(out, thumb, format, opts.Quality); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
