package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DecodeError tags malformed media bytes. The item it belongs to degrades
// to a text placeholder; nothing else is affected.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeFrame decodes image bytes into a pixel frame. PNG, JPEG, GIF
// (first frame), and WebP are registered.
func DecodeFrame(url string, data []byte) (image.Image, error) {
	frame, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{URL: url, Err: err}
	}
	return frame, nil
}

// FitFrame scales a frame down to fit inside maxW x maxH pixels,
// preserving aspect ratio. Frames already inside the box are returned
// unchanged; frames are never scaled up.
func FitFrame(frame image.Image, maxW, maxH int) image.Image {
	if maxW <= 0 || maxH <= 0 {
		return frame
	}

	b := frame.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return frame
	}

	scaleW := float64(maxW) / float64(w)
	scaleH := float64(maxH) / float64(h)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}

	dstW := int(float64(w) * scale)
	dstH := int(float64(h) * scale)
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, b, draw.Over, nil)
	return dst
}
