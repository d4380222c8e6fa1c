package stream

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
)

// Fallback frame dimensions. Downstream encoders preserve whatever
// resolution they receive, so the fallback just has to be a sane 4:3 frame.
const (
	fallbackWidth  = 640
	fallbackHeight = 480
)

var (
	blackOnce  sync.Once
	blackFrame []byte
)

// BlackJPEG returns an encoded solid-black JPEG frame, generated once.
func BlackJPEG() []byte {
	blackOnce.Do(func() {
		img := image.NewYCbCr(image.Rect(0, 0, fallbackWidth, fallbackHeight), image.YCbCrSubsampleRatio420)
		// Zero-value YCbCr planes are green; set luma/chroma for black.
		for i := range img.Y {
			img.Y[i] = 0
		}
		for i := range img.Cb {
			img.Cb[i] = 128
		}
		for i := range img.Cr {
			img.Cr[i] = 128
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
			// Encoding a valid in-memory image cannot fail at runtime.
			panic(err)
		}
		blackFrame = buf.Bytes()
	})
	return blackFrame
}
