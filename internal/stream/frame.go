package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrFrameDeadline is returned when no complete JPEG arrives in time.
var ErrFrameDeadline = errors.New("frame deadline exceeded")

// jpeg markers
const (
	markerSOI0 = 0xFF
	markerSOI1 = 0xD8
	markerEOI1 = 0xD9
)

// ExtractJPEG reads one complete JPEG segment (SOI FFD8 through EOI FFD9)
// from r. Bytes before the SOI (multipart boundaries, part headers) are
// discarded. The caller bounds the read with ctx; cancellation surfaces as
// ErrFrameDeadline.
func ExtractJPEG(ctx context.Context, r io.Reader) ([]byte, error) {
	type result struct {
		frame []byte
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		frame, err := scanJPEG(r)
		ch <- result{frame, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrFrameDeadline, ctx.Err())
	case res := <-ch:
		return res.frame, res.err
	}
}

// scanJPEG scans the reader for SOI, then accumulates until EOI. Callers
// pulling consecutive frames from one stream must reuse a single buffered
// reader via scanJPEGFrom, or bytes buffered past the EOI are lost.
func scanJPEG(r io.Reader) ([]byte, error) {
	return scanJPEGFrom(bufio.NewReaderSize(r, 64*1024))
}

func scanJPEGFrom(br *bufio.Reader) ([]byte, error) {
	// Seek SOI.
	prev := byte(0)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		if prev == markerSOI0 && b == markerSOI1 {
			break
		}
		prev = b
	}

	frame := []byte{markerSOI0, markerSOI1}
	prev = 0
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		frame = append(frame, b)
		if prev == markerSOI0 && b == markerEOI1 {
			return frame, nil
		}
		prev = b
	}
}
