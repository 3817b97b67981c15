// Package wav wraps raw PCM recordings in a RIFF/WAVE container.
package wav

import (
	"bytes"
	"errors"
	"fmt"

	gowav "github.com/youpy/go-wav"
)

// HeaderSize is the size of the canonical 44-byte PCM WAVE header.
const HeaderSize = 44

// Format describes the PCM layout of a recording.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// blockAlign is the size in bytes of one sample frame across all channels.
func (f Format) blockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// Validate reports whether f can be encoded.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("wav: sample rate must be positive, got %d", f.SampleRate))
	}
	if f.Channels <= 0 {
		errs = append(errs, fmt.Errorf("wav: channels must be positive, got %d", f.Channels))
	}
	if f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		errs = append(errs, fmt.Errorf("wav: bits per sample must be a positive multiple of 8, got %d", f.BitsPerSample))
	}
	return errors.Join(errs...)
}

// Encode returns pcm wrapped in a WAVE container. A trailing partial sample
// frame is dropped so the data chunk length stays a multiple of the block
// alignment. An empty pcm yields a header-only file.
func Encode(pcm []byte, f Format) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	align := f.blockAlign()
	frames := len(pcm) / align
	data := pcm[:frames*align]

	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(data))
	w := gowav.NewWriter(&buf, uint32(frames), uint16(f.Channels), uint32(f.SampleRate), uint16(f.BitsPerSample))
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("wav: write data: %w", err)
	}
	return buf.Bytes(), nil
}
