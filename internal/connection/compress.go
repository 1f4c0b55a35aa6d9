package connection

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compress wraps w in a zstd stream. StreamTransport flushes it after every
// message so records are never held back in the encoder.
func Compress(w io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return enc, nil
}

// Decompress reads a zstd stream written by Compress. The decoder is
// created on first Read because it consumes the frame header eagerly, which
// would block until the peer has sent something.
func Decompress(r io.Reader) (io.ReadCloser, error) {
	return &lazyDecoder{r: r}, nil
}

type lazyDecoder struct {
	r   io.Reader
	dec *zstd.Decoder
}

func (l *lazyDecoder) Read(p []byte) (int, error) {
	if l.dec == nil {
		dec, err := zstd.NewReader(l.r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return 0, fmt.Errorf("creating zstd decoder: %w", err)
		}
		l.dec = dec
	}
	return l.dec.Read(p)
}

func (l *lazyDecoder) Close() error {
	if l.dec != nil {
		l.dec.Close()
	}
	return nil
}

// Wrap applies zstd to both directions of a stream when enabled.
func Wrap(r io.Reader, w io.Writer, enabled bool) (io.Reader, io.Writer, error) {
	if !enabled {
		return r, w, nil
	}
	cw, err := Compress(w)
	if err != nil {
		return nil, nil, err
	}
	cr, err := Decompress(r)
	if err != nil {
		cw.Close()
		return nil, nil, err
	}
	return cr, cw, nil
}
