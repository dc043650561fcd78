package content

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/flate"
	"github.com/ulikunitz/xz/lzma"
)

// Compression identifies the algorithm applied to a block body.
type Compression uint8

const (
	CompressionNone    Compression = 0
	CompressionDeflate Compression = 1
	CompressionLZMA    Compression = 2
)

// maxDecompressedSize bounds inflation of untrusted input.
const maxDecompressedSize = 32 << 20

type compressor struct {
	id  Compression
	run func([]byte) ([]byte, error)
}

var compressors = []compressor{
	{id: CompressionDeflate, run: deflateBytes},
	{id: CompressionLZMA, run: lzmaBytes},
}

// Compress tries every algorithm and keeps the smallest output, prefixed with
// its id. Ties and failures fall back to storing the input uncompressed.
func Compress(data []byte) []byte {
	best := CompressionNone
	bestBody := data
	for _, c := range compressors {
		out, err := c.run(data)
		if err != nil {
			slog.Default().With(slog.String("component", "content")).Debug("Compression candidate failed",
				slog.Int("algorithm", int(c.id)),
				slog.Any("error", err))
			continue
		}
		if len(out) < len(bestBody) {
			best = c.id
			bestBody = out
		}
	}
	result := make([]byte, 0, 1+len(bestBody))
	result = append(result, byte(best))
	return append(result, bestBody...)
}

// Decompress reverses Compress.
func Decompress(block []byte) ([]byte, error) {
	if len(block) < 1 {
		return nil, fmt.Errorf("%w: empty compressed block", ErrUnavailable)
	}
	body := block[1:]
	var r io.Reader
	switch Compression(block[0]) {
	case CompressionNone:
		return append([]byte(nil), body...), nil
	case CompressionDeflate:
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		r = fr
	case CompressionLZMA:
		lr, err := lzma.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: lzma header: %v", ErrUnavailable, err)
		}
		r = lr
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrUnavailable, block[0])
	}
	out, err := io.ReadAll(io.LimitReader(r, maxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", ErrUnavailable, err)
	}
	if len(out) > maxDecompressedSize {
		return nil, fmt.Errorf("%w: inflated block too large", ErrUnavailable)
	}
	return out, nil
}

func deflateBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lzmaBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
