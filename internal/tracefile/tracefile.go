// Package tracefile writes fetched traces to disk and loads raw buffer dumps
// back for offline decoding.
package tracefile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/exp/mmap"

	"ipttool/internal/ipt"
)

// Compression selects how trace files are encoded on disk.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// Extension returns the suffix appended to file names for c.
func (c Compression) Extension() string {
	if c == CompressionZstd {
		return ".zst"
	}
	return ""
}

type fileWriter struct {
	f   *os.File
	buf *bufio.Writer
	enc *zstd.Encoder
	w   io.Writer
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.w.Write(p) }

// Close flushes the encoder and buffer before closing the file. The file is
// always closed; the first error is returned.
func (w *fileWriter) Close() error {
	var errs []error
	if w.enc != nil {
		errs = append(errs, w.enc.Close())
	}
	errs = append(errs, w.buf.Flush(), w.f.Close())
	return errors.Join(errs...)
}

// Create truncates or creates path and returns a writer that encodes with c.
func Create(path string, c Compression) (io.WriteCloser, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create trace file %s: %w", path, err)
	}

	w := &fileWriter{f: f, buf: bufio.NewWriterSize(f, 1<<20)}
	w.w = w.buf
	switch c {
	case CompressionNone, "":
	case CompressionZstd:
		enc, err := zstd.NewWriter(w.buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		w.enc = enc
		w.w = enc
	default:
		f.Close()
		return nil, fmt.Errorf("unknown compression: %q", c)
	}
	return w, nil
}

// Open opens a file written by Create for reading, decoding it with c.
func Open(path string, c Compression) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch c {
	case CompressionNone, "":
		return f, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(bufio.NewReader(f))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return &decodedFile{f: f, dec: dec}, nil
	default:
		f.Close()
		return nil, fmt.Errorf("unknown compression: %q", c)
	}
}

type decodedFile struct {
	f   *os.File
	dec *zstd.Decoder
}

func (d *decodedFile) Read(p []byte) (int, error) { return d.dec.Read(p) }

func (d *decodedFile) Close() error {
	d.dec.Close()
	return d.f.Close()
}

// WritePayloads writes the payload of every segment to w, in decode order.
func WritePayloads(w io.Writer, segs []ipt.Segment) (int64, error) {
	var written int64
	for i, s := range segs {
		n, err := w.Write(s.Payload)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("failed to write segment %d (thread %d): %w", i, s.ThreadID, err)
		}
	}
	return written, nil
}

// WriteFile writes data to path with compression c.
func WriteFile(path string, c Compression, data []byte) error {
	w, err := Create(path, c)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write trace to %s: %w", path, err)
	}
	return w.Close()
}

// OpenDump loads a raw trace buffer dump written with CompressionNone.
// The file is mapped and copied into memory, so the returned buffer stays
// valid after the mapping is gone.
func OpenDump(path string) ([]byte, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to map dump %s: %w", path, err)
	}
	defer r.Close()

	buf := make([]byte, r.Len())
	if _, err := r.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read dump %s: %w", path, err)
	}
	return buf, nil
}

// LoadDump loads a raw trace buffer dump, decompressing it when path ends
// with the zstd extension.
func LoadDump(path string) ([]byte, error) {
	if filepath.Ext(path) != CompressionZstd.Extension() {
		return OpenDump(path)
	}
	r, err := Open(path, CompressionZstd)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress dump %s: %w", path, err)
	}
	return buf, nil
}
