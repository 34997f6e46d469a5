package main

import (
	"fmt"
	"strings"

	"ipttool/internal/config"
	"ipttool/internal/ipt"
	"ipttool/internal/tracefile"
)

type writeResult struct {
	Path      string
	IndexPath string
	Bytes     int64
}

// writeCapture writes c to path as configured by out. The compression
// extension is appended to path unless it is already there.
func writeCapture(out config.OutputConfig, c *ipt.Capture, path string, partial bool) (writeResult, error) {
	comp := tracefile.Compression(out.Compression)
	if ext := comp.Extension(); ext != "" && !strings.HasSuffix(path, ext) {
		path += ext
	}
	res := writeResult{Path: path}

	switch out.Format {
	case "raw":
		if err := tracefile.WriteFile(path, comp, c.Buffer); err != nil {
			return res, err
		}
		res.Bytes = int64(len(c.Buffer))
	case "payload", "":
		w, err := tracefile.Create(path, comp)
		if err != nil {
			return res, err
		}
		n, err := tracefile.WritePayloads(w, c.Segments)
		if cerr := w.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close trace file %s: %w", path, cerr)
		}
		if err != nil {
			return res, err
		}
		res.Bytes = n
	default:
		return res, fmt.Errorf("unknown output format: %q", out.Format)
	}

	if out.WriteIndex {
		res.IndexPath = path + tracefile.IndexSuffix
		if err := tracefile.WriteIndex(res.IndexPath, tracefile.NewIndex(c, out.Format, comp, partial)); err != nil {
			return res, err
		}
	}
	return res, nil
}
