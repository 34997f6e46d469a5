package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"ipttool/internal/ipt"
	"ipttool/internal/maps"
	"ipttool/internal/metrics"
	"ipttool/internal/tracefile"
)

// threadTotals accumulates the segments of one thread across dumps.
type threadTotals struct {
	segments atomic.Int64
	bytes    atomic.Int64
	dumps    atomic.Int64
}

type dumpSummary struct {
	Path     string
	Header   ipt.BufferHeader
	Size     int
	Segments int
	Payload  int64
	Err      error
}

type inspectResult struct {
	Dumps   []dumpSummary
	Threads maps.ConcurrentMap[uint64, *threadTotals]
}

// inspectDumps decodes every dump with at most workers in flight. Per-thread
// totals are kept in the impl map, or the default map when impl is empty.
// A dump that fails to load or decode is reported in its summary and does not
// stop the others; its decoded prefix still counts toward the thread totals.
func inspectDumps(ctx context.Context, paths []string, workers int, impl maps.Implementation, rec *metrics.CaptureMetrics) (*inspectResult, error) {
	res := &inspectResult{Dumps: make([]dumpSummary, len(paths))}
	if impl == "" {
		res.Threads = maps.NewConcurrentMap[uint64, *threadTotals]()
	} else {
		res.Threads = maps.NewConcurrentMapOf[uint64, *threadTotals](impl)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res.Dumps[i] = inspectDump(path, res.Threads, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	var errs []error
	for _, d := range res.Dumps {
		if d.Err != nil {
			errs = append(errs, d.Err)
		}
	}
	return res, errors.Join(errs...)
}

func inspectDump(path string, threads maps.ConcurrentMap[uint64, *threadTotals], rec *metrics.CaptureMetrics) dumpSummary {
	sum := dumpSummary{Path: path}

	buf, err := tracefile.LoadDump(path)
	if err != nil {
		sum.Err = err
		return sum
	}
	sum.Size = len(buf)
	sum.Header, _ = ipt.ReadBufferHeader(buf)

	segs, err := ipt.Decode(buf)
	if err != nil {
		sum.Err = fmt.Errorf("failed to decode %s: %w", path, err)
		segs = ipt.DecodedPrefix(err)
		if rec != nil {
			rec.ObserveDecodeError(err)
		}
	}
	if rec != nil {
		rec.ObserveSegments(segs)
	}

	sum.Segments = len(segs)
	seen := make(map[uint64]bool, len(segs))
	for _, s := range segs {
		t, _ := threads.LoadOrStore(s.ThreadID, func() *threadTotals { return &threadTotals{} })
		t.segments.Add(1)
		t.bytes.Add(int64(len(s.Payload)))
		if !seen[s.ThreadID] {
			seen[s.ThreadID] = true
			t.dumps.Add(1)
		}
		sum.Payload += int64(len(s.Payload))
	}
	return sum
}

func (a *app) inspect(ctx context.Context, paths []string) error {
	res, err := inspectDumps(ctx, paths, a.cfg.Inspect.Workers, maps.Implementation(a.cfg.Inspect.MapImplementation), a.metrics)

	for _, d := range res.Dumps {
		var e *log.Entry
		if d.Err != nil {
			e = a.log.Error().Err(d.Err)
		} else {
			e = a.log.Info()
		}
		e.Str("path", d.Path).
			Int("buffer_size", d.Size).
			Uint16("trace_version", d.Header.TraceVersion).
			Uint16("valid_trace", d.Header.ValidTrace).
			Int("segments", d.Segments).
			Int64("payload_bytes", d.Payload).
			Msg("Dump inspected")
	}

	tids := make([]uint64, 0, res.Threads.Len())
	res.Threads.Range(func(tid uint64, _ *threadTotals) bool {
		tids = append(tids, tid)
		return true
	})
	slices.Sort(tids)
	for _, tid := range tids {
		t, _ := res.Threads.Load(tid)
		a.log.Info().
			Str("thread_id", strconv.FormatUint(tid, 10)).
			Int64("segments", t.segments.Load()).
			Int64("payload_bytes", t.bytes.Load()).
			Int64("dumps", t.dumps.Load()).
			Msg("Thread summary")
	}
	return err
}
