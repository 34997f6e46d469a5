package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"ipttool/internal/ipt"
	"ipttool/internal/tracefile"
	"ipttool/internal/windowsapi"
)

var errUsage = errors.New("invalid arguments")

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "start":
		if len(args) != 3 {
			return fmt.Errorf("%w: start <pid> <size> <flags>", errUsage)
		}
		return a.start(args[0], args[1], args[2])
	case "stop":
		if len(args) != 1 {
			return fmt.Errorf("%w: stop <pid>", errUsage)
		}
		return a.stop(args[0])
	case "trace":
		if len(args) != 2 {
			return fmt.Errorf("%w: trace <pid> <file>", errUsage)
		}
		return a.trace(args[0], args[1])
	case "inspect":
		if len(args) == 0 {
			return fmt.Errorf("%w: inspect <dump>...", errUsage)
		}
		return a.inspect(ctx, args)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

func parsePID(s string) (uint32, error) {
	pid, err := strconv.ParseUint(s, 10, 32)
	if err != nil || pid == 0 {
		return 0, fmt.Errorf("%w: invalid pid %q", errUsage, s)
	}
	return uint32(pid), nil
}

// session opens the Ipt device, negotiates with the service and returns a
// session bound to it. The caller closes the driver.
func (a *app) session() (*ipt.Session, *windowsapi.Driver, error) {
	drv := windowsapi.NewDriver()
	capability, err := ipt.Negotiate(drv)
	if err != nil {
		drv.Close()
		return nil, nil, err
	}

	opts := []ipt.SessionOption{ipt.WithFetchAttempts(a.cfg.Trace.FetchAttempts)}
	if a.metrics != nil {
		opts = append(opts, ipt.WithRecorder(a.metrics))
	}
	s, err := ipt.NewSession(drv, capability, opts...)
	if err != nil {
		drv.Close()
		return nil, nil, err
	}
	return s, drv, nil
}

// openProcess opens pid for tracing and logs which executable it runs.
func (a *app) openProcess(pid uint32) (*windowsapi.Process, error) {
	if info, err := windowsapi.LookupProcess(pid); err == nil {
		a.log.Debug().
			Uint32("pid", pid).
			Uint32("parent_pid", info.ParentPID).
			Uint32("threads", info.Threads).
			Str("exe", info.ExeFile).
			Msg("Target process")
	}
	p, err := windowsapi.OpenProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("unable to open process %d: %w", pid, err)
	}
	return p, nil
}

func (a *app) start(pidArg, sizeArg, flagsArg string) error {
	pid, err := parsePID(pidArg)
	if err != nil {
		return err
	}
	size, err := strconv.ParseUint(sizeArg, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: invalid trace buffer size %q", errUsage, sizeArg)
	}

	opts, advisories, err := ipt.BuildOptions(uint32(size), flagsArg)
	if err != nil {
		return err
	}
	for _, adv := range advisories {
		a.log.Warn().
			Str("advisory", adv.String()).
			Uint64("requested_size", size).
			Uint32("buffer_size", opts.BufferSize()).
			Msg("Trace buffer size adjusted")
	}

	s, drv, err := a.session()
	if err != nil {
		return err
	}
	defer drv.Close()

	p, err := a.openProcess(pid)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := s.Start(p, opts); err != nil {
		return err
	}
	a.log.Info().
		Uint32("pid", pid).
		Uint32("buffer_size", opts.BufferSize()).
		Str("timing", opts.TimingPolicy.String()).
		Str("mode", opts.CaptureMode.String()).
		Str("match", opts.MatchScope.String()).
		Msg("Trace started")
	return nil
}

func (a *app) stop(pidArg string) error {
	pid, err := parsePID(pidArg)
	if err != nil {
		return err
	}

	s, drv, err := a.session()
	if err != nil {
		return err
	}
	defer drv.Close()

	p, err := a.openProcess(pid)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := s.Stop(p); err != nil {
		return err
	}
	a.log.Info().Uint32("pid", pid).Msg("Trace stopped")
	return nil
}

func (a *app) trace(pidArg, path string) error {
	pid, err := parsePID(pidArg)
	if err != nil {
		return err
	}

	s, drv, err := a.session()
	if err != nil {
		return err
	}
	defer drv.Close()

	p, err := a.openProcess(pid)
	if err != nil {
		return err
	}
	defer p.Close()

	c, err := s.Fetch(p)
	if err != nil {
		if c == nil {
			return err
		}
		return a.writePartial(c, path, err)
	}

	res, err := writeCapture(a.cfg.Output, c, path, false)
	if err != nil {
		return err
	}
	a.logWritten(c, res)
	return nil
}

// writePartial handles a capture whose buffer failed to decode: the raw
// buffer is kept for inspection and, if allowed, the decoded prefix is
// written as a partial trace.
func (a *app) writePartial(c *ipt.Capture, path string, decodeErr error) error {
	if a.cfg.Output.DumpOnError {
		dump := path + ".raw"
		if err := tracefile.WriteFile(dump, tracefile.CompressionNone, c.Buffer); err != nil {
			a.log.Error().Err(err).Str("path", dump).Msg("Failed to keep raw trace buffer")
		} else {
			a.log.Warn().
				Str("path", dump).
				Int("buffer_size", len(c.Buffer)).
				Msg("Raw trace buffer kept for inspection")
		}
	}
	if !a.cfg.Trace.AllowPartial {
		return decodeErr
	}

	a.log.Warn().
		Err(decodeErr).
		Int("segments", len(c.Segments)).
		Msg("Writing partial trace")
	res, err := writeCapture(a.cfg.Output, c, path, true)
	if err != nil {
		return errors.Join(decodeErr, err)
	}
	a.logWritten(c, res)
	return nil
}

func (a *app) logWritten(c *ipt.Capture, res writeResult) {
	e := a.log.Info().
		Str("capture_id", c.ID.String()).
		Uint32("pid", c.PID).
		Str("path", res.Path).
		Int64("bytes", res.Bytes).
		Int("segments", len(c.Segments)).
		Str("format", a.cfg.Output.Format)
	if res.IndexPath != "" {
		e = e.Str("index", res.IndexPath)
	}
	e.Msg("Trace written")
}
