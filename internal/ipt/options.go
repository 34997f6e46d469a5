package ipt

import (
	"fmt"
	"math/bits"
	"strconv"
)

// OptionVersion is the only IPT_OPTIONS layout version the service accepts.
const OptionVersion = 1

const (
	pageShift = 12

	// MinBufferSize and MaxBufferSize bound the per-thread ToPA buffer.
	MinBufferSize = 1 << pageShift      // 4KB
	MaxBufferSize = MinBufferSize << 15 // 128MB
	maxSizeClass  = 15
)

// MatchScope selects which processes a trace applies to.
type MatchScope uint8

const (
	MatchAnyProcess MatchScope = iota
)

func (m MatchScope) String() string {
	switch m {
	case MatchAnyProcess:
		return "Any process"
	default:
		return fmt.Sprintf("MatchScope(%d)", uint8(m))
	}
}

// CaptureMode selects the privilege levels that are traced.
type CaptureMode uint8

const (
	CaptureUserModeOnly CaptureMode = iota
)

func (c CaptureMode) String() string {
	switch c {
	case CaptureUserModeOnly:
		return "User-mode only"
	default:
		return fmt.Sprintf("CaptureMode(%d)", uint8(c))
	}
}

// TimingPolicy selects which timing packets the hardware emits.
type TimingPolicy uint8

const (
	TimingNoTimingPackets TimingPolicy = iota
)

func (t TimingPolicy) String() string {
	switch t {
	case TimingNoTimingPackets:
		return "None"
	default:
		return fmt.Sprintf("TimingPolicy(%d)", uint8(t))
	}
}

// Options is the decoded form of the IPT_OPTIONS record handed to the service.
type Options struct {
	Version         uint8
	BufferSizeClass uint8 // buffer size is 4KB << BufferSizeClass
	MatchScope      MatchScope
	CaptureMode     CaptureMode
	TimingPolicy    TimingPolicy
}

// IPT_OPTIONS bit positions.
const (
	optVersionShift = 0
	optTimingShift  = 4
	optTopaShift    = 16
	optMatchShift   = 20
	optModeShift    = 24
	optNibbleMask   = 0xF
	optMatchMask    = 0x7
)

// Encode packs o into the 64-bit IPT_OPTIONS layout.
// MTC frequency, CYC threshold and inherit are always zero.
func (o Options) Encode() uint64 {
	var v uint64
	v |= uint64(o.Version&optNibbleMask) << optVersionShift
	v |= uint64(uint8(o.TimingPolicy)&optNibbleMask) << optTimingShift
	v |= uint64(o.BufferSizeClass&optNibbleMask) << optTopaShift
	v |= uint64(uint8(o.MatchScope)&optMatchMask) << optMatchShift
	v |= uint64(uint8(o.CaptureMode)&optNibbleMask) << optModeShift
	return v
}

// DecodeOptions unpacks an IPT_OPTIONS value.
func DecodeOptions(v uint64) Options {
	return Options{
		Version:         uint8(v>>optVersionShift) & optNibbleMask,
		TimingPolicy:    TimingPolicy(uint8(v>>optTimingShift) & optNibbleMask),
		BufferSizeClass: uint8(v>>optTopaShift) & optNibbleMask,
		MatchScope:      MatchScope(uint8(v>>optMatchShift) & optMatchMask),
		CaptureMode:     CaptureMode(uint8(v>>optModeShift) & optNibbleMask),
	}
}

// BufferSize returns the per-thread trace buffer size in bytes.
func (o Options) BufferSize() uint32 {
	return MinBufferSize << o.BufferSizeClass
}

// Advisory is a non-fatal note about how a requested size was adjusted.
type Advisory uint8

const (
	AdvisoryRoundedDown Advisory = iota + 1
	AdvisoryClampedMin
	AdvisoryClampedMax
)

func (a Advisory) String() string {
	switch a {
	case AdvisoryRoundedDown:
		return "Size will be aligned to a power of 2"
	case AdvisoryClampedMin:
		return "Size will be set to minimum of 4KB"
	case AdvisoryClampedMax:
		return "Size will be set to a maximum of 128MB"
	default:
		return fmt.Sprintf("Advisory(%d)", uint8(a))
	}
}

// BuildOptions validates the user supplied size and flags and returns the
// options to start a trace with. Flags are reserved and must be "0".
func BuildOptions(requestedSize uint32, rawFlags string) (Options, []Advisory, error) {
	flags, err := strconv.ParseUint(rawFlags, 10, 32)
	if err != nil || flags != 0 {
		return Options{}, nil, fmt.Errorf("%w: %q", ErrInvalidFlags, rawFlags)
	}
	if requestedSize == 0 {
		return Options{}, nil, fmt.Errorf("%w: %d", ErrInvalidSize, requestedSize)
	}

	class, advisories := sizeClass(requestedSize)
	return Options{
		Version:         OptionVersion,
		BufferSizeClass: class,
		MatchScope:      MatchAnyProcess,
		CaptureMode:     CaptureUserModeOnly,
		TimingPolicy:    TimingNoTimingPackets,
	}, advisories, nil
}

// sizeClass returns the largest class with 4KB<<class <= size, clamped to [0, 15].
func sizeClass(size uint32) (uint8, []Advisory) {
	var advisories []Advisory
	if size&(size-1) != 0 {
		advisories = append(advisories, AdvisoryRoundedDown)
	}

	// index of the highest set bit, size is non-zero here
	msb := bits.Len32(size) - 1
	switch {
	case msb < pageShift:
		return 0, append(advisories, AdvisoryClampedMin)
	case size > MaxBufferSize:
		return maxSizeClass, append(advisories, AdvisoryClampedMax)
	}
	return uint8(msb - pageShift), advisories
}
