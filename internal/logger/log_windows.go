//go:build windows

package logger

import (
	"ipttool/internal/config"

	"github.com/phuslu/log"
)

// createEventlogWriter creates an eventlog writer based on configuration
func createEventlogWriter(config *config.EventlogConfig) (log.Writer, error) {
	baseWriter := &log.EventlogWriter{
		Source: config.Source,
		ID:     uintptr(config.ID),
	}

	return wrapAsync(config.Async, baseWriter), nil
}
