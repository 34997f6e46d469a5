//go:build !windows

package logger

import (
	"fmt"

	"ipttool/internal/config"

	"github.com/phuslu/log"
)

func createEventlogWriter(config *config.EventlogConfig) (log.Writer, error) {
	return nil, fmt.Errorf("eventlog output %q is only available on windows", config.Source)
}
