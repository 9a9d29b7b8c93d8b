package transport

import (
	"github.com/pion/logging"

	"github.com/1ureka/rtcmsg/internal/util"
)

// pionLoggerFactory routes pion's internal logging through pterm.
type pionLoggerFactory struct{}

// Compile-time interface check.
var _ logging.LoggerFactory = pionLoggerFactory{}

func (pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return util.NewLogger("pion/" + scope)
}
