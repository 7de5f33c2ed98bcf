package synccfg

import (
	"os"

	"github.com/ledgerwatch/log/v3"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogger wires the root logger to a terminal handler plus an
// optional rotating file handler, the same MultiHandler/StreamHandler/
// lumberjack composition turbo/logging/logging.go uses.
func SetupLogger(lvl log.Lvl, logFile string) log.Logger {
	handlers := []log.Handler{
		log.LvlFilterHandler(lvl, log.StreamHandler(os.Stdout, log.TerminalFormatNoColor())),
	}
	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		}
		handlers = append(handlers, log.LvlFilterHandler(lvl, log.StreamHandler(rotator, log.JSONFormat())))
	}

	root := log.New()
	root.SetHandler(log.MultiHandler(handlers...))
	return root
}
