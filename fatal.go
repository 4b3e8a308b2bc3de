package gojaplatform

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
)

var (
	// osExit is replaced in tests.
	osExit = os.Exit

	fatalHandlerOnce sync.Once
	fatalHandler     func(location, message string)
)

// registerFatalHandler installs the process-wide fatal error handler. Only
// the first call has any effect, so the handler logs through the logger of
// the first Platform constructed.
func registerFatalHandler(logger *logiface.Logger[logiface.Event]) {
	fatalHandlerOnce.Do(func() {
		fatalHandler = func(location, message string) {
			logger.Emerg().
				Str(`location`, location).
				Log(message)
			osExit(1)
		}
	})
}

// ReportFatalError reports an unrecoverable engine error, logging it then
// terminating the process with exit status 1. It does not return.
func (p *Platform) ReportFatalError(location, message string) {
	fatalHandler(location, message)
}
