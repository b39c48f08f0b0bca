package shutdown

import (
	"os"

	"github.com/rs/zerolog/log"
)

// ExitFunc terminates the process; tests replace it.
var ExitFunc = os.Exit

// Hook releases one resource during shutdown.
type Hook struct {
	Name string
	Fn   func() error
}

// Shutdown runs hooks in order and exits cleanly. A failing hook is logged and
// does not stop the remaining ones.
func Shutdown(hooks ...Hook) {
	run(hooks)
	log.Info().Msg("Shutdown complete")
	ExitFunc(0)
}

func ShutdownWithError(err error, msg string, hooks ...Hook) {
	log.Error().Err(err).Msg(msg)
	run(hooks)
	ExitFunc(1)
}

func run(hooks []Hook) {
	for _, h := range hooks {
		if err := h.Fn(); err != nil {
			log.Warn().Err(err).Str("hook", h.Name).Msg("Shutdown hook failed")
			continue
		}
		log.Debug().Str("hook", h.Name).Msg("Shutdown hook done")
	}
}
