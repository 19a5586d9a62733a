package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger replaces the global logger with a console logger tagged with
// app and, when set, the broker component id.
func InitLogger(app string, componentID uint32) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	ctx := zerolog.New(output).With().Timestamp().Str("app", app)
	if componentID != 0 {
		ctx = ctx.Uint32("component_id", componentID)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}
