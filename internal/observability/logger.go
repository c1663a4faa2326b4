package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger tags the global logger with app and, when set, the zone
// address. The writer and level come from the logging package.
func InitLogger(app, zoneAddr string) zerolog.Logger {
	ctx := log.Logger.With().Str("app", app)
	if zoneAddr != "" {
		ctx = ctx.Str("zone", zoneAddr)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}
