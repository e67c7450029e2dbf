package logger

import (
	"os"

	"github.com/hexclaw/orchestrator/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger. Development mode gets a
// colorized console writer at debug level; anything else gets plain
// JSON at info level, same split the gateway uses.
func New(cfg *config.Config) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr}
	lvl := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Logger()
}
