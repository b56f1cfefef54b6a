package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var forceDebug bool

// Setup configures the global zerolog logger.
// format is "json" or "console"; debug pins the level to debug regardless of config.
func Setup(format string, debug bool) {
	var out io.Writer = os.Stderr
	if strings.ToLower(format) != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	}
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	forceDebug = debug
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// ApplyLevel sets the global level from a config value such as "info"
func ApplyLevel(level string) {
	if forceDebug {
		return
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Component returns a logger tagged with a component name
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// UserRef returns the form of a user id that may appear in logs.
// With anonymize set it is a short stable hash.
func UserRef(userID string, anonymize bool) string {
	if !anonymize {
		return userID
	}
	sum := sha256.Sum256([]byte(userID))
	return "u_" + hex.EncodeToString(sum[:6])
}
