package api

import (
	"os"
	"strconv"
	"strings"

	"github.com/kolkov/deadlockdetector/internal/deadlock/detector"
)

// Environment variables read once at initialization.
//
//	DEADLOCK             enable/disable toggle ("0", "false", "off" disable)
//	DEADLOCK_MODE        "report" (default) or "abort"
//	DEADLOCK_LOG_FILE    diagnostic log destination (rotated); default stderr
//	DEADLOCK_MAX_LOCKS   cap on tracked lock identities; -1 for unlimited
//	DEADLOCK_MAX_EDGES   cap on recorded lock-order edges; -1 for unlimited
//	DEADLOCK_STACK_DEPTH acquisition-site capture depth (1-16)
const (
	envEnabled    = "DEADLOCK"
	envMode       = "DEADLOCK_MODE"
	envLogFile    = "DEADLOCK_LOG_FILE"
	envMaxLocks   = "DEADLOCK_MAX_LOCKS"
	envMaxEdges   = "DEADLOCK_MAX_EDGES"
	envStackDepth = "DEADLOCK_STACK_DEPTH"
)

// Config is the runtime configuration snapshot taken at initialization.
type Config struct {
	// Enabled gates all interception. When false the wrappers degrade to
	// their underlying primitives with a single atomic load of overhead.
	Enabled bool

	// Mode selects advisory or enforcing behavior on detection.
	Mode detector.Mode

	// LogFile, when non-empty, routes diagnostics to a rotated file instead
	// of stderr. Cycle reports always go to the report sink.
	LogFile string

	// MaxLocks and MaxEdges bound the graph. Zero selects the defaults;
	// negative means unlimited.
	MaxLocks int
	MaxEdges int

	// StackDepth is the acquisition-site capture depth; zero selects the
	// default.
	StackDepth int
}

// FromEnv reads the configuration from the process environment.
//
// Unparseable values fall back to defaults rather than failing: the runtime
// must come up in a usable state no matter what the environment contains.
func FromEnv() Config {
	cfg := Config{Enabled: true, Mode: detector.ModeReport}

	if v, ok := os.LookupEnv(envEnabled); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "off", "no":
			cfg.Enabled = false
		}
	}
	if v, ok := os.LookupEnv(envMode); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "abort", "enforce", "fatal":
			cfg.Mode = detector.ModeAbort
		}
	}
	cfg.LogFile = os.Getenv(envLogFile)
	cfg.MaxLocks = intEnv(envMaxLocks, 0)
	cfg.MaxEdges = intEnv(envMaxEdges, 0)
	cfg.StackDepth = intEnv(envStackDepth, 0)
	return cfg
}

// intEnv parses an integer environment variable, returning def when the
// variable is unset or malformed.
func intEnv(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}
