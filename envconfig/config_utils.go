// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - Bool/Uint: Getter mit Default-Wert
// - LogLevel/Debug: Log-Level aus GGML_DEBUG
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
package envconfig

import (
	"log/slog"
	"strconv"
)

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

var (
	// Debug aktiviert zusaetzliche Debug-Informationen (GGML_DEBUG=1)
	Debug = Bool("GGML_DEBUG")

	// NoPrune verhindert das Aufraeumen unvollstaendiger Model-Downloads beim Start
	NoPrune = Bool("GGML_NOPRUNE")

	// MaxQueue gibt die maximale Anzahl wartender Anfragen zurueck
	MaxQueue = Uint("GGML_MAX_QUEUE", 512)
)

// LogLevel gibt das Log-Level zurueck
// GGML_DEBUG=1 aktiviert Debug-Logging
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if Debug() {
		level = slog.LevelDebug
	}

	return level
}

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"GGML_DEBUG":          {"GGML_DEBUG", Debug(), "Show additional debug information (e.g. GGML_DEBUG=1)"},
		"GGML_HOST":           {"GGML_HOST", Host(), "Address for the debug HTTP surface (empty: disabled)"},
		"GGML_KEEP_ALIVE":     {"GGML_KEEP_ALIVE", KeepAlive(), "The duration that unused models stay loaded in memory (default \"5m\")"},
		"GGML_LOAD_TIMEOUT":   {"GGML_LOAD_TIMEOUT", LoadTimeout(), "How long to allow model loads to stall before giving up (default \"5m\")"},
		"GGML_MAX_QUEUE":      {"GGML_MAX_QUEUE", MaxQueue(), "Maximum number of queued requests"},
		"GGML_MODELS":         {"GGML_MODELS", Models(), "The path to the model cache directory"},
		"GGML_NOPRUNE":        {"GGML_NOPRUNE", NoPrune(), "Do not prune incomplete model downloads on startup"},
		"GGML_ORIGINS":        {"GGML_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins for the debug HTTP surface"},
		"GGML_NUM_THREADS":    {"GGML_NUM_THREADS", NumThreads(), "Number of worker threads for graph computation (default: CPU cores)"},
		"GGML_SERVICE_SOCKET": {"GGML_SERVICE_SOCKET", ServiceSocket(), "Path of the shared bus unix socket"},
	}
}
