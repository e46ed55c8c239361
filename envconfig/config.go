// config.go - Haupt-Konfigurationsfunktionen fuer ggml-go
//
// Dieses Modul enthaelt:
// - ServiceSocket: Gibt den Pfad des Bus-Sockets zurueck (GGML_SERVICE_SOCKET)
// - Models: Gibt das Model-Cache-Verzeichnis zurueck (GGML_MODELS)
// - NumThreads: Gibt die Worker-Anzahl fuer Graph-Berechnung zurueck (GGML_NUM_THREADS)
// - KeepAlive: Gibt die Keep-Alive-Dauer fuer unbenutzte Models zurueck (GGML_KEEP_ALIVE)
// - LoadTimeout: Gibt das Lade-Timeout zurueck (GGML_LOAD_TIMEOUT)
// - Host: Gibt die Adresse der Debug-HTTP-Oberflaeche zurueck (GGML_HOST)
// - AllowedOrigins: Gibt erlaubte Origins zurueck (GGML_ORIGINS)
//
// Utility-Funktionen und AsMap sind in config_utils.go ausgelagert.
package envconfig

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Var liest eine Environment-Variable und trimmt Anfuehrungszeichen und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// ServiceSocket gibt den Pfad des Unix-Sockets zurueck, auf dem der
// Service den geteilten Bus bereitstellt
// Konfigurierbar via GGML_SERVICE_SOCKET
// Default: $XDG_RUNTIME_DIR/ggml-service.sock
func ServiceSocket() string {
	if s := Var("GGML_SERVICE_SOCKET"); s != "" {
		return s
	}

	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "ggml-service.sock")
	}

	return filepath.Join(os.TempDir(), "ggml-service.sock")
}

// Models gibt das Verzeichnis zurueck, in dem Model-Dateien gecacht werden
// Konfigurierbar via GGML_MODELS
// Default: $HOME/.cache/ggml-go/models
func Models() string {
	if s := Var("GGML_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ggml-go", "models")
	}

	return filepath.Join(home, ".cache", "ggml-go", "models")
}

// NumThreads gibt die Anzahl der Worker fuer die Graph-Berechnung zurueck
// Konfigurierbar via GGML_NUM_THREADS
// Default: Anzahl der CPU-Kerne
func NumThreads() int {
	if s := Var("GGML_NUM_THREADS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}

	return runtime.NumCPU()
}

// duration parst eine Dauer entweder als time.Duration-String oder als Sekunden
func duration(key string, defaultValue time.Duration) time.Duration {
	d := defaultValue
	if s := Var(key); s != "" {
		if parsed, err := time.ParseDuration(s); err == nil {
			d = parsed
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			d = time.Duration(n) * time.Second
		}
	}

	return d
}

// KeepAlive gibt zurueck, wie lange ein Model mit use_count == 0 geladen bleibt
// Konfigurierbar via GGML_KEEP_ALIVE
// Default: 5m; negative Werte bedeuten "fuer immer"
func KeepAlive() time.Duration {
	keepAlive := duration("GGML_KEEP_ALIVE", 5*time.Minute)
	if keepAlive < 0 {
		return time.Duration(math.MaxInt64)
	}

	return keepAlive
}

// LoadTimeout gibt zurueck, wie lange ein Model-Ladevorgang dauern darf
// Konfigurierbar via GGML_LOAD_TIMEOUT
// Default: 5m; Werte <= 0 bedeuten "unbegrenzt"
func LoadTimeout() time.Duration {
	loadTimeout := duration("GGML_LOAD_TIMEOUT", 5*time.Minute)
	if loadTimeout <= 0 {
		return time.Duration(math.MaxInt64)
	}

	return loadTimeout
}

// Host gibt die Adresse der optionalen Debug-HTTP-Oberflaeche zurueck
// Konfigurierbar via GGML_HOST; leer bedeutet deaktiviert
func Host() string {
	return Var("GGML_HOST")
}

// AllowedOrigins gibt die erlaubten Origins der Debug-HTTP-Oberflaeche
// zurueck
// Konfigurierbar via GGML_ORIGINS (komma-separiert)
// Enthaelt Standard-Origins fuer localhost
func AllowedOrigins() (origins []string) {
	if s := Var("GGML_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	// Standard-Origins fuer localhost
	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s:*", origin),
			fmt.Sprintf("https://%s:*", origin),
		)
	}

	return origins
}
