// config_test.go - Tests fuer die Umgebungs-Konfiguration
package envconfig

import (
	"testing"
	"time"
)

// TestServiceSocket prueft die Prioritaet der Socket-Konfiguration
func TestServiceSocket(t *testing.T) {
	t.Setenv("GGML_SERVICE_SOCKET", "/run/custom.sock")
	if got := ServiceSocket(); got != "/run/custom.sock" {
		t.Errorf("erwartet /run/custom.sock, bekommen %s", got)
	}

	t.Setenv("GGML_SERVICE_SOCKET", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got := ServiceSocket(); got != "/run/user/1000/ggml-service.sock" {
		t.Errorf("erwartet XDG-Pfad, bekommen %s", got)
	}
}

// TestNumThreads prueft Parsing und Default
func TestNumThreads(t *testing.T) {
	t.Setenv("GGML_NUM_THREADS", "3")
	if got := NumThreads(); got != 3 {
		t.Errorf("erwartet 3, bekommen %d", got)
	}

	t.Setenv("GGML_NUM_THREADS", "not-a-number")
	if got := NumThreads(); got < 1 {
		t.Errorf("kaputter Wert muss auf Default fallen, bekommen %d", got)
	}
}

// TestKeepAlive prueft Dauer-Formate und den Fuer-immer-Fall
func TestKeepAlive(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 5 * time.Minute},
		{"90s", 90 * time.Second},
		{"10", 10 * time.Second},
		{"2m", 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Setenv("GGML_KEEP_ALIVE", tt.value)
		if got := KeepAlive(); got != tt.want {
			t.Errorf("KeepAlive(%q): erwartet %v, bekommen %v", tt.value, tt.want, got)
		}
	}

	t.Setenv("GGML_KEEP_ALIVE", "-1")
	if got := KeepAlive(); got < time.Duration(1<<62) {
		t.Errorf("negativ muss fuer immer bedeuten, bekommen %v", got)
	}
}

// TestVarTrimsQuotes prueft das Trimmen von Anfuehrungszeichen
func TestVarTrimsQuotes(t *testing.T) {
	t.Setenv("GGML_DEBUG", "  \"1\"  ")
	if got := Var("GGML_DEBUG"); got != "1" {
		t.Errorf("erwartet \"1\", bekommen %q", got)
	}

	if !Debug() {
		t.Error("GGML_DEBUG=1 muss Debug aktivieren")
	}
}

// TestAllowedOrigins prueft die Origin-Liste samt localhost-Defaults
func TestAllowedOrigins(t *testing.T) {
	t.Setenv("GGML_ORIGINS", "http://example.com,https://tools.internal")

	origins := AllowedOrigins()
	if origins[0] != "http://example.com" || origins[1] != "https://tools.internal" {
		t.Errorf("konfigurierte Origins fehlen: %v", origins)
	}

	var hasLocalhost bool
	for _, origin := range origins {
		if origin == "http://localhost" {
			hasLocalhost = true
		}
	}

	if !hasLocalhost {
		t.Errorf("localhost-Default fehlt: %v", origins)
	}

	t.Setenv("GGML_ORIGINS", "")
	if got := AllowedOrigins(); len(got) != 12 {
		t.Errorf("erwartet 12 Standard-Origins, bekommen %d: %v", len(got), got)
	}
}

// TestAsMap prueft, dass alle Variablen exportiert werden
func TestAsMap(t *testing.T) {
	m := AsMap()

	for _, key := range []string{"GGML_SERVICE_SOCKET", "GGML_MODELS", "GGML_NUM_THREADS", "GGML_KEEP_ALIVE"} {
		if _, ok := m[key]; !ok {
			t.Errorf("%s fehlt in AsMap", key)
		}
	}
}
