// registry.go - Prozessweites Modell-Register mit Referenzzaehlung
//
// Dieses Modul enthaelt:
// - Registry: Abbildung Fingerprint -> geladenes Modell + use_count
// - Acquire/release: Referenzzaehlung mit Deduplizierung paralleler
//   Ladevorgaenge und Keep-Alive-Verfall bei use_count == 0
//
// Der Fingerprint ist ein BLAKE2b-Hash ueber Modellname und
// Properties. Fordern zwei Clients dasselbe Modell gleichzeitig an,
// laedt genau einer; der andere wartet auf das Ergebnis.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/smspillaz/ggml-go/api"
	"github.com/smspillaz/ggml-go/envconfig"
	"github.com/smspillaz/ggml-go/model"
)

// loadFunc laedt ein Modell fuer die gegebene Anfrage
type loadFunc func(ctx context.Context, name string, props api.CompletionProperties) (*model.LanguageModel, error)

type registryEntry struct {
	lm       *model.LanguageModel
	useCount uint

	loading chan struct{}
	loadErr error

	expireTimer *time.Timer
}

// Registry ist das prozessweite Modell-Register. Es gibt genau eine
// Instanz pro Service; sie wird per Referenz durchgereicht statt als
// globaler Zustand.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry

	loadFn    loadFunc
	keepAlive time.Duration
}

// NewRegistry erstellt ein Register, das Modelle mit loadFn laedt
func NewRegistry(loadFn loadFunc) *Registry {
	return &Registry{
		entries:   make(map[string]*registryEntry),
		loadFn:    loadFn,
		keepAlive: envconfig.KeepAlive(),
	}
}

// Fingerprint bildet (Modellname, Properties) auf einen stabilen
// Schluessel ab
func Fingerprint(name string, props api.CompletionProperties) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s\x00%s\x00%s", name, props.NumParams, props.Quantization)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ModelRef ist eine gezaehlte Referenz auf ein geladenes Modell
type ModelRef struct {
	LM *model.LanguageModel

	registry    *Registry
	fingerprint string
	released    sync.Once
}

// Release gibt die Referenz frei. Mehrfache Aufrufe sind wirkungslos.
func (r *ModelRef) Release() {
	r.released.Do(func() {
		r.registry.release(r.fingerprint)
	})
}

// Acquire gibt eine gezaehlte Referenz auf das Modell fuer (name,
// props) zurueck und laedt es bei Bedarf. Parallele Acquires desselben
// Modells dedupliziert das Register auf einen Ladevorgang.
func (reg *Registry) Acquire(ctx context.Context, name string, props api.CompletionProperties) (*ModelRef, error) {
	fingerprint := Fingerprint(name, props)

	reg.mu.Lock()
	entry, ok := reg.entries[fingerprint]
	if !ok {
		entry = &registryEntry{loading: make(chan struct{})}
		reg.entries[fingerprint] = entry
		reg.mu.Unlock()

		lm, err := reg.loadFn(ctx, name, props)

		reg.mu.Lock()
		entry.lm = lm
		entry.loadErr = err
		close(entry.loading)

		if err != nil {
			delete(reg.entries, fingerprint)
			reg.mu.Unlock()
			return nil, err
		}
	} else {
		reg.mu.Unlock()

		select {
		case <-entry.loading:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		reg.mu.Lock()
		if entry.loadErr != nil {
			reg.mu.Unlock()
			return nil, entry.loadErr
		}
	}

	entry.useCount++
	if entry.expireTimer != nil {
		entry.expireTimer.Stop()
		entry.expireTimer = nil
	}

	slog.Debug("model acquired", "model", name, "fingerprint", fingerprint[:12], "use_count", entry.useCount)
	reg.mu.Unlock()

	return &ModelRef{LM: entry.lm, registry: reg, fingerprint: fingerprint}, nil
}

// release dekrementiert den use_count. Faellt er auf 0, startet der
// Keep-Alive-Timer; nach dessen Ablauf wird das Modell entladen.
func (reg *Registry) release(fingerprint string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	entry, ok := reg.entries[fingerprint]
	if !ok || entry.useCount == 0 {
		return
	}

	entry.useCount--
	slog.Debug("model released", "fingerprint", fingerprint[:12], "use_count", entry.useCount)

	if entry.useCount > 0 {
		return
	}

	if reg.keepAlive <= 0 {
		reg.evict(fingerprint, entry)
		return
	}

	entry.expireTimer = time.AfterFunc(reg.keepAlive, func() {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		if current, ok := reg.entries[fingerprint]; ok && current == entry && entry.useCount == 0 {
			reg.evict(fingerprint, entry)
		}
	})
}

// evict entfernt einen Eintrag mit use_count == 0. Muss mit gehaltenem
// Lock aufgerufen werden.
func (reg *Registry) evict(fingerprint string, entry *registryEntry) {
	delete(reg.entries, fingerprint)
	if entry.lm != nil {
		entry.lm.Close()
	}

	slog.Info("model evicted", "fingerprint", fingerprint[:12])
}

// LoadedModel beschreibt einen Register-Eintrag fuer die
// Debug-Oberflaeche
type LoadedModel struct {
	Fingerprint string `json:"fingerprint"`
	UseCount    uint   `json:"use_count"`
}

// Loaded gibt die aktuell geladenen Eintraege zurueck
func (reg *Registry) Loaded() []LoadedModel {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	out := make([]LoadedModel, 0, len(reg.entries))
	for fp, entry := range reg.entries {
		if entry.lm == nil {
			continue
		}

		out = append(out, LoadedModel{Fingerprint: fp, UseCount: entry.useCount})
	}

	return out
}
