// download.go - Gecachter Modell-Stream mit Fortschritts-Meldung
//
// Dieses Modul enthaelt:
// - CachedModelStream: oeffnet die lokale Modelldatei und laedt sie
//   beim ersten Zugriff transparent aus dem Netz in den Cache
//
// Der Download schreibt zuerst in eine Partial-Datei und benennt erst
// nach vollstaendigem Empfang um, damit abgebrochene Downloads keinen
// kaputten Cache hinterlassen.
package server

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smspillaz/ggml-go/api"
	"github.com/smspillaz/ggml-go/envconfig"
	"github.com/smspillaz/ggml-go/format"
)

// modelBaseURL ist die Quelle der vordefinierten GPT-2-Modelle
const modelBaseURL = "https://huggingface.co/ggerganov/ggml/resolve/main/"

// builtinModelFile bildet eine Parametergroesse auf den Dateinamen im
// Cache und auf dem Server ab
func builtinModelFile(numParams string) (string, error) {
	switch numParams {
	case "117M", "345M", "774M", "1558M":
		return "ggml-model-gpt-2-" + numParams + ".bin", nil
	default:
		return "", api.NewError(api.KindNotFound, "no built-in model with %s parameters", numParams)
	}
}

// ProgressFunc meldet den Download-Fortschritt in Bytes
type ProgressFunc func(received, total uint64)

// CachedModelStream gibt einen Lese-Stream auf die Modelldatei fuer
// die gegebene Parametergroesse zurueck. Fehlt die Datei im Cache,
// wird sie zuerst heruntergeladen. progress darf nil sein.
func CachedModelStream(numParams string, progress ProgressFunc) (io.ReadCloser, error) {
	file, err := builtinModelFile(numParams)
	if err != nil {
		return nil, err
	}

	cacheDir := envconfig.Models()
	path := filepath.Join(cacheDir, file)

	if f, err := os.Open(path); err == nil {
		return f, nil
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, api.NewError(api.KindIO, "creating model cache: %v", err)
	}

	if err := download(modelBaseURL+file, path, progress); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, api.NewError(api.KindIO, "opening cached model: %v", err)
	}

	return f, nil
}

// download laedt url nach path, mit Partial-Datei und Umbenennen am
// Ende
func download(url, path string, progress ProgressFunc) error {
	slog.Info("downloading model", "url", url, "dest", path)
	start := time.Now()

	resp, err := http.Get(url)
	if err != nil {
		return api.NewError(api.KindIO, "fetching %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return api.NewError(api.KindIO, "fetching %s: status %s", url, resp.Status)
	}

	partial := path + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return api.NewError(api.KindIO, "creating %s: %v", partial, err)
	}

	total := uint64(max(resp.ContentLength, 0))
	counter := &progressWriter{total: total, progress: progress}

	_, err = io.Copy(io.MultiWriter(out, counter), resp.Body)
	closeErr := out.Close()

	if err != nil || closeErr != nil {
		os.Remove(partial)
		return api.NewError(api.KindIO, "downloading %s: %v", url, errorOf(err, closeErr))
	}

	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return api.NewError(api.KindIO, "finishing download: %v", err)
	}

	slog.Info("model downloaded", "dest", path, "size", format.HumanBytes2(counter.received), "duration", time.Since(start))
	return nil
}

func errorOf(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

type progressWriter struct {
	received uint64
	total    uint64
	progress ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.received += uint64(len(p))
	if w.progress != nil {
		w.progress(w.received, w.total)
	}

	return len(p), nil
}

// PruneStaleDownloads entfernt liegengebliebene Partial-Dateien aus
// dem Cache, sofern GGML_NOPRUNE das nicht unterbindet
func PruneStaleDownloads() {
	if envconfig.NoPrune() {
		return
	}

	entries, err := os.ReadDir(envconfig.Models())
	if err != nil {
		return
	}

	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".partial") {
			slog.Debug("pruning stale download", "file", entry.Name())
			os.Remove(filepath.Join(envconfig.Models(), entry.Name()))
		}
	}
}
